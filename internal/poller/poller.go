// Package poller runs the polling loop: enumerate hosts, fetch each host's
// rrd_updates export since the cursor, parse it and hand the points to the
// writer.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/basekick-labs/xenrrd/internal/circuitbreaker"
	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/rrd"
	"github.com/basekick-labs/xenrrd/internal/xapi"
	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HostSource lists the hosts to poll.
type HostSource interface {
	Hosts(ctx context.Context) ([]xapi.Host, error)
}

// ExportFetcher downloads one host's export starting at start.
type ExportFetcher interface {
	FetchExport(ctx context.Context, host xapi.Host, start time.Time) ([]byte, error)
}

// PointWriter accepts completed points. It must not block on the store.
type PointWriter interface {
	WritePoint(p models.Point) error
}

// Capturer keeps a copy of a raw export before it is parsed.
type Capturer interface {
	Capture(ctx context.Context, host string, cursor time.Time, data []byte) error
}

// ErrNoHosts is reported when enumeration succeeds with an empty list.
var ErrNoHosts = errors.New("no hosts to poll")

// Config holds the controller's collaborators and settings
type Config struct {
	Hosts    HostSource
	Fetcher  ExportFetcher
	Writer   PointWriter
	Parser   *rrd.Parser
	Capturer Capturer    // optional
	Store    CursorStore // optional
	Metrics  *metrics.Metrics

	Interval    time.Duration
	Lookback    time.Duration
	MaxWindow   time.Duration
	Concurrency int

	// HostTag names the tag carrying the source host; empty disables it.
	HostTag string
	// Tags are attached to every point.
	Tags map[string]string

	// BreakerMaxFailures <= 0 disables per-host circuit breakers.
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// HostResult is the outcome of polling one host in a cycle.
type HostResult struct {
	Host     string        `json:"host"`
	Rows     int           `json:"rows"`
	Points   int           `json:"points"`
	Dropped  int           `json:"dropped,omitempty"`
	Bytes    int           `json:"bytes"`
	End      time.Time     `json:"end,omitempty"`
	HasEnd   bool          `json:"has_end"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
}

// OK reports whether the host contributed to the cursor.
func (r HostResult) OK() bool {
	return r.Err == nil && !r.Skipped
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Started    time.Time     `json:"started"`
	LowerBound time.Time     `json:"lower_bound"`
	Cursor     Cursor        `json:"cursor"`
	Duration   time.Duration `json:"duration_ns"`
	Hosts      []HostResult  `json:"hosts"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Points     int           `json:"points"`
	Panicked   bool          `json:"panicked,omitempty"`
	Error      string        `json:"error,omitempty"`
	Err        error         `json:"-"`
}

// Status is a point-in-time view of the controller for the status API.
type Status struct {
	Cursor    Cursor                 `json:"cursor"`
	Cycles    int64                  `json:"cycles"`
	LastCycle *CycleReport           `json:"last_cycle,omitempty"`
	Breakers  []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// Controller owns the cursor and runs poll cycles. RunCycle is not safe for
// concurrent use; Status may be called from any goroutine.
type Controller struct {
	hosts    HostSource
	fetcher  ExportFetcher
	writer   PointWriter
	parser   *rrd.Parser
	capturer Capturer
	store    CursorStore
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Group

	interval    time.Duration
	lookback    time.Duration
	maxWindow   time.Duration
	concurrency int
	hostTag     string
	tags        map[string]string

	now    func() time.Time
	logger zerolog.Logger

	mu         sync.RWMutex
	cursor     Cursor
	cycles     int64
	lastReport *CycleReport
}

// NewController creates a poll cycle controller
func NewController(cfg *Config, logger zerolog.Logger) (*Controller, error) {
	if cfg.Hosts == nil {
		return nil, fmt.Errorf("host source is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("export fetcher is required")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("point writer is required")
	}

	c := &Controller{
		hosts:       cfg.Hosts,
		fetcher:     cfg.Fetcher,
		writer:      cfg.Writer,
		parser:      cfg.Parser,
		capturer:    cfg.Capturer,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		lookback:    cfg.Lookback,
		maxWindow:   cfg.MaxWindow,
		concurrency: cfg.Concurrency,
		hostTag:     cfg.HostTag,
		tags:        cfg.Tags,
		now:         time.Now,
		logger:      logger.With().Str("component", "poller").Logger(),
	}

	if c.parser == nil {
		c.parser = rrd.NewParser(logger)
	}
	if c.metrics == nil {
		c.metrics = metrics.Get()
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Second
	}
	if c.lookback <= 0 {
		c.lookback = 5 * time.Second
	}
	if c.concurrency <= 0 {
		c.concurrency = 4
	}
	if cfg.BreakerMaxFailures > 0 {
		c.breakers = circuitbreaker.NewGroup(circuitbreaker.Config{
			MaxFailures: cfg.BreakerMaxFailures,
			Cooldown:    cfg.BreakerCooldown,
		}, logger)
	}

	return c, nil
}

// Run loads the persisted cursor, then runs cycles every interval until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().
		Dur("interval", c.interval).
		Dur("lookback", c.lookback).
		Int("concurrency", c.concurrency).
		Msg("Poller started")

	_, err := c.loop(ctx, c.loadCursor(ctx), 0)

	c.logger.Info().Msg("Poller stopped")
	return err
}

// RunCycles runs at most n cycles, sleeping the interval between them, and
// returns the final cursor. It starts from the in-memory cursor, or from the
// persisted one before any cycle has run.
func (c *Controller) RunCycles(ctx context.Context, n int) (Cursor, error) {
	cursor := c.Cursor()
	if !cursor.Valid {
		cursor = c.loadCursor(ctx)
	}
	return c.loop(ctx, cursor, n)
}

func (c *Controller) loop(ctx context.Context, cursor Cursor, n int) (Cursor, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i := 0; n <= 0 || i < n; i++ {
		if ctx.Err() != nil {
			return cursor, nil
		}

		cursor, _ = c.RunCycle(ctx, cursor)
		c.saveCursor(ctx, cursor)

		if n > 0 && i == n-1 {
			break
		}

		timer.Reset(c.interval)
		select {
		case <-ctx.Done():
			return cursor, nil
		case <-timer.C:
		}
	}
	return cursor, nil
}

// RunCycle executes one cycle starting at cursor and returns the advanced
// cursor. Failures never escape: they are logged and reported.
func (c *Controller) RunCycle(ctx context.Context, cursor Cursor) (next Cursor, report CycleReport) {
	began := time.Now()
	start := c.now()
	lower := c.lowerBound(cursor, start)
	next = NewCursor(lower)

	report = CycleReport{Started: start, LowerBound: lower}

	defer func() {
		if r := recover(); r != nil {
			c.metrics.IncCyclePanics()
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in poll cycle")
			report.Panicked = true
			report.Err = fmt.Errorf("poll cycle panicked: %v", r)
		}
		if report.Err != nil {
			report.Error = report.Err.Error()
			c.metrics.IncCycleFailures()
		}
		report.Cursor = next
		report.Duration = time.Since(began)
		c.finishCycle(next, report)
	}()

	hosts, err := c.hosts.Hosts(ctx)
	if err == nil && len(hosts) == 0 {
		err = ErrNoHosts
	}
	if err != nil {
		report.Err = fmt.Errorf("enumerate hosts: %w", err)
		c.logger.Error().Err(err).Msg("Failed to enumerate hosts")
		return next, report
	}

	report.Hosts = c.pollHosts(ctx, hosts, lower)

	for _, hr := range report.Hosts {
		report.Points += hr.Points
		switch {
		case hr.Skipped:
			report.Skipped++
		case hr.Err != nil:
			report.Failed++
		default:
			report.Succeeded++
			end := lower
			if hr.HasEnd {
				end = hr.End
			}
			next = next.Advance(end)
		}
	}

	c.logger.Debug().
		Int("hosts", len(hosts)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("points", report.Points).
		Time("cursor", next.LastLoadedAt).
		Msg("Poll cycle complete")

	return next, report
}

// lowerBound is the start of the window to fetch: the cursor when valid,
// otherwise now minus lookback, never older than now minus max window.
func (c *Controller) lowerBound(cursor Cursor, now time.Time) time.Time {
	lower := now.Add(-c.lookback)
	if cursor.Valid {
		lower = cursor.LastLoadedAt
	}
	if c.maxWindow > 0 {
		if floor := now.Add(-c.maxWindow); lower.Before(floor) {
			c.logger.Warn().
				Time("cursor", lower).
				Time("clamped_to", floor).
				Msg("Cursor older than max window, skipping ahead")
			lower = floor
		}
	}
	return lower.UTC()
}

func (c *Controller) pollHosts(ctx context.Context, hosts []xapi.Host, lower time.Time) []HostResult {
	results := make([]HostResult, len(hosts))

	labels := hostLabels(hosts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, host := range hosts {
		g.Go(func() error {
			results[i] = c.pollHost(gctx, host, labels[i], lower)
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.SetHostsLastCycle(len(hosts))
	return results
}

// hostLabels names each host for tags, captures, breakers and logs. Hosts
// that share a name_label get their address appended, then their UUID or ref
// if the address does not tell them apart either.
func hostLabels(hosts []xapi.Host) []string {
	labels := make([]string, len(hosts))
	for i, h := range hosts {
		labels[i] = h.String()
	}
	disambiguate(labels, func(i int) string { return hosts[i].Address })
	disambiguate(labels, func(i int) string {
		if hosts[i].UUID != "" {
			return hosts[i].UUID
		}
		return hosts[i].Ref
	})
	return labels
}

func disambiguate(labels []string, suffix func(i int) string) {
	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		counts[l]++
	}
	for i, l := range labels {
		if counts[l] < 2 {
			continue
		}
		if s := suffix(i); s != "" && s != l {
			labels[i] = l + "@" + s
		}
	}
}

// pollHost fetches and parses one host. It never returns an error to the
// group so one host cannot cancel the others.
func (c *Controller) pollHost(ctx context.Context, host xapi.Host, name string, lower time.Time) (res HostResult) {
	res.Host = name
	start := time.Now()
	log := c.logger.With().Str("host", name).Logger()

	defer func() {
		if r := recover(); r != nil {
			c.metrics.IncCyclePanics()
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic while polling host")
			res.Err = fmt.Errorf("panic: %v", r)
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		res.Duration = time.Since(start)
	}()

	var breaker *circuitbreaker.CircuitBreaker
	if c.breakers != nil {
		breaker = c.breakers.Get(name)
		if err := breaker.Allow(); err != nil {
			c.metrics.IncHostsSkipped()
			log.Debug().Msg("Host circuit open, skipping")
			res.Skipped = true
			return res
		}
	}

	res.Err = c.fetchAndParse(ctx, host, lower, &res, log)
	if breaker != nil {
		breaker.Record(res.Err)
	}
	if res.Err != nil {
		c.recordHostError(name, res.Err, log)
	}
	return res
}

func (c *Controller) fetchAndParse(ctx context.Context, host xapi.Host, lower time.Time, res *HostResult, log zerolog.Logger) error {
	c.metrics.IncFetches()
	fetchStart := time.Now()
	data, err := c.fetcher.FetchExport(ctx, host, lower)
	c.metrics.ObserveFetchDuration(time.Since(fetchStart))
	if err != nil {
		return fmt.Errorf("fetch export: %w", err)
	}
	res.Bytes = len(data)
	c.metrics.AddExportBytes(len(data))

	if c.capturer != nil {
		if err := c.capturer.Capture(ctx, res.Host, lower, data); err != nil {
			log.Warn().Err(err).Msg("Failed to capture export")
		}
	}

	tags := c.pointTags(res.Host)
	export, err := c.parser.ParseFunc(bytes.NewReader(data), func(p models.Point) {
		p.Tags = tags
		if err := c.writer.WritePoint(p); err != nil {
			res.Dropped++
			return
		}
		res.Points++
	})
	if export != nil {
		res.Rows = export.RowsParsed
		res.End = export.Meta.End
		res.HasEnd = export.Meta.HasEnd
		c.metrics.AddRowsParsed(export.RowsParsed)
		c.metrics.AddPointsParsed(export.PointsEmitted)
	}
	if res.Dropped > 0 {
		log.Warn().Int("dropped", res.Dropped).Msg("Writer rejected points")
	}
	if err != nil {
		return fmt.Errorf("parse export: %w", err)
	}
	return nil
}

func (c *Controller) recordHostError(host string, err error, log zerolog.Logger) {
	switch {
	case errors.Is(err, rrd.ErrStructural), errors.Is(err, rrd.ErrMalformedValue):
		c.metrics.IncParseErrors()
	case xapi.IsAuthFailure(err):
		c.metrics.IncAuthErrors()
	}
	c.metrics.IncHostErrors(host)
	log.Error().Err(err).Msg("Failed to poll host")
}

// pointTags returns the tag set for points from host. The map is shared by
// all of the host's points in a cycle.
func (c *Controller) pointTags(host string) map[string]string {
	if c.hostTag == "" && len(c.tags) == 0 {
		return nil
	}
	tags := make(map[string]string, len(c.tags)+1)
	for k, v := range c.tags {
		tags[k] = v
	}
	if c.hostTag != "" {
		tags[c.hostTag] = host
	}
	return tags
}

func (c *Controller) finishCycle(cursor Cursor, report CycleReport) {
	c.metrics.IncCycles()
	c.metrics.ObserveCycleDuration(report.Duration)
	c.metrics.SetCursor(cursor.LastLoadedAt)

	c.mu.Lock()
	c.cursor = cursor
	c.cycles++
	c.lastReport = &report
	c.mu.Unlock()
}

func (c *Controller) loadCursor(ctx context.Context) Cursor {
	if c.store == nil {
		return c.Cursor()
	}
	t, ok, err := c.store.LoadCursor(ctx)
	if err != nil {
		c.metrics.IncStateErrors()
		c.logger.Warn().Err(err).Msg("Failed to load persisted cursor, starting fresh")
		return Cursor{}
	}
	if !ok {
		return Cursor{}
	}
	cursor := NewCursor(t)
	c.logger.Info().Time("cursor", cursor.LastLoadedAt).Msg("Resuming from persisted cursor")

	c.mu.Lock()
	c.cursor = cursor
	c.mu.Unlock()
	return cursor
}

func (c *Controller) saveCursor(ctx context.Context, cursor Cursor) {
	if c.store == nil || !cursor.Valid {
		return
	}
	if err := c.store.SaveCursor(ctx, cursor.LastLoadedAt); err != nil {
		c.metrics.IncStateErrors()
		c.logger.Warn().Err(err).Msg("Failed to persist cursor")
		return
	}
	c.metrics.IncStateSaves()
}

// Cursor returns the cursor produced by the latest cycle.
func (c *Controller) Cursor() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// Status returns the controller's current state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	s := Status{Cursor: c.cursor, Cycles: c.cycles}
	if c.lastReport != nil {
		report := *c.lastReport
		s.LastCycle = &report
	}
	c.mu.RUnlock()

	if c.breakers != nil {
		s.Breakers = c.breakers.Stats()
	}
	return s
}
