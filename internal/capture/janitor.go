package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const defaultSchedule = "@hourly"

// pruneTimeout bounds a single janitor run
const pruneTimeout = 10 * time.Minute

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// JanitorConfig holds configuration for the capture janitor
type JanitorConfig struct {
	Backend  storage.Backend
	Prefix   string
	Schedule string        // Cron schedule (e.g., "@hourly", "0 3 * * *")
	MaxAge   time.Duration // <= 0 keeps everything
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// JanitorStatus is the janitor state reported by the status API
type JanitorStatus struct {
	Running     bool      `json:"running"`
	Schedule    string    `json:"schedule"`
	MaxAge      string    `json:"max_age"`
	NextRun     time.Time `json:"next_run,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastDeleted int       `json:"last_deleted"`
	LastError   string    `json:"last_error,omitempty"`
}

// Janitor deletes captures older than MaxAge on a cron schedule.
type Janitor struct {
	backend  storage.Backend
	prefix   string
	schedule cron.Schedule
	expr     string
	maxAge   time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	cron        *cron.Cron
	running     bool
	lastRun     time.Time
	lastDeleted int
	lastErr     error

	runMu sync.Mutex // one prune at a time
}

// NewJanitor validates the schedule and creates a stopped janitor
func NewJanitor(cfg *JanitorConfig) (*Janitor, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("capture janitor requires a storage backend")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultSchedule
	}
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Get()
	}

	j := &Janitor{
		backend:  cfg.Backend,
		prefix:   cfg.Prefix,
		schedule: schedule,
		expr:     expr,
		maxAge:   cfg.MaxAge,
		metrics:  m,
		logger:   cfg.Logger.With().Str("component", "capture-janitor").Logger(),
		now:      time.Now,
	}

	j.logger.Info().
		Str("schedule", expr).
		Dur("max_age", cfg.MaxAge).
		Msg("Capture janitor initialized")

	return j, nil
}

// Start schedules pruning. A janitor without a max age never starts.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return nil
	}
	if j.maxAge <= 0 {
		j.logger.Info().Msg("Capture max_age is zero, janitor not started")
		return nil
	}

	j.cron = cron.New(cron.WithParser(scheduleParser))
	j.cron.Schedule(j.schedule, cron.FuncJob(j.runScheduled))
	j.cron.Start()
	j.running = true

	j.logger.Info().
		Str("schedule", j.expr).
		Time("next_run", j.schedule.Next(j.now())).
		Msg("Capture janitor started")
	return nil
}

// Stop stops the schedule and waits for a running prune to finish
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	wasRunning := j.running
	j.running = false
	j.cron = nil
	j.mu.Unlock()

	if !wasRunning || c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info().Msg("Capture janitor stopped")
}

// Close stops the janitor
func (j *Janitor) Close() error {
	j.Stop()
	return nil
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error().Err(err).Msg("Capture pruning failed")
	}
}

// RunOnce deletes every capture under the prefix whose modification time is
// older than MaxAge and returns how many were deleted.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	start := j.now()
	deleted, err := j.prune(ctx, start)

	j.mu.Lock()
	j.lastRun = start
	j.lastDeleted = deleted
	j.lastErr = err
	j.mu.Unlock()

	if deleted > 0 {
		j.metrics.AddCapturesPruned(deleted)
	}
	j.logger.Info().
		Int("deleted", deleted).
		Dur("duration", time.Since(start)).
		Msg("Capture pruning completed")
	return deleted, err
}

func (j *Janitor) prune(ctx context.Context, now time.Time) (int, error) {
	if j.maxAge <= 0 {
		return 0, nil
	}

	objects, err := j.backend.ListObjects(ctx, j.prefix)
	if err != nil {
		return 0, fmt.Errorf("list captures: %w", err)
	}

	cutoff := now.Add(-j.maxAge)
	var expired []string
	for _, obj := range objects {
		if obj.LastModified.Before(cutoff) {
			expired = append(expired, obj.Path)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if bd, ok := j.backend.(storage.BatchDeleter); ok {
		if err := bd.DeleteBatch(ctx, expired); err != nil {
			return 0, fmt.Errorf("delete %d captures: %w", len(expired), err)
		}
		return len(expired), nil
	}

	deleted := 0
	for _, path := range expired {
		if err := j.backend.Delete(ctx, path); err != nil {
			return deleted, fmt.Errorf("delete capture %s: %w", path, err)
		}
		deleted++
	}
	return deleted, nil
}

// Status returns janitor status
func (j *Janitor) Status() JanitorStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := JanitorStatus{
		Running:     j.running,
		Schedule:    j.expr,
		MaxAge:      j.maxAge.String(),
		LastRun:     j.lastRun,
		LastDeleted: j.lastDeleted,
	}
	if j.running {
		s.NextRun = j.schedule.Next(j.now())
	}
	if j.lastErr != nil {
		s.LastError = j.lastErr.Error()
	}
	return s
}
