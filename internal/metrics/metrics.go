package metrics

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Latency histogram bucket upper bounds, in seconds
var latencyBuckets = [...]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram is a fixed-bucket latency histogram
type histogram struct {
	buckets [len(latencyBuckets) + 1]atomic.Int64 // last bucket is +Inf
	sumUs   atomic.Int64
	count   atomic.Int64
}

func (h *histogram) observe(d time.Duration) {
	seconds := d.Seconds()
	idx := len(latencyBuckets)
	for i, le := range latencyBuckets {
		if seconds <= le {
			idx = i
			break
		}
	}
	h.buckets[idx].Add(1)
	h.sumUs.Add(d.Microseconds())
	h.count.Add(1)
}

func (h *histogram) avgMillis() float64 {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return float64(h.sumUs.Load()) / float64(n) / 1000
}

// Metrics holds collector counters for the Prometheus and JSON endpoints
type Metrics struct {
	startTime time.Time

	// Poll cycles
	cyclesTotal        atomic.Int64
	cycleFailuresTotal atomic.Int64
	cyclePanicsTotal   atomic.Int64
	cycleDuration      histogram
	hostsLastCycle     atomic.Int64
	cursorUnix         atomic.Int64

	// Per-host fetch and parse
	fetchesTotal      atomic.Int64
	hostErrorsTotal   atomic.Int64
	authErrorsTotal   atomic.Int64
	parseErrorsTotal  atomic.Int64
	hostsSkippedTotal atomic.Int64
	exportBytesTotal  atomic.Int64
	fetchDuration     histogram
	rowsParsedTotal   atomic.Int64
	pointsParsedTotal atomic.Int64

	hostErrorsMu sync.Mutex
	hostErrors   map[string]*atomic.Int64

	// Writer
	pointsEnqueuedTotal atomic.Int64
	pointsDroppedTotal  atomic.Int64
	pointsWrittenTotal  atomic.Int64
	batchesWrittenTotal atomic.Int64
	batchErrorsTotal    atomic.Int64
	batchRetriesTotal   atomic.Int64
	sinkBytesTotal      atomic.Int64
	bufferedPoints      atomic.Int64
	flushDuration       histogram

	// Debug capture
	capturesTotal      atomic.Int64
	captureBytesTotal  atomic.Int64
	captureErrorsTotal atomic.Int64
	capturesPruned     atomic.Int64

	// Cursor state store
	stateSavesTotal  atomic.Int64
	stateErrorsTotal atomic.Int64

	// Status API
	httpRequestsTotal atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns an empty metrics set. Tests use it to avoid the singleton.
func New() *Metrics {
	return &Metrics{
		startTime:  time.Now(),
		hostErrors: make(map[string]*atomic.Int64),
	}
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Poll cycle metrics
func (m *Metrics) IncCycles()                           { m.cyclesTotal.Add(1) }
func (m *Metrics) IncCycleFailures()                    { m.cycleFailuresTotal.Add(1) }
func (m *Metrics) IncCyclePanics()                      { m.cyclePanicsTotal.Add(1) }
func (m *Metrics) ObserveCycleDuration(d time.Duration) { m.cycleDuration.observe(d) }
func (m *Metrics) SetHostsLastCycle(n int)              { m.hostsLastCycle.Store(int64(n)) }

// SetCursor records the cursor instant after a cycle
func (m *Metrics) SetCursor(t time.Time) { m.cursorUnix.Store(t.Unix()) }

// Host metrics
func (m *Metrics) IncFetches()                          { m.fetchesTotal.Add(1) }
func (m *Metrics) IncAuthErrors()                       { m.authErrorsTotal.Add(1) }
func (m *Metrics) IncParseErrors()                      { m.parseErrorsTotal.Add(1) }
func (m *Metrics) IncHostsSkipped()                     { m.hostsSkippedTotal.Add(1) }
func (m *Metrics) AddExportBytes(n int)                 { m.exportBytesTotal.Add(int64(n)) }
func (m *Metrics) ObserveFetchDuration(d time.Duration) { m.fetchDuration.observe(d) }
func (m *Metrics) AddRowsParsed(n int)                  { m.rowsParsedTotal.Add(int64(n)) }
func (m *Metrics) AddPointsParsed(n int)                { m.pointsParsedTotal.Add(int64(n)) }

// IncHostErrors counts a failed host, also under the host's own label.
func (m *Metrics) IncHostErrors(host string) {
	m.hostErrorsTotal.Add(1)

	m.hostErrorsMu.Lock()
	c, ok := m.hostErrors[host]
	if !ok {
		c = &atomic.Int64{}
		m.hostErrors[host] = c
	}
	m.hostErrorsMu.Unlock()
	c.Add(1)
}

// Writer metrics
func (m *Metrics) IncPointsEnqueued()                   { m.pointsEnqueuedTotal.Add(1) }
func (m *Metrics) AddPointsDropped(n int)               { m.pointsDroppedTotal.Add(int64(n)) }
func (m *Metrics) AddPointsWritten(n int)               { m.pointsWrittenTotal.Add(int64(n)) }
func (m *Metrics) IncBatchesWritten()                   { m.batchesWrittenTotal.Add(1) }
func (m *Metrics) IncBatchErrors()                      { m.batchErrorsTotal.Add(1) }
func (m *Metrics) IncBatchRetries()                     { m.batchRetriesTotal.Add(1) }
func (m *Metrics) AddSinkBytes(n int)                   { m.sinkBytesTotal.Add(int64(n)) }
func (m *Metrics) SetBufferedPoints(n int)              { m.bufferedPoints.Store(int64(n)) }
func (m *Metrics) ObserveFlushDuration(d time.Duration) { m.flushDuration.observe(d) }

// Capture metrics
func (m *Metrics) IncCaptureErrors()       { m.captureErrorsTotal.Add(1) }
func (m *Metrics) AddCapturesPruned(n int) { m.capturesPruned.Add(int64(n)) }

// IncCaptures counts one captured export of the given size
func (m *Metrics) IncCaptures(bytes int) {
	m.capturesTotal.Add(1)
	m.captureBytesTotal.Add(int64(bytes))
}

// State store metrics
func (m *Metrics) IncStateSaves()  { m.stateSavesTotal.Add(1) }
func (m *Metrics) IncStateErrors() { m.stateErrorsTotal.Add(1) }

// API metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }

// PointsWritten returns the number of points delivered to the sink
func (m *Metrics) PointsWritten() int64 { return m.pointsWrittenTotal.Load() }

// CursorLag is the distance between now and the last cursor, zero before the
// first cycle.
func (m *Metrics) CursorLag() time.Duration {
	ts := m.cursorUnix.Load()
	if ts == 0 {
		return 0
	}
	return time.Since(time.Unix(ts, 0))
}

func (m *Metrics) hostErrorSnapshot() map[string]int64 {
	m.hostErrorsMu.Lock()
	defer m.hostErrorsMu.Unlock()
	out := make(map[string]int64, len(m.hostErrors))
	for host, c := range m.hostErrors {
		out[host] = c.Load()
	}
	return out
}

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"goroutines":         runtime.NumGoroutine(),
		"memory_alloc_bytes": memStats.Alloc,
		"gc_cycles":          memStats.NumGC,

		"cycles_total":         m.cyclesTotal.Load(),
		"cycle_failures_total": m.cycleFailuresTotal.Load(),
		"cycle_panics_total":   m.cyclePanicsTotal.Load(),
		"cycle_avg_ms":         m.cycleDuration.avgMillis(),
		"hosts_last_cycle":     m.hostsLastCycle.Load(),
		"cursor_unix":          m.cursorUnix.Load(),
		"cursor_lag_seconds":   m.CursorLag().Seconds(),

		"fetches_total":        m.fetchesTotal.Load(),
		"host_errors_total":    m.hostErrorsTotal.Load(),
		"auth_errors_total":    m.authErrorsTotal.Load(),
		"parse_errors_total":   m.parseErrorsTotal.Load(),
		"hosts_skipped_total":  m.hostsSkippedTotal.Load(),
		"export_bytes_total":   m.exportBytesTotal.Load(),
		"fetch_avg_ms":         m.fetchDuration.avgMillis(),
		"rows_parsed_total":    m.rowsParsedTotal.Load(),
		"points_parsed_total":  m.pointsParsedTotal.Load(),
		"host_errors":          m.hostErrorSnapshot(),

		"points_enqueued_total": m.pointsEnqueuedTotal.Load(),
		"points_dropped_total":  m.pointsDroppedTotal.Load(),
		"points_written_total":  m.pointsWrittenTotal.Load(),
		"batches_written_total": m.batchesWrittenTotal.Load(),
		"batch_errors_total":    m.batchErrorsTotal.Load(),
		"batch_retries_total":   m.batchRetriesTotal.Load(),
		"sink_bytes_total":      m.sinkBytesTotal.Load(),
		"buffered_points":       m.bufferedPoints.Load(),
		"flush_avg_ms":          m.flushDuration.avgMillis(),

		"captures_total":        m.capturesTotal.Load(),
		"capture_bytes_total":   m.captureBytesTotal.Load(),
		"capture_errors_total":  m.captureErrorsTotal.Load(),
		"captures_pruned_total": m.capturesPruned.Load(),

		"state_saves_total":  m.stateSavesTotal.Load(),
		"state_errors_total": m.stateErrorsTotal.Load(),

		"http_requests_total": m.httpRequestsTotal.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendGauge(b, "xenrrd_uptime_seconds", "Time since the collector started", time.Since(m.startTime).Seconds())
	b = appendGauge(b, "xenrrd_goroutines", "Number of goroutines", float64(runtime.NumGoroutine()))
	b = appendGauge(b, "xenrrd_memory_alloc_bytes", "Current allocated memory", float64(memStats.Alloc))

	// Poll cycles
	b = appendCounter(b, "xenrrd_cycles_total", "Poll cycles run", m.cyclesTotal.Load())
	b = appendCounter(b, "xenrrd_cycle_failures_total", "Poll cycles that failed before fetching", m.cycleFailuresTotal.Load())
	b = appendCounter(b, "xenrrd_cycle_panics_total", "Poll cycles aborted by a recovered panic", m.cyclePanicsTotal.Load())
	b = appendHistogram(b, "xenrrd_cycle_duration_seconds", "Poll cycle duration", &m.cycleDuration)
	b = appendGauge(b, "xenrrd_hosts_last_cycle", "Hosts enumerated in the last cycle", float64(m.hostsLastCycle.Load()))
	b = appendGauge(b, "xenrrd_cursor_timestamp_seconds", "Cursor instant after the last cycle", float64(m.cursorUnix.Load()))
	b = appendGauge(b, "xenrrd_cursor_lag_seconds", "Distance between now and the cursor", m.CursorLag().Seconds())

	// Hosts
	b = appendCounter(b, "xenrrd_fetches_total", "Export fetches attempted", m.fetchesTotal.Load())
	b = appendCounter(b, "xenrrd_host_errors_total", "Hosts that failed to fetch or parse", m.hostErrorsTotal.Load())
	b = appendCounter(b, "xenrrd_auth_errors_total", "Fetches rejected for bad credentials", m.authErrorsTotal.Load())
	b = appendCounter(b, "xenrrd_parse_errors_total", "Exports that failed to parse", m.parseErrorsTotal.Load())
	b = appendCounter(b, "xenrrd_hosts_skipped_total", "Hosts skipped by an open circuit breaker", m.hostsSkippedTotal.Load())
	b = appendCounter(b, "xenrrd_export_bytes_total", "Export bytes downloaded", m.exportBytesTotal.Load())
	b = appendHistogram(b, "xenrrd_fetch_duration_seconds", "Export fetch duration", &m.fetchDuration)
	b = appendCounter(b, "xenrrd_rows_parsed_total", "Export rows parsed", m.rowsParsedTotal.Load())
	b = appendCounter(b, "xenrrd_points_parsed_total", "Points produced by the parser", m.pointsParsedTotal.Load())

	hostErrors := m.hostErrorSnapshot()
	hosts := make([]string, 0, len(hostErrors))
	for host := range hostErrors {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	if len(hosts) > 0 {
		b = appendHeader(b, "xenrrd_host_errors_by_host_total", "Failed polls per host", "counter")
		for _, host := range hosts {
			b = appendMetricWithLabel(b, "xenrrd_host_errors_by_host_total", "host", host, float64(hostErrors[host]))
		}
	}

	// Writer
	b = appendCounter(b, "xenrrd_points_enqueued_total", "Points handed to the writer", m.pointsEnqueuedTotal.Load())
	b = appendCounter(b, "xenrrd_points_dropped_total", "Points dropped after retries or on a full buffer", m.pointsDroppedTotal.Load())
	b = appendCounter(b, "xenrrd_points_written_total", "Points delivered to the sink", m.pointsWrittenTotal.Load())
	b = appendCounter(b, "xenrrd_batches_written_total", "Batches delivered to the sink", m.batchesWrittenTotal.Load())
	b = appendCounter(b, "xenrrd_batch_errors_total", "Batches that failed every attempt", m.batchErrorsTotal.Load())
	b = appendCounter(b, "xenrrd_batch_retries_total", "Batch delivery retries", m.batchRetriesTotal.Load())
	b = appendCounter(b, "xenrrd_sink_bytes_total", "Payload bytes sent to the sink", m.sinkBytesTotal.Load())
	b = appendGauge(b, "xenrrd_buffered_points", "Points waiting for the next flush", float64(m.bufferedPoints.Load()))
	b = appendHistogram(b, "xenrrd_flush_duration_seconds", "Batch flush duration", &m.flushDuration)

	// Capture and state
	b = appendCounter(b, "xenrrd_captures_total", "Raw exports captured", m.capturesTotal.Load())
	b = appendCounter(b, "xenrrd_capture_errors_total", "Failed capture writes", m.captureErrorsTotal.Load())
	b = appendCounter(b, "xenrrd_captures_pruned_total", "Captures deleted by the janitor", m.capturesPruned.Load())
	b = appendCounter(b, "xenrrd_state_saves_total", "Cursor saves", m.stateSavesTotal.Load())
	b = appendCounter(b, "xenrrd_state_errors_total", "Failed cursor saves", m.stateErrorsTotal.Load())

	return string(b)
}

func appendHeader(b []byte, name, help, typ string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	return b
}

func appendCounter(b []byte, name, help string, v int64) []byte {
	b = appendHeader(b, name, help, "counter")
	return appendMetric(b, name, float64(v))
}

func appendGauge(b []byte, name, help string, v float64) []byte {
	b = appendHeader(b, name, help, "gauge")
	return appendMetric(b, name, v)
}

func appendHistogram(b []byte, name, help string, h *histogram) []byte {
	b = appendHeader(b, name, help, "histogram")
	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		label := "+Inf"
		if i < len(latencyBuckets) {
			label = strconv.FormatFloat(latencyBuckets[i], 'g', -1, 64)
		}
		b = appendMetricWithLabel(b, name+"_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, name+"_sum", float64(h.sumUs.Load())/1e6)
	b = appendMetric(b, name+"_count", float64(h.count.Load()))
	return b
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=')
	b = strconv.AppendQuote(b, labelValue)
	b = append(b, '}', ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}
