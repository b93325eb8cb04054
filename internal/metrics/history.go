package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Sample is one periodic reading of the collector's throughput counters
type Sample struct {
	Timestamp time.Time        `json:"timestamp"`
	Values    map[string]int64 `json:"values"`
}

// History keeps a ring of periodic samples for /api/v1/status/history.
type History struct {
	metrics  *Metrics
	interval time.Duration

	mu       sync.RWMutex
	samples  []Sample
	size     int
	writePos int
	count    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHistory creates a sampler holding retention/interval samples of m.
func NewHistory(m *Metrics, retention, interval time.Duration) *History {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	size := int(retention / interval)
	if size <= 0 {
		size = 1
	}
	return &History{
		metrics:  m,
		interval: interval,
		samples:  make([]Sample, size),
		size:     size,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling in the background
func (h *History) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case now := <-ticker.C:
				h.Add(h.sample(now))
			}
		}
	}()
}

// Stop stops sampling
func (h *History) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *History) sample(now time.Time) Sample {
	m := h.metrics
	return Sample{
		Timestamp: now,
		Values: map[string]int64{
			"goroutines":           int64(runtime.NumGoroutine()),
			"cycles_total":         m.cyclesTotal.Load(),
			"host_errors_total":    m.hostErrorsTotal.Load(),
			"export_bytes_total":   m.exportBytesTotal.Load(),
			"points_parsed_total":  m.pointsParsedTotal.Load(),
			"points_written_total": m.pointsWrittenTotal.Load(),
			"points_dropped_total": m.pointsDroppedTotal.Load(),
			"buffered_points":      m.bufferedPoints.Load(),
			"cursor_lag_seconds":   int64(m.CursorLag().Seconds()),
		},
	}
}

// Add appends a sample, overwriting the oldest once full
func (h *History) Add(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.writePos] = s
	h.writePos = (h.writePos + 1) % h.size
	if h.count < h.size {
		h.count++
	}
}

// Since returns samples newer than cutoff, oldest first
func (h *History) Since(cutoff time.Time) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Sample, 0, h.count)
	for i := 0; i < h.count; i++ {
		s := h.samples[(h.writePos-h.count+i+h.size)%h.size]
		if s.Timestamp.After(cutoff) {
			result = append(result, s)
		}
	}
	return result
}
