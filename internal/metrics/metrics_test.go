package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestHistogram_Observe(t *testing.T) {
	var h histogram
	h.observe(3 * time.Millisecond)
	h.observe(200 * time.Millisecond)
	h.observe(time.Minute)

	if got := h.buckets[0].Load(); got != 1 {
		t.Errorf("le=0.005 bucket = %d, want 1", got)
	}
	if got := h.buckets[5].Load(); got != 1 {
		t.Errorf("le=0.25 bucket = %d, want 1", got)
	}
	if got := h.buckets[len(latencyBuckets)].Load(); got != 1 {
		t.Errorf("+Inf bucket = %d, want 1", got)
	}
	if got := h.count.Load(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.IncCycles()
	m.IncCycles()
	m.IncHostErrors("xen-02")
	m.IncHostErrors("xen-01")
	m.IncHostErrors("xen-02")
	m.AddPointsWritten(42)
	m.ObserveFetchDuration(20 * time.Millisecond)

	out := m.PrometheusFormat()

	for _, want := range []string{
		"# TYPE xenrrd_cycles_total counter\nxenrrd_cycles_total 2\n",
		"xenrrd_host_errors_total 3\n",
		"xenrrd_points_written_total 42\n",
		`xenrrd_host_errors_by_host_total{host="xen-01"} 1` + "\n",
		`xenrrd_host_errors_by_host_total{host="xen-02"} 2` + "\n",
		`xenrrd_fetch_duration_seconds_bucket{le="0.025"} 1` + "\n",
		`xenrrd_fetch_duration_seconds_bucket{le="+Inf"} 1` + "\n",
		"xenrrd_fetch_duration_seconds_count 1\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("PrometheusFormat() missing %q", want)
		}
	}

	if strings.Index(out, `host="xen-01"`) > strings.Index(out, `host="xen-02"`) {
		t.Error("per-host series not sorted by host")
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.IncCaptures(100)
	m.IncStateSaves()
	m.SetBufferedPoints(5)

	snap := m.Snapshot()
	if snap["captures_total"] != int64(1) {
		t.Errorf("captures_total = %v, want 1", snap["captures_total"])
	}
	if snap["capture_bytes_total"] != int64(100) {
		t.Errorf("capture_bytes_total = %v, want 100", snap["capture_bytes_total"])
	}
	if snap["buffered_points"] != int64(5) {
		t.Errorf("buffered_points = %v, want 5", snap["buffered_points"])
	}
}

func TestCursorLag(t *testing.T) {
	m := New()
	if m.CursorLag() != 0 {
		t.Errorf("CursorLag() before first cycle = %v, want 0", m.CursorLag())
	}

	m.SetCursor(time.Now().Add(-time.Minute))
	lag := m.CursorLag()
	if lag < 59*time.Second || lag > 2*time.Minute {
		t.Errorf("CursorLag() = %v, want about 1m", lag)
	}
}
