package metrics

import (
	"testing"
	"time"
)

func TestNewHistory_Size(t *testing.T) {
	tests := []struct {
		retention time.Duration
		interval  time.Duration
		want      int
	}{
		{30 * time.Minute, 5 * time.Second, 360},
		{time.Hour, 10 * time.Second, 360},
		{time.Second, time.Minute, 1},
		{time.Minute, 0, 6},
	}

	for _, tt := range tests {
		h := NewHistory(New(), tt.retention, tt.interval)
		if h.size != tt.want {
			t.Errorf("NewHistory(%v, %v) size = %d, want %d", tt.retention, tt.interval, h.size, tt.want)
		}
	}
}

func TestHistory_RingOrder(t *testing.T) {
	h := NewHistory(New(), 3*time.Second, time.Second)

	base := time.Now()
	for i := 0; i < 5; i++ {
		h.Add(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Values: map[string]int64{"i": int64(i)}})
	}

	got := h.Since(time.Time{})
	if len(got) != 3 {
		t.Fatalf("Since() returned %d samples, want 3", len(got))
	}
	for i, want := range []int64{2, 3, 4} {
		if got[i].Values["i"] != want {
			t.Errorf("sample %d = %d, want %d", i, got[i].Values["i"], want)
		}
	}
}

func TestHistory_SinceFiltersOld(t *testing.T) {
	h := NewHistory(New(), time.Hour, time.Second)

	base := time.Now().Add(-5 * time.Minute)
	for i := 0; i < 6; i++ {
		h.Add(Sample{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	if got := len(h.Since(time.Now().Add(-150 * time.Second))); got != 3 {
		t.Errorf("Since(-2.5m) returned %d samples, want 3", got)
	}
}

func TestHistory_StartStop(t *testing.T) {
	m := New()
	m.AddPointsWritten(7)
	h := NewHistory(m, time.Second, 10*time.Millisecond)

	h.Start()
	time.Sleep(50 * time.Millisecond)
	h.Stop()

	samples := h.Since(time.Time{})
	if len(samples) == 0 {
		t.Fatal("no samples collected")
	}
	if samples[0].Values["points_written_total"] != 7 {
		t.Errorf("points_written_total = %d, want 7", samples[0].Values["points_written_total"])
	}
}
