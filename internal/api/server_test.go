package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/xenrrd/internal/capture"
	"github.com/basekick-labs/xenrrd/internal/logger"
	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/poller"
	"github.com/basekick-labs/xenrrd/internal/writer"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct{ status poller.Status }

func (f *fakePoller) Status() poller.Status { return f.status }

type fakeWriter struct{}

func (fakeWriter) Stats() writer.Stats { return writer.Stats{Sink: "arc", Buffered: 7} }

type fakeJanitor struct{}

func (fakeJanitor) Status() capture.JanitorStatus {
	return capture.JanitorStatus{Running: true, Schedule: "@hourly", MaxAge: "24h0m0s"}
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	cfg := &ServerConfig{
		Version:   "test",
		Metrics:   m,
		LogBuffer: logger.NewLogBuffer(100),
		Poller:    &fakePoller{},
		Writer:    fakeWriter{},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewServer(cfg, zerolog.Nop()), m
}

func doJSON(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out), "body: %s", body)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	code, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestReady(t *testing.T) {
	p := &fakePoller{}
	s, _ := newTestServer(t, func(c *ServerConfig) { c.Poller = p })

	code, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body["status"])

	p.status = poller.Status{Cycles: 1, LastCycle: &poller.CycleReport{Started: time.Now()}}
	code, body = doJSON(t, s.App(), httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 200, code)
	assert.Equal(t, "ready", body["status"])
}

func TestMetrics_Prometheus(t *testing.T) {
	s, m := newTestServer(t, nil)
	m.AddPointsWritten(42)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "42")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestMetrics_JSON(t *testing.T) {
	s, m := newTestServer(t, nil)
	m.AddPointsWritten(5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	code, body := doJSON(t, s.App(), req)
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 5, body["points_written_total"])
}

func TestStatus(t *testing.T) {
	p := &fakePoller{status: poller.Status{Cycles: 3}}
	s, _ := newTestServer(t, func(c *ServerConfig) {
		c.Poller = p
		c.Janitor = fakeJanitor{}
	})

	code, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/status", nil))
	require.Equal(t, 200, code)

	pollerStatus, ok := body["poller"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, pollerStatus["cycles"])

	writerStatus, ok := body["writer"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "arc", writerStatus["sink"])
	assert.EqualValues(t, 7, writerStatus["buffered"])

	captureStatus, ok := body["capture"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "@hourly", captureStatus["schedule"])

	assert.Contains(t, body, "metrics")
}

func TestStatus_WithoutJanitor(t *testing.T) {
	s, _ := newTestServer(t, nil)
	_, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/status", nil))
	assert.NotContains(t, body, "capture")
}

func TestHistory(t *testing.T) {
	s, _ := newTestServer(t, nil)
	code, _ := doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/status/history", nil))
	assert.Equal(t, fiber.StatusNotFound, code)

	m := metrics.New()
	h := metrics.NewHistory(m, time.Hour, time.Minute)
	h.Add(metrics.Sample{Timestamp: time.Now().Add(-2 * time.Hour), Values: map[string]int64{"cycles_total": 1}})
	h.Add(metrics.Sample{Timestamp: time.Now().Add(-5 * time.Minute), Values: map[string]int64{"cycles_total": 2}})

	s, _ = newTestServer(t, func(c *ServerConfig) { c.History = h })
	code, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/status/history?duration_minutes=60", nil))
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 1, body["samples_count"])
	assert.EqualValues(t, 60, body["duration_minutes"])
}

func TestLogs(t *testing.T) {
	buf := logger.NewLogBuffer(100)
	now := time.Now()
	buf.Add(logger.LogEntry{Timestamp: now, Level: "info", Component: "poller", Message: "Cycle completed"})
	buf.Add(logger.LogEntry{Timestamp: now, Level: "error", Component: "writer", Message: "Dropping batch"})
	buf.Add(logger.LogEntry{Timestamp: now, Level: "warn", Component: "poller", Host: "xen-01", Message: "Host failed"})

	s, _ := newTestServer(t, func(c *ServerConfig) { c.LogBuffer = buf })

	code, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/logs", nil))
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 3, body["count"])

	_, body = doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/logs?level=warn", nil))
	assert.EqualValues(t, 2, body["count"])

	_, body = doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/logs?component=poller&host=xen-01", nil))
	assert.EqualValues(t, 1, body["count"])

	// Out of range limits fall back to the default
	_, body = doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/logs?limit=99999", nil))
	assert.EqualValues(t, 100, body["limit"])
}

func TestRuntime(t *testing.T) {
	s, _ := newTestServer(t, nil)
	code, body := doJSON(t, s.App(), httptest.NewRequest("GET", "/api/v1/metrics/runtime", nil))
	assert.Equal(t, 200, code)
	assert.Contains(t, body, "memory")
	assert.Contains(t, body, "runtime")
}

func TestRequestsAreCounted(t *testing.T) {
	s, m := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
		require.NoError(t, err)
		resp.Body.Close()
	}
	resp, err := s.App().Test(httptest.NewRequest("GET", "/nope", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	assert.EqualValues(t, 4, m.Snapshot()["http_requests_total"])
}

func TestStartAndClose(t *testing.T) {
	s, _ := newTestServer(t, func(c *ServerConfig) {
		c.Host = "127.0.0.1"
		c.Port = 0
	})
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + s.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `"status":"ok"`))

	require.NoError(t, s.Close())
}

func TestStart_TLSMissingCert(t *testing.T) {
	s, _ := newTestServer(t, func(c *ServerConfig) {
		c.Host = "127.0.0.1"
		c.TLSEnabled = true
		c.TLSCertFile = "/nonexistent/cert.pem"
		c.TLSKeyFile = "/nonexistent/key.pem"
	})
	assert.Error(t, s.Start())
}
