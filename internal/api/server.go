// Package api serves the collector's health, metrics and status endpoints.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/basekick-labs/xenrrd/internal/capture"
	"github.com/basekick-labs/xenrrd/internal/logger"
	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/poller"
	"github.com/basekick-labs/xenrrd/internal/writer"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PollerStatus is implemented by the poll controller
type PollerStatus interface {
	Status() poller.Status
}

// WriterStatus is implemented by the point writer
type WriterStatus interface {
	Stats() writer.Stats
}

// JanitorStatus is implemented by the capture janitor
type JanitorStatus interface {
	Status() capture.JanitorStatus
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string
	Version         string

	Metrics   *metrics.Metrics
	History   *metrics.History // nil disables /api/v1/status/history
	LogBuffer *logger.LogBuffer
	Poller    PollerStatus
	Writer    WriterStatus
	Janitor   JanitorStatus // nil when captures are disabled
}

// Server represents the HTTP API server
type Server struct {
	app     *fiber.App
	config  *ServerConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	started time.Time

	ln net.Listener
}

// NewServer creates the Fiber app and registers all routes
func NewServer(cfg *ServerConfig, baseLogger zerolog.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Get()
	}
	if cfg.LogBuffer == nil {
		cfg.LogBuffer = logger.GetBuffer()
	}

	log := baseLogger.With().Str("component", "api-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "xenrrd",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	app.Use(securityHeaders())
	app.Use(requestLogger(cfg.Metrics, log))

	s := &Server{
		app:     app,
		config:  cfg,
		metrics: cfg.Metrics,
		logger:  log,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler)

	v1 := s.app.Group("/api/v1")
	v1.Get("/status", s.statusHandler)
	v1.Get("/status/history", s.historyHandler)
	v1.Get("/metrics/runtime", s.runtimeHandler)
	v1.Get("/logs", s.logsHandler)
}

// healthHandler reports liveness
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"version":    s.config.Version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports ready once the first poll cycle has completed
func (s *Server) readyHandler(c *fiber.Ctx) error {
	if s.config.Poller == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}

	st := s.config.Poller.Status()
	if st.LastCycle == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "starting",
			"cycles": st.Cycles,
		})
	}
	return c.JSON(fiber.Map{
		"status":     "ready",
		"cycles":     st.Cycles,
		"last_cycle": st.LastCycle.Started.UTC().Format(time.RFC3339),
	})
}

// metricsHandler returns metrics in Prometheus format, or JSON when asked
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		return c.JSON(s.metrics.Snapshot())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(s.metrics.PrometheusFormat())
}

// statusHandler combines poller, writer and janitor state with the counters
func (s *Server) statusHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.config.Version,
		"metrics":   s.metrics.Snapshot(),
	}
	if s.config.Poller != nil {
		resp["poller"] = s.config.Poller.Status()
	}
	if s.config.Writer != nil {
		resp["writer"] = s.config.Writer.Stats()
	}
	if s.config.Janitor != nil {
		resp["capture"] = s.config.Janitor.Status()
	}
	return c.JSON(resp)
}

// historyHandler returns sampled counters for the last duration_minutes
func (s *Server) historyHandler(c *fiber.Ctx) error {
	if s.config.History == nil {
		return fiber.NewError(fiber.StatusNotFound, "status history is disabled")
	}

	durationMinutes := intQuery(c, "duration_minutes", 30, 1440)
	samples := s.config.History.Since(time.Now().Add(-time.Duration(durationMinutes) * time.Minute))

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"duration_minutes": durationMinutes,
		"samples_count":    len(samples),
		"samples":          samples,
	})
}

// runtimeHandler returns Go runtime and memory figures
func (s *Server) runtimeHandler(c *fiber.Ctx) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return c.JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"memory": fiber.Map{
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"heap_alloc_bytes": memStats.HeapAlloc,
			"heap_inuse_bytes": memStats.HeapInuse,
			"heap_objects":     memStats.HeapObjects,
			"gc_cycles":        memStats.NumGC,
			"next_gc_bytes":    memStats.NextGC,
		},
		"runtime": fiber.Map{
			"goroutines":  runtime.NumGoroutine(),
			"num_cpu":     runtime.NumCPU(),
			"gomaxprocs":  runtime.GOMAXPROCS(0),
			"go_version":  runtime.Version(),
			"uptime_secs": time.Since(s.started).Seconds(),
		},
	})
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := intQuery(c, "limit", 100, 1000)
	sinceMinutes := intQuery(c, "since_minutes", 60, 1440)
	q := logger.Query{
		Limit:     limit,
		Level:     c.Query("level"),
		Component: c.Query("component"),
		Host:      c.Query("host"),
		Since:     time.Now().Add(-time.Duration(sinceMinutes) * time.Minute),
	}
	entries := s.config.LogBuffer.Recent(q)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  q.Level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// intQuery parses a positive integer query parameter no larger than max
func intQuery(c *fiber.Ctx, key string, def, max int) int {
	if raw := c.Query(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

// Start binds the listener and serves in the background. Bind and TLS
// errors are returned before anything is served.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.ln = ln

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.config.TLSEnabled).
		Msg("Starting HTTP server")

	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server stopped with error")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// Close shuts down within the configured shutdown timeout
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger counts requests and logs only failed ones
func requestLogger(m *metrics.Metrics, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		m.IncHTTPRequests()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		if status >= fiber.StatusBadRequest {
			event := logger.Warn()
			if status >= fiber.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
