package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/xenrrd/internal/api"
	"github.com/basekick-labs/xenrrd/internal/capture"
	"github.com/basekick-labs/xenrrd/internal/config"
	"github.com/basekick-labs/xenrrd/internal/logger"
	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/poller"
	"github.com/basekick-labs/xenrrd/internal/rrd"
	"github.com/basekick-labs/xenrrd/internal/shutdown"
	"github.com/basekick-labs/xenrrd/internal/state"
	"github.com/basekick-labs/xenrrd/internal/storage"
	"github.com/basekick-labs/xenrrd/internal/writer"
	"github.com/basekick-labs/xenrrd/internal/xapi"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to xenrrd.toml (default: search ., /etc/xenrrd, $HOME/.xenrrd)")
	once := flag.Bool("once", false, "run a single poll cycle, flush and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting xenrrd...")

	if err := run(cfg, *once); err != nil {
		log.Error().Err(err).Msg("xenrrd stopped with error")
		os.Exit(1)
	}
}

// run builds the collector, polls until a signal arrives (or one cycle with
// once set) and shuts everything down in priority order.
func run(cfg *config.Config, once bool) (err error) {
	m := metrics.Init(logger.Get("metrics"))
	coordinator := shutdown.New(cfg.Shutdown.Timeout, logger.Get("shutdown"))

	// Anything registered before a startup failure is still released
	defer func() {
		if err != nil {
			_ = coordinator.Shutdown()
		}
	}()

	// Cursor store and instance id
	var store *state.Store
	instanceID := uuid.NewString()
	if cfg.State.Enabled {
		store, err = state.Open(cfg.State.DBPath, logger.Get("state"))
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		coordinator.Register("state", store, shutdown.PriorityState)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		instanceID, err = store.InstanceID(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("load instance id: %w", err)
		}
	}
	log.Info().Str("instance_id", instanceID).Msg("Collector identity")

	// Debug capture
	var (
		capturer *capture.Capturer
		janitor  *capture.Janitor
	)
	if cfg.Capture.Enabled {
		backend, err := storage.New(&cfg.Storage, logger.Get("storage"))
		if err != nil {
			return fmt.Errorf("init capture storage: %w", err)
		}
		coordinator.Register("storage", backend, shutdown.PriorityStorage)

		capturer, err = capture.New(&capture.Config{
			Backend:  backend,
			Prefix:   cfg.Capture.Prefix,
			Compress: cfg.Capture.Compress,
			Metrics:  m,
			Logger:   logger.Get("capture"),
		})
		if err != nil {
			return fmt.Errorf("init capture: %w", err)
		}
		coordinator.Register("capture", capturer, shutdown.PriorityJanitor)

		janitor, err = capture.NewJanitor(&capture.JanitorConfig{
			Backend:  backend,
			Prefix:   cfg.Capture.Prefix,
			Schedule: cfg.Capture.RetentionSchedule,
			MaxAge:   cfg.Capture.MaxAge,
			Metrics:  m,
			Logger:   logger.Get("capture"),
		})
		if err != nil {
			return fmt.Errorf("init capture janitor: %w", err)
		}
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("start capture janitor: %w", err)
		}
		coordinator.Register("capture-janitor", janitor, shutdown.PriorityJanitor)

		log.Info().
			Str("backend", backend.Type()).
			Str("prefix", cfg.Capture.Prefix).
			Bool("compress", cfg.Capture.Compress).
			Msg("Debug capture enabled")
	}

	// Sink and writer
	sink, err := writer.NewSink(&cfg.Writer, "xenrrd-"+instanceID, logger.Get("writer"))
	if err != nil {
		return fmt.Errorf("init %s sink: %w", cfg.Writer.Sink, err)
	}
	pointWriter := writer.New(sink, writer.Config{
		BatchSize:          cfg.Writer.BatchSize,
		FlushInterval:      cfg.Writer.FlushInterval,
		BufferSize:         cfg.Writer.BufferSize,
		MaxRetries:         cfg.Writer.MaxRetries,
		RetryBackoff:       cfg.Writer.RetryBackoff,
		CloseTimeout:       cfg.Shutdown.Timeout,
		BreakerMaxFailures: cfg.Writer.BreakerMaxFailures,
		BreakerCooldown:    cfg.Writer.BreakerCooldown,
		Metrics:            m,
	}, logger.Get("writer"))
	coordinator.Register("writer", pointWriter, shutdown.PriorityWriter)

	// Hosts and export fetcher
	var hosts poller.HostSource
	if len(cfg.Xen.Hosts) > 0 {
		hosts = xapi.NewStaticHosts(cfg.Xen.Hosts)
		log.Info().Strs("hosts", cfg.Xen.Hosts).Msg("Using static host list")
	} else {
		client, err := xapi.NewClient(xapi.Config{
			URL:                cfg.Xen.MasterURL,
			Username:           cfg.Xen.Username,
			Password:           cfg.Xen.Password,
			Timeout:            cfg.Xen.Timeout,
			InsecureSkipVerify: cfg.Xen.InsecureSkipVerify,
		}, logger.Get("xapi"))
		if err != nil {
			return fmt.Errorf("init xapi client: %w", err)
		}
		coordinator.Register("xapi-session", client, shutdown.PriorityXAPI)
		hosts = client
	}

	fetcher, err := xapi.NewFetcher(xapi.FetcherConfig{
		Scheme:             cfg.Xen.ExportScheme,
		Username:           cfg.Xen.Username,
		Password:           cfg.Xen.Password,
		Timeout:            cfg.Xen.Timeout,
		InsecureSkipVerify: cfg.Xen.InsecureSkipVerify,
		MaxExportSize:      cfg.Poll.MaxExportSize,
	}, logger.Get("xapi"))
	if err != nil {
		return fmt.Errorf("init export fetcher: %w", err)
	}
	coordinator.Register("xapi-fetcher", fetcher, shutdown.PriorityXAPI)

	tags, err := config.ParseTags(cfg.Writer.Tags)
	if err != nil {
		return fmt.Errorf("parse writer.tags: %w", err)
	}

	// Poll controller
	pollCfg := &poller.Config{
		Hosts:              hosts,
		Fetcher:            fetcher,
		Writer:             pointWriter,
		Parser:             rrd.NewParser(logger.Get("rrd")),
		Metrics:            m,
		Interval:           cfg.Poll.Interval,
		Lookback:           cfg.Poll.Lookback,
		MaxWindow:          cfg.Poll.MaxWindow,
		Concurrency:        cfg.Poll.Concurrency,
		HostTag:            cfg.Poll.HostTag,
		Tags:               tags,
		BreakerMaxFailures: cfg.Poll.BreakerMaxFailures,
		BreakerCooldown:    cfg.Poll.BreakerCooldown,
	}
	if capturer != nil {
		pollCfg.Capturer = capturer
	}
	if store != nil {
		pollCfg.Store = store
	}
	controller, err := poller.NewController(pollCfg, logger.Get("poller"))
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}

	if once {
		cursor, _ := controller.RunCycles(context.Background(), 1)
		status := controller.Status()
		log.Info().
			Time("cursor", cursor.LastLoadedAt).
			Int64("cycles", status.Cycles).
			Msg("Single cycle completed")

		var cycleErr error
		if status.LastCycle != nil && status.LastCycle.Err != nil {
			cycleErr = status.LastCycle.Err
		}
		return errors.Join(cycleErr, coordinator.Shutdown())
	}

	pollCtx, stopPolling := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := controller.Run(pollCtx); err != nil {
			log.Error().Err(err).Msg("Poller exited")
		}
	}()
	coordinator.RegisterHook("poller", func(ctx context.Context) error {
		stopPolling()
		select {
		case <-pollDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("poller did not stop: %w", ctx.Err())
		}
	}, shutdown.PriorityPoller)

	// Status API
	if cfg.Server.Enabled {
		history := metrics.NewHistory(m, cfg.Server.HistoryRetention, cfg.Server.HistoryInterval)
		history.Start()
		coordinator.RegisterHook("metrics-history", func(ctx context.Context) error {
			history.Stop()
			return nil
		}, shutdown.PriorityHTTPServer)

		serverCfg := &api.ServerConfig{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Shutdown.Timeout,
			TLSEnabled:      cfg.Server.TLSEnabled,
			TLSCertFile:     cfg.Server.TLSCertFile,
			TLSKeyFile:      cfg.Server.TLSKeyFile,
			Version:         Version,
			Metrics:         m,
			History:         history,
			Poller:          controller,
			Writer:          pointWriter,
		}
		if janitor != nil {
			serverCfg.Janitor = janitor
		}
		server := api.NewServer(serverCfg, logger.Get("api"))
		if err := server.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		coordinator.RegisterHook("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
	}

	log.Info().
		Str("sink", sink.Name()).
		Dur("interval", cfg.Poll.Interval).
		Int("concurrency", cfg.Poll.Concurrency).
		Msg("xenrrd started")

	coordinator.WaitForSignal(context.Background())
	return coordinator.Shutdown()
}
