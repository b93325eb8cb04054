// Sustained poll benchmark for xenrrd.
// Usage: go run ./benchmarks/pool_bench [flags]
//
// Starts -hosts fake XenServer hosts serving generated rrd_updates exports and
// drives the real poller, parser and writer against them. Points go to a
// counting in-process Arc endpoint unless -arc-url names a real one.
//
// Examples:
//   go run ./benchmarks/pool_bench --duration 30
//   go run ./benchmarks/pool_bench --hosts 64 --vms 40 --concurrency 16
//   go run ./benchmarks/pool_bench --arc-url http://localhost:8000 --gzip

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/xenrrd/internal/config"
	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/poller"
	"github.com/basekick-labs/xenrrd/internal/rrd"
	"github.com/basekick-labs/xenrrd/internal/rrd/rrdtest"
	"github.com/basekick-labs/xenrrd/internal/writer"
	"github.com/basekick-labs/xenrrd/internal/xapi"
	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

type Config struct {
	Duration    int
	Hosts       int
	VMs         int
	Metrics     int
	Rows        int
	Concurrency int
	Interval    time.Duration
	BatchSize   int
	Gzip        bool
	ArcURL      string
	Token       string
}

type Stats struct {
	cycles     atomic.Int64
	hostErrors atomic.Int64
	points     atomic.Int64
	latencies  []float64
	latencyMu  sync.Mutex
}

func (s *Stats) addLatency(ms float64) {
	s.latencyMu.Lock()
	s.latencies = append(s.latencies, ms)
	s.latencyMu.Unlock()
}

func (s *Stats) getPercentile(p float64) float64 {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()

	if len(s.latencies) == 0 {
		return 0
	}

	sorted := make([]float64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// fakeHost serves rrd_updates for one host with a fixed set of VMs.
type fakeHost struct {
	legend []string
	rows   int
	served *atomic.Int64
}

func newFakeHost(vms, metricsPerVM, rows int, served *atomic.Int64) *fakeHost {
	fields := []string{"cpu0", "cpu1", "memory", "memory_internal_free", "vif_0_rx", "vif_0_tx", "vbd_xvda_read", "vbd_xvda_write"}
	legend := make([]string, 0, vms*metricsPerVM)
	for v := 0; v < vms; v++ {
		id := uuid.NewString()
		for m := 0; m < metricsPerVM; m++ {
			field := fields[m%len(fields)]
			if m >= len(fields) {
				field += "_" + strconv.Itoa(m/len(fields))
			}
			legend = append(legend, rrd.StatAverage+":vm:"+id+":"+field)
		}
	}
	return &fakeHost{legend: legend, rows: rows, served: served}
}

func (h *fakeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/rrd_updates") {
		http.NotFound(w, r)
		return
	}
	end := time.Now().Unix()
	doc := rrdtest.New(end, h.legend...)
	values := make([]float64, len(h.legend))
	// Newest row first, 5s apart
	for i := 0; i < h.rows; i++ {
		for j := range values {
			values[j] = rand.Float64()
		}
		doc.AddRow(end-int64(i*doc.Step), values...)
	}
	data := doc.Bytes()
	h.served.Add(int64(len(data)))
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(data)
}

// countingArc accepts Arc msgpack batches and counts the rows.
func countingArc(points *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var src io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer zr.Close()
			src = zr
		}
		body, err := io.ReadAll(src)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var payload models.BatchPayload
		if err := msgpack.Unmarshal(body, &payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		points.Add(int64(len(payload.Batch)))
		w.WriteHeader(http.StatusNoContent)
	})
}

func main() {
	cfg := Config{}

	flag.IntVar(&cfg.Duration, "duration", 60, "Test duration in seconds")
	flag.IntVar(&cfg.Hosts, "hosts", 16, "Number of fake hosts")
	flag.IntVar(&cfg.VMs, "vms", 20, "VMs per host")
	flag.IntVar(&cfg.Metrics, "metrics", 8, "Metrics per VM")
	flag.IntVar(&cfg.Rows, "rows", 12, "Rows per export")
	flag.IntVar(&cfg.Concurrency, "concurrency", 4, "Hosts fetched in parallel")
	flag.DurationVar(&cfg.Interval, "interval", time.Second, "Sleep between cycles")
	flag.IntVar(&cfg.BatchSize, "batch-size", 5000, "Points per sink batch")
	flag.BoolVar(&cfg.Gzip, "gzip", false, "Gzip sink payloads")
	flag.StringVar(&cfg.ArcURL, "arc-url", "", "Arc base URL (default: in-process counting endpoint)")
	flag.Parse()

	cfg.Token = os.Getenv("XENRRD_WRITER_TOKEN")

	served := &atomic.Int64{}
	addresses := make([]string, cfg.Hosts)
	for i := range addresses {
		srv := httptest.NewServer(newFakeHost(cfg.VMs, cfg.Metrics, cfg.Rows, served))
		defer srv.Close()
		addresses[i] = strings.TrimPrefix(srv.URL, "http://")
	}

	received := &atomic.Int64{}
	target := cfg.ArcURL
	if target == "" {
		arc := httptest.NewServer(countingArc(received))
		defer arc.Close()
		target = arc.URL
	}

	fmt.Println("================================================================================")
	fmt.Println("SUSTAINED POLL TEST - XENRRD")
	fmt.Println("================================================================================")
	fmt.Printf("Sink: %s/api/v1/write/msgpack (gzip=%v)\n", target, cfg.Gzip)
	fmt.Printf("Hosts: %d x %d VMs x %d metrics, %d rows per export\n", cfg.Hosts, cfg.VMs, cfg.Metrics, cfg.Rows)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Interval: %s\n", cfg.Interval)
	fmt.Printf("Duration: %ds\n", cfg.Duration)
	fmt.Println("================================================================================")
	fmt.Println()

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	m := metrics.New()

	sink, err := writer.NewSink(&config.WriterConfig{
		Sink:     writer.SinkArc,
		URL:      target,
		Database: "xenrrd_bench",
		Token:    cfg.Token,
		Gzip:     cfg.Gzip,
		Timeout:  30 * time.Second,
	}, "xenrrd-bench", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create sink: %v\n", err)
		os.Exit(1)
	}
	w := writer.New(sink, writer.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: 500 * time.Millisecond,
		BufferSize:    cfg.BatchSize * 20,
		MaxRetries:    2,
		RetryBackoff:  100 * time.Millisecond,
		CloseTimeout:  30 * time.Second,
		Metrics:       m,
	}, logger)

	fetcher, err := xapi.NewFetcher(xapi.FetcherConfig{Scheme: "http", Username: "bench", Password: "bench"}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create fetcher: %v\n", err)
		os.Exit(1)
	}
	defer fetcher.Close()

	controller, err := poller.NewController(&poller.Config{
		Hosts:       xapi.NewStaticHosts(addresses),
		Fetcher:     fetcher,
		Writer:      w,
		Parser:      rrd.NewParser(logger),
		Metrics:     m,
		Interval:    cfg.Interval,
		Concurrency: cfg.Concurrency,
		HostTag:     "host",
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create poller: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Starting test...")
	stats := &Stats{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Duration)*time.Second)
	defer cancel()

	startTime := time.Now()
	lastPoints := int64(0)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			elapsed := time.Since(startTime).Seconds()
			current := stats.points.Load()
			fmt.Printf("[%6.1fs] Points/s: %10.0f | Cycles: %6d | Host errors: %6d | Buffered: %8d\n",
				elapsed, float64(current-lastPoints)/5.0, stats.cycles.Load(), stats.hostErrors.Load(), w.Buffered())
			lastPoints = current
		}
	}()

	var cursor poller.Cursor
	for ctx.Err() == nil {
		var report poller.CycleReport
		cursor, report = controller.RunCycle(ctx, cursor)

		stats.cycles.Add(1)
		stats.points.Add(int64(report.Points))
		stats.hostErrors.Add(int64(report.Failed))
		stats.addLatency(float64(report.Duration.Microseconds()) / 1000.0)

		select {
		case <-ctx.Done():
		case <-time.After(cfg.Interval):
		}
	}

	// Flush what the cycles enqueued; this also closes the sink
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Writer close: %v\n", err)
	}

	elapsed := time.Since(startTime).Seconds()
	parsed := stats.points.Load()
	snap := m.Snapshot()

	fmt.Println()
	fmt.Println("================================================================================")
	fmt.Println("RESULTS")
	fmt.Println("================================================================================")
	fmt.Printf("Duration:        %.1fs\n", elapsed)
	fmt.Printf("Cycles:          %d\n", stats.cycles.Load())
	fmt.Printf("Host errors:     %d\n", stats.hostErrors.Load())
	fmt.Printf("Export bytes:    %.1f MB\n", float64(served.Load())/(1024*1024))
	fmt.Printf("Points parsed:   %d\n", parsed)
	fmt.Printf("Points written:  %d\n", m.PointsWritten())
	fmt.Printf("Points dropped:  %d\n", snap["points_dropped_total"])
	if cfg.ArcURL == "" {
		fmt.Printf("Points received: %d\n", received.Load())
	}
	fmt.Println()
	fmt.Printf("THROUGHPUT:      %d points/sec\n", int64(float64(parsed)/elapsed))
	fmt.Println()
	fmt.Println("Cycle duration percentiles:")
	fmt.Printf("  p50:  %.2f ms\n", stats.getPercentile(0.50))
	fmt.Printf("  p95:  %.2f ms\n", stats.getPercentile(0.95))
	fmt.Printf("  p99:  %.2f ms\n", stats.getPercentile(0.99))
	fmt.Println("================================================================================")
}
