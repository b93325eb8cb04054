// Package writer batches points in memory and flushes them asynchronously to a
// sink (Arc msgpack, line protocol or MQTT). Delivery is at-least-once and
// best-effort: a batch that still fails after its retries is dropped.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basekick-labs/xenrrd/internal/circuitbreaker"
	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/rs/zerolog"
)

var (
	// ErrBufferFull is returned by WritePoint when the buffer is at capacity.
	ErrBufferFull = errors.New("writer buffer full")
	// ErrClosed is returned by WritePoint after Close.
	ErrClosed = errors.New("writer closed")
)

const maxRetryBackoff = 30 * time.Second

// Config holds writer batching and retry settings
type Config struct {
	BatchSize          int
	FlushInterval      time.Duration
	BufferSize         int
	MaxRetries         int
	RetryBackoff       time.Duration
	CloseTimeout       time.Duration
	BreakerMaxFailures int // <= 0 disables the breaker
	BreakerCooldown    time.Duration
	Metrics            *metrics.Metrics
}

// Stats is the writer state reported by the status API
type Stats struct {
	Sink     string                `json:"sink"`
	Buffered int                   `json:"buffered"`
	Breaker  *circuitbreaker.Stats `json:"breaker,omitempty"`
}

// Writer accepts points from any goroutine and flushes them to its sink when
// a batch fills up, when the flush interval elapses and on Close.
type Writer struct {
	sink    Sink
	config  Config
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	buf    []models.Point
	closed bool

	flushMu sync.Mutex // one flush at a time keeps batch order
	flushCh chan struct{}
	ctx     context.Context // flush loop lifetime
	cancel  context.CancelFunc
	sendCtx context.Context // in-flight sends; outlives ctx until the close timeout
	sendEnd context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates a writer and starts its flush loop
func New(sink Sink, cfg Config, logger zerolog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = cfg.BatchSize * 20
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Get()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sendCtx, sendEnd := context.WithCancel(context.Background())
	w := &Writer{
		sink:    sink,
		config:  cfg,
		metrics: cfg.Metrics,
		logger:  logger.With().Str("component", "writer").Str("sink", sink.Name()).Logger(),
		buf:     make([]models.Point, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		sendCtx: sendCtx,
		sendEnd: sendEnd,
	}
	if cfg.BreakerMaxFailures > 0 {
		w.breaker = circuitbreaker.New(&circuitbreaker.Config{
			Name:        "sink-" + sink.Name(),
			MaxFailures: cfg.BreakerMaxFailures,
			Cooldown:    cfg.BreakerCooldown,
		}, logger)
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Info().
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Int("buffer_size", cfg.BufferSize).
		Int("max_retries", cfg.MaxRetries).
		Msg("Writer started")

	return w
}

// WritePoint enqueues a point without blocking on the sink. The point is
// dropped with ErrBufferFull when the buffer is at capacity.
func (w *Writer) WritePoint(p models.Point) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if len(w.buf) >= w.config.BufferSize {
		w.mu.Unlock()
		w.metrics.AddPointsDropped(1)
		return ErrBufferFull
	}
	w.buf = append(w.buf, p)
	n := len(w.buf)
	w.mu.Unlock()

	w.metrics.IncPointsEnqueued()
	w.metrics.SetBufferedPoints(n)

	if n >= w.config.BatchSize {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushCh:
			w.flush(w.sendCtx, true)
		case <-ticker.C:
			w.flush(w.sendCtx, false)
		}
	}
}

// Flush sends everything buffered, in batches of at most BatchSize.
func (w *Writer) Flush(ctx context.Context) error {
	return w.flush(ctx, false)
}

// flush drains the buffer batch by batch. With fullOnly set it leaves a
// trailing partial batch for the interval flush.
func (w *Writer) flush(ctx context.Context, fullOnly bool) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	var errs []error
	for {
		batch := w.take(fullOnly)
		if len(batch) == 0 {
			break
		}
		if err := w.send(ctx, batch); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// take removes the next batch from the buffer.
func (w *Writer) take(fullOnly bool) []models.Point {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.buf)
	if n == 0 || (fullOnly && n < w.config.BatchSize) {
		return nil
	}
	if n > w.config.BatchSize {
		n = w.config.BatchSize
	}
	batch := make([]models.Point, n)
	copy(batch, w.buf[:n])
	rest := copy(w.buf, w.buf[n:])
	clear(w.buf[rest:])
	w.buf = w.buf[:rest]

	w.metrics.SetBufferedPoints(rest)
	return batch
}

// send delivers one batch, retrying with exponential backoff. A batch that
// cannot be delivered is logged and dropped.
func (w *Writer) send(ctx context.Context, batch []models.Point) error {
	start := time.Now()
	backoff := w.config.RetryBackoff

	var err error
	for attempt := 0; ; attempt++ {
		err = w.attempt(ctx, batch)
		if err == nil {
			w.metrics.ObserveFlushDuration(time.Since(start))
			return nil
		}
		if attempt >= w.config.MaxRetries || !IsRetryable(err) || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			break
		}

		w.metrics.IncBatchRetries()
		w.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Batch write failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}

	w.metrics.IncBatchErrors()
	w.metrics.AddPointsDropped(len(batch))
	w.logger.Error().
		Err(err).
		Int("points", len(batch)).
		Msg("Dropping batch after failed writes")
	return err
}

func (w *Writer) attempt(ctx context.Context, batch []models.Point) error {
	if w.breaker != nil {
		if err := w.breaker.Allow(); err != nil {
			return err
		}
	}
	n, err := w.sink.Send(ctx, batch)
	if w.breaker != nil {
		w.breaker.Record(err)
	}
	if err != nil {
		return err
	}

	w.metrics.IncBatchesWritten()
	w.metrics.AddPointsWritten(len(batch))
	w.metrics.AddSinkBytes(n)
	return nil
}

// Buffered returns the number of points waiting to be flushed.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Stats returns the writer's current state.
func (w *Writer) Stats() Stats {
	s := Stats{Sink: w.sink.Name(), Buffered: w.Buffered()}
	if w.breaker != nil {
		bs := w.breaker.Stats()
		s.Breaker = &bs
	}
	return s
}

// Close stops accepting points, flushes what is buffered within the close
// timeout and closes the sink.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), w.config.CloseTimeout)
		defer cancel()
		stop := context.AfterFunc(ctx, w.sendEnd)
		defer stop()

		w.cancel()
		w.wg.Wait()

		remaining := w.Buffered()
		flushErr := w.flush(ctx, false)
		if left := w.Buffered(); left > 0 {
			w.metrics.AddPointsDropped(left)
			w.logger.Warn().Int("points", left).Msg("Close timeout reached, dropping buffered points")
		}

		w.sendEnd()
		w.closeErr = errors.Join(flushErr, w.sink.Close())
		w.logger.Info().Int("flushed", remaining).Msg("Writer closed")
	})
	return w.closeErr
}
