package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basekick-labs/xenrrd/internal/config"
	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Sink delivers one batch of points to a store. Send returns the number of
// bytes put on the wire.
type Sink interface {
	Name() string
	Send(ctx context.Context, points []models.Point) (int, error)
	Close() error
}

// Sink types accepted in writer.sink
const (
	SinkArc          = "arc"
	SinkLineProtocol = "lineprotocol"
	SinkMQTT         = "mqtt"
)

// SinkError is a failed delivery. Permanent errors (4xx other than 429,
// encoding failures) are not retried.
type SinkError struct {
	Sink       string
	StatusCode int
	Body       string
	Permanent  bool
	Err        error
}

func (e *SinkError) Error() string {
	msg := e.Sink + " sink"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SinkError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed Send may succeed if repeated.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return !sinkErr.Permanent
	}
	return true
}

// NewSink builds the sink selected by cfg.Sink.
func NewSink(cfg *config.WriterConfig, clientID string, logger zerolog.Logger) (Sink, error) {
	switch cfg.Sink {
	case SinkArc:
		return NewArcSink(ArcConfig{
			URL:      cfg.URL,
			Database: cfg.Database,
			Token:    cfg.Token,
			Gzip:     cfg.Gzip,
			Timeout:  cfg.Timeout,
		}, logger)
	case SinkLineProtocol:
		return NewLineProtocolSink(LineProtocolConfig{
			URL:      cfg.URL,
			Database: cfg.Database,
			Token:    cfg.Token,
			Gzip:     cfg.Gzip,
			Timeout:  cfg.Timeout,
		}, logger)
	case SinkMQTT:
		id := cfg.MQTTClientID
		if id == "" {
			id = clientID
		}
		return NewMQTTSink(MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			QoS:      byte(cfg.MQTTQoS),
			ClientID: id,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Timeout:  cfg.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sink type: %q", cfg.Sink)
	}
}

// httpPoster is the request path shared by the HTTP sinks.
type httpPoster struct {
	name   string
	client *http.Client
	gzip   bool
}

func newHTTPPoster(name string, timeout time.Duration, compress bool) *httpPoster {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpPoster{
		name:   name,
		client: &http.Client{Timeout: timeout},
		gzip:   compress,
	}
}

// post sends body to url and returns the number of bytes sent.
func (p *httpPoster) post(ctx context.Context, url, contentType string, body []byte, headers map[string]string) (int, error) {
	if p.gzip {
		compressed, err := gzipBytes(body)
		if err != nil {
			return 0, &SinkError{Sink: p.name, Permanent: true, Err: fmt.Errorf("gzip payload: %w", err)}
		}
		body = compressed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, &SinkError{Sink: p.name, Permanent: true, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "xenrrd")
	if p.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &SinkError{Sink: p.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &SinkError{
			Sink:       p.name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
			Permanent:  resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests,
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return len(body), nil
}

func (p *httpPoster) close() {
	p.client.CloseIdleConnections()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
