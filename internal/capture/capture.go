// Package capture persists raw rrd_updates documents for debugging and prunes
// them on a schedule.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/storage"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Extensions of stored captures
const (
	ExtXML  = ".xml"
	ExtZstd = ".xml.zst"
)

var hostEscaper = strings.NewReplacer("/", "_", "\\", "_", " ", "_")

// Key returns the object key for one host's export: <prefix><host>-<cursor><ext>
func Key(prefix, host string, cursor time.Time, ext string) string {
	return prefix + hostEscaper.Replace(host) + "-" + cursor.UTC().Format(time.RFC3339) + ext
}

// Config configures a Capturer
type Config struct {
	Backend  storage.Backend
	Prefix   string
	Compress bool // zstd-encode documents before writing
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Capturer writes each fetched export to a storage backend before it is parsed.
type Capturer struct {
	backend storage.Backend
	prefix  string
	ext     string
	encoder *zstd.Encoder
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Capturer writing under cfg.Prefix
func New(cfg *Config) (*Capturer, error) {
	if cfg.Backend == nil {
		return nil, errors.New("capture: backend is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Get()
	}

	c := &Capturer{
		backend: cfg.Backend,
		prefix:  cfg.Prefix,
		ext:     ExtXML,
		metrics: m,
		logger:  cfg.Logger.With().Str("component", "capture").Str("backend", cfg.Backend.Type()).Logger(),
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("capture: create zstd encoder: %w", err)
		}
		c.encoder = enc
		c.ext = ExtZstd
	}
	return c, nil
}

// Capture stores data under the key for host and the cycle's lower bound.
func (c *Capturer) Capture(ctx context.Context, host string, cursor time.Time, data []byte) error {
	key := Key(c.prefix, host, cursor, c.ext)
	payload := data
	if c.encoder != nil {
		payload = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
	}

	if err := c.backend.Write(ctx, key, payload); err != nil {
		c.metrics.IncCaptureErrors()
		return fmt.Errorf("write capture %s: %w", key, err)
	}
	c.metrics.IncCaptures(len(payload))
	c.logger.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Int("stored_bytes", len(payload)).
		Msg("Captured export")
	return nil
}

// Prefix returns the key prefix captures are written under
func (c *Capturer) Prefix() string {
	return c.prefix
}

// Close releases the encoder
func (c *Capturer) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}
	return nil
}

// Decode returns the original document for a stored capture, decompressing
// keys ending in ExtZstd.
func Decode(key string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(key, ExtZstd) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode capture %s: %w", key, err)
	}
	return out, nil
}
