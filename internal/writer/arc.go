package writer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ArcConfig configures the Arc msgpack sink
type ArcConfig struct {
	URL      string
	Database string
	Token    string
	Gzip     bool
	Timeout  time.Duration
}

// ArcSink posts row-format msgpack batches to Arc's /api/v1/write/msgpack.
type ArcSink struct {
	endpoint string
	database string
	token    string
	poster   *httpPoster
	logger   zerolog.Logger
}

// NewArcSink creates an Arc sink
func NewArcSink(cfg ArcConfig, logger zerolog.Logger) (*ArcSink, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid arc url %q", cfg.URL)
	}
	return &ArcSink{
		endpoint: strings.TrimSuffix(cfg.URL, "/") + "/api/v1/write/msgpack",
		database: cfg.Database,
		token:    cfg.Token,
		poster:   newHTTPPoster(SinkArc, cfg.Timeout, cfg.Gzip),
		logger:   logger.With().Str("component", "arc-sink").Logger(),
	}, nil
}

func (s *ArcSink) Name() string { return SinkArc }

// Send encodes points as {"batch":[{"m","t","fields","tags"}]} and posts them.
func (s *ArcSink) Send(ctx context.Context, points []models.Point) (int, error) {
	data, err := msgpack.Marshal(models.NewBatchPayload(points))
	if err != nil {
		return 0, &SinkError{Sink: SinkArc, Permanent: true, Err: fmt.Errorf("encode msgpack: %w", err)}
	}

	headers := map[string]string{}
	if s.database != "" {
		headers["x-arc-database"] = s.database
	}
	if s.token != "" {
		headers["Authorization"] = "Bearer " + s.token
	}

	n, err := s.poster.post(ctx, s.endpoint, "application/msgpack", data, headers)
	if err != nil {
		return 0, err
	}
	s.logger.Debug().
		Int("points", len(points)).
		Int("bytes", n).
		Msg("Batch written")
	return n, nil
}

func (s *ArcSink) Close() error {
	s.poster.close()
	return nil
}
