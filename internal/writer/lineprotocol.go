package writer

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/xenrrd/pkg/models"
	"github.com/rs/zerolog"
)

// LineProtocolConfig configures the line protocol sink
type LineProtocolConfig struct {
	URL      string
	Database string
	Token    string
	Gzip     bool
	Timeout  time.Duration
}

// LineProtocolSink posts InfluxDB line protocol with second precision.
type LineProtocolSink struct {
	endpoint string
	token    string
	poster   *httpPoster
	logger   zerolog.Logger
}

// NewLineProtocolSink creates a line protocol sink
func NewLineProtocolSink(cfg LineProtocolConfig, logger zerolog.Logger) (*LineProtocolSink, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid line protocol url %q", cfg.URL)
	}
	q := url.Values{}
	q.Set("db", cfg.Database)
	q.Set("precision", "s")

	return &LineProtocolSink{
		endpoint: strings.TrimSuffix(cfg.URL, "/") + "/write?" + q.Encode(),
		token:    cfg.Token,
		poster:   newHTTPPoster(SinkLineProtocol, cfg.Timeout, cfg.Gzip),
		logger:   logger.With().Str("component", "lineprotocol-sink").Logger(),
	}, nil
}

func (s *LineProtocolSink) Name() string { return SinkLineProtocol }

func (s *LineProtocolSink) Send(ctx context.Context, points []models.Point) (int, error) {
	body := EncodeLineProtocol(points)
	if len(body) == 0 {
		return 0, nil
	}

	var headers map[string]string
	if s.token != "" {
		headers = map[string]string{"Authorization": "Token " + s.token}
	}

	n, err := s.poster.post(ctx, s.endpoint, "text/plain; charset=utf-8", body, headers)
	if err != nil {
		return 0, err
	}
	s.logger.Debug().
		Int("points", len(points)).
		Int("bytes", n).
		Msg("Batch written")
	return n, nil
}

func (s *LineProtocolSink) Close() error {
	s.poster.close()
	return nil
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

// EncodeLineProtocol renders points one per line with sorted tags and fields.
// NaN and infinite values have no line protocol representation and are
// skipped; a point left without fields is skipped entirely.
func EncodeLineProtocol(points []models.Point) []byte {
	var b []byte
	for _, p := range points {
		b = appendLine(b, p)
	}
	return b
}

func appendLine(b []byte, p models.Point) []byte {
	fields := make([]string, 0, len(p.Fields))
	for k, v := range p.Fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		fields = append(fields, k)
	}
	if len(fields) == 0 {
		return b
	}
	sort.Strings(fields)

	b = append(b, measurementEscaper.Replace(p.Measurement)...)

	if len(p.Tags) > 0 {
		tags := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			tags = append(tags, k)
		}
		sort.Strings(tags)
		for _, k := range tags {
			if k == "" || p.Tags[k] == "" {
				continue
			}
			b = append(b, ',')
			b = append(b, keyEscaper.Replace(k)...)
			b = append(b, '=')
			b = append(b, keyEscaper.Replace(p.Tags[k])...)
		}
	}

	for i, k := range fields {
		if i == 0 {
			b = append(b, ' ')
		} else {
			b = append(b, ',')
		}
		b = append(b, keyEscaper.Replace(k)...)
		b = append(b, '=')
		b = strconv.AppendFloat(b, p.Fields[k], 'g', -1, 64)
	}

	b = append(b, ' ')
	b = strconv.AppendInt(b, p.Time.Unix(), 10)
	b = append(b, '\n')
	return b
}
