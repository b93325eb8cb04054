package xapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxExportSize caps one export body (64MB)
const DefaultMaxExportSize = 64 * 1024 * 1024

// FetcherConfig holds the per-host export endpoint settings
type FetcherConfig struct {
	Scheme             string        // http or https (default: http)
	Username           string        // Same credentials as the pool master
	Password           string        //
	Timeout            time.Duration // Per-fetch timeout (default: 30s)
	InsecureSkipVerify bool          // Accept self-signed host certificates
	MaxExportSize      int64         // Body cap in bytes (default: 64MB)
}

// Fetcher downloads rrd_updates exports from individual hosts.
type Fetcher struct {
	config    FetcherConfig
	basicAuth string
	client    *http.Client
	logger    zerolog.Logger
}

// NewFetcher creates a new export fetcher
func NewFetcher(cfg FetcherConfig, logger zerolog.Logger) (*Fetcher, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return nil, fmt.Errorf("xapi: unsupported export scheme %q", cfg.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxExportSize <= 0 {
		cfg.MaxExportSize = DefaultMaxExportSize
	}

	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
	return &Fetcher{
		config:    cfg,
		basicAuth: "Basic " + creds,
		client:    newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify),
		logger:    logger.With().Str("component", "xapi-fetcher").Logger(),
	}, nil
}

// ExportURL returns the rrd_updates URL for a host and window start.
func (f *Fetcher) ExportURL(host Host, start time.Time) string {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("host", "true")
	u := url.URL{
		Scheme:   f.config.Scheme,
		Host:     urlHost(host.Address),
		Path:     "/rrd_updates/",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// urlHost brackets a bare IPv6 address. Host names, IPv4 addresses and
// addresses that already carry a port or brackets are returned unchanged.
func urlHost(addr string) string {
	if strings.HasPrefix(addr, "[") {
		return addr
	}
	if ip, err := netip.ParseAddr(addr); err == nil && ip.Is6() {
		return "[" + addr + "]"
	}
	return addr
}

// FetchExport downloads the export covering [start, now) from host.
// Non-2xx responses and oversized bodies are returned as TransportError.
func (f *Fetcher) FetchExport(ctx context.Context, host Host, start time.Time) ([]byte, error) {
	if host.Address == "" {
		return nil, &TransportError{Host: host.String(), Op: "fetch", Err: fmt.Errorf("host has no address")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ExportURL(host, start), nil)
	if err != nil {
		return nil, &TransportError{Host: host.String(), Op: "fetch", Err: err}
	}
	req.Header.Set("Authorization", f.basicAuth)

	t0 := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{Host: host.String(), Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{
			Host:       host.String(),
			Op:         "fetch",
			StatusCode: resp.StatusCode,
			Auth:       resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxExportSize+1))
	if err != nil {
		return nil, &TransportError{Host: host.String(), Op: "fetch", Err: err}
	}
	if int64(len(body)) > f.config.MaxExportSize {
		return nil, &TransportError{
			Host: host.String(),
			Op:   "fetch",
			Err:  fmt.Errorf("export exceeds %d bytes", f.config.MaxExportSize),
		}
	}

	f.logger.Debug().
		Str("host", host.String()).
		Int("bytes", len(body)).
		Dur("duration", time.Since(t0)).
		Msg("Fetched export")
	return body, nil
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
