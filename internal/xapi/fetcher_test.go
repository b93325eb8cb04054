package xapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverHost(srv *httptest.Server) Host {
	addr := strings.TrimPrefix(srv.URL, "http://")
	return Host{Name: "xen-01", Address: addr}
}

func TestFetcher_ExportURL(t *testing.T) {
	f, err := NewFetcher(FetcherConfig{}, zerolog.Nop())
	require.NoError(t, err)

	got := f.ExportURL(Host{Address: "10.0.0.1"}, time.Unix(1609459200, 0))
	assert.Equal(t, "http://10.0.0.1/rrd_updates/?host=true&start=1609459200", got)
}

func TestFetcher_ExportURLHostForms(t *testing.T) {
	f, err := NewFetcher(FetcherConfig{}, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		address string
		host    string
	}{
		{"xen-01.lab", "xen-01.lab"},
		{"10.0.0.1:8080", "10.0.0.1:8080"},
		{"fd00::10", "[fd00::10]"},
		{"[fd00::10]", "[fd00::10]"},
		{"[fd00::10]:8443", "[fd00::10]:8443"},
		{"::ffff:10.0.0.1", "[::ffff:10.0.0.1]"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			raw := f.ExportURL(Host{Address: tt.address}, time.Unix(1000, 0))
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.host, u.Host)
			assert.Equal(t, "/rrd_updates/", u.Path)
			assert.Equal(t, "1000", u.Query().Get("start"))
		})
	}
}

func TestFetcher_FetchExport(t *testing.T) {
	var gotAuth, gotStart, gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotStart = r.URL.Query().Get("start")
		gotHost = r.URL.Query().Get("host")
		assert.Equal(t, "/rrd_updates/", r.URL.Path)
		_, _ = w.Write([]byte("<xport/>"))
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{Username: "root", Password: "secret"}, zerolog.Nop())
	require.NoError(t, err)

	body, err := f.FetchExport(context.Background(), serverHost(srv), time.Unix(1000, 0))
	require.NoError(t, err)
	assert.Equal(t, "<xport/>", string(body))
	assert.Equal(t, "Basic cm9vdDpzZWNyZXQ=", gotAuth)
	assert.Equal(t, "1000", gotStart)
	assert.Equal(t, "true", gotHost)
}

func TestFetcher_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		auth   bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusInternalServerError, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f, err := NewFetcher(FetcherConfig{}, zerolog.Nop())
			require.NoError(t, err)

			_, err = f.FetchExport(context.Background(), serverHost(srv), time.Now())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransport)

			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, tt.auth, te.Auth)
			assert.Equal(t, tt.auth, IsAuthFailure(err))
		})
	}
}

func TestFetcher_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 128)))
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{MaxExportSize: 64}, zerolog.Nop())
	require.NoError(t, err)

	_, err = f.FetchExport(context.Background(), serverHost(srv), time.Now())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFetcher_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.FetchExport(ctx, serverHost(srv), time.Now())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFetcher_MissingAddress(t *testing.T) {
	f, err := NewFetcher(FetcherConfig{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = f.FetchExport(context.Background(), Host{Name: "ghost"}, time.Now())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestNewFetcher_RejectsScheme(t *testing.T) {
	_, err := NewFetcher(FetcherConfig{Scheme: "ftp"}, zerolog.Nop())
	assert.Error(t, err)
}
