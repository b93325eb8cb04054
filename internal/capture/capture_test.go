package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/xenrrd/internal/metrics"
	"github.com/basekick-labs/xenrrd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *storage.LocalBackend {
	t.Helper()
	b, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestKey(t *testing.T) {
	cursor := time.Date(2024, 3, 1, 12, 0, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "captures/host-a-2024-03-01T11:00:05Z.xml", Key("captures/", "host-a", cursor, ExtXML))
	assert.Equal(t, "x/10.0.0.1_8080-2024-03-01T11:00:05Z.xml", Key("x/", "10.0.0.1/8080", cursor, ExtXML))
	assert.Equal(t, "h-2024-03-01T11:00:05Z.xml.zst", Key("", "h", cursor, ExtZstd))
}

func newCapturer(t *testing.T, backend storage.Backend, compress bool, m *metrics.Metrics) *Capturer {
	t.Helper()
	c, err := New(&Config{
		Backend:  backend,
		Prefix:   "captures/",
		Compress: compress,
		Metrics:  m,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(&Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestCapturer_Capture(t *testing.T) {
	backend := newLocal(t)
	m := metrics.New()
	c := newCapturer(t, backend, false, m)

	cursor := time.Unix(1_700_000_000, 0)
	doc := []byte("<xport><meta/></xport>")
	require.NoError(t, c.Capture(context.Background(), "host-a", cursor, doc))

	got, err := backend.Read(context.Background(), Key("captures/", "host-a", cursor, ExtXML))
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["captures_total"])
	assert.Equal(t, int64(len(doc)), snap["capture_bytes_total"])
	assert.Equal(t, "captures/", c.Prefix())
}

func TestCapturer_CaptureCompressed(t *testing.T) {
	backend := newLocal(t)
	m := metrics.New()
	c := newCapturer(t, backend, true, m)

	cursor := time.Unix(1_700_000_000, 0)
	doc := []byte(strings.Repeat("<row><t>1700000000</t><v>0.5</v></row>", 200))
	require.NoError(t, c.Capture(context.Background(), "host-a", cursor, doc))

	key := Key("captures/", "host-a", cursor, ExtZstd)
	stored, err := backend.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Less(t, len(stored), len(doc))
	assert.Equal(t, int64(len(stored)), m.Snapshot()["capture_bytes_total"])

	got, err := Decode(key, stored)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestDecode_Plain(t *testing.T) {
	got, err := Decode("captures/h-2024-03-01T11:00:05Z.xml", []byte("<xport/>"))
	require.NoError(t, err)
	assert.Equal(t, []byte("<xport/>"), got)

	_, err = Decode("captures/h-2024-03-01T11:00:05Z.xml.zst", []byte("not zstd"))
	assert.Error(t, err)
}

type failingBackend struct{ storage.Backend }

func (failingBackend) Write(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingBackend) Type() string                                { return "failing" }

func TestCapturer_CaptureError(t *testing.T) {
	m := metrics.New()
	c := newCapturer(t, failingBackend{}, false, m)

	err := c.Capture(context.Background(), "host-a", time.Unix(0, 0), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(1), m.Snapshot()["capture_errors_total"])
	assert.Equal(t, int64(0), m.Snapshot()["captures_total"])
}

func TestNewJanitor(t *testing.T) {
	backend := newLocal(t)

	j, err := NewJanitor(&JanitorConfig{Backend: backend, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, "@hourly", j.Status().Schedule)

	_, err = NewJanitor(&JanitorConfig{Backend: backend, Schedule: "0 3 * * *"})
	require.NoError(t, err)

	_, err = NewJanitor(&JanitorConfig{Backend: backend, Schedule: "invalid schedule"})
	assert.Error(t, err)

	_, err = NewJanitor(&JanitorConfig{Schedule: "@hourly"})
	assert.Error(t, err)
}

func writeCapture(t *testing.T, b *storage.LocalBackend, key string, age time.Duration) {
	t.Helper()
	require.NoError(t, b.Write(context.Background(), key, []byte("data")))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(filepath.Join(b.BasePath(), key), mtime, mtime))
}

func listKeys(t *testing.T, b storage.Backend) []string {
	t.Helper()
	objects, err := b.ListObjects(context.Background(), "")
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Path)
	}
	sort.Strings(keys)
	return keys
}

func TestJanitor_RunOncePrunesExpired(t *testing.T) {
	backend := newLocal(t)
	writeCapture(t, backend, "captures/old-1.xml", 48*time.Hour)
	writeCapture(t, backend, "captures/old-2.xml", 25*time.Hour)
	writeCapture(t, backend, "captures/new.xml", time.Hour)
	writeCapture(t, backend, "elsewhere/old.xml", 48*time.Hour)

	m := metrics.New()
	j, err := NewJanitor(&JanitorConfig{
		Backend: backend,
		Prefix:  "captures/",
		MaxAge:  24 * time.Hour,
		Metrics: m,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	deleted, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{"captures/new.xml", "elsewhere/old.xml"}, listKeys(t, backend))
	assert.Equal(t, int64(2), m.Snapshot()["captures_pruned_total"])

	status := j.Status()
	assert.Equal(t, 2, status.LastDeleted)
	assert.False(t, status.LastRun.IsZero())
	assert.Empty(t, status.LastError)
}

func TestJanitor_ZeroMaxAgeKeepsEverything(t *testing.T) {
	backend := newLocal(t)
	writeCapture(t, backend, "captures/old.xml", 1000*time.Hour)

	j, err := NewJanitor(&JanitorConfig{Backend: backend, Prefix: "captures/", Logger: zerolog.Nop()})
	require.NoError(t, err)

	deleted, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, listKeys(t, backend), 1)

	// Start is a no-op without a max age
	require.NoError(t, j.Start())
	assert.False(t, j.Status().Running)
}

// batchBackend records DeleteBatch calls on top of a local backend
type batchBackend struct {
	*storage.LocalBackend
	mu      sync.Mutex
	batches [][]string
}

func (b *batchBackend) DeleteBatch(ctx context.Context, paths []string) error {
	b.mu.Lock()
	b.batches = append(b.batches, append([]string(nil), paths...))
	b.mu.Unlock()
	for _, p := range paths {
		if err := b.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func TestJanitor_UsesBatchDelete(t *testing.T) {
	local := newLocal(t)
	backend := &batchBackend{LocalBackend: local}
	writeCapture(t, local, "captures/a.xml", 48*time.Hour)
	writeCapture(t, local, "captures/b.xml", 48*time.Hour)

	j, err := NewJanitor(&JanitorConfig{Backend: backend, Prefix: "captures/", MaxAge: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	deleted, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	require.Len(t, backend.batches, 1)
	assert.ElementsMatch(t, []string{"captures/a.xml", "captures/b.xml"}, backend.batches[0])
}

type listFailBackend struct{ *storage.LocalBackend }

func (listFailBackend) ListObjects(context.Context, string) ([]storage.ObjectInfo, error) {
	return nil, errors.New("access denied")
}

func TestJanitor_ListError(t *testing.T) {
	j, err := NewJanitor(&JanitorConfig{
		Backend: listFailBackend{newLocal(t)},
		MaxAge:  time.Hour,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = j.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, j.Status().LastError, "access denied")
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(&JanitorConfig{
		Backend:  newLocal(t),
		Schedule: "@every 1h",
		MaxAge:   time.Hour,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, j.Start())
	require.NoError(t, j.Start())
	status := j.Status()
	assert.True(t, status.Running)
	assert.True(t, status.NextRun.After(time.Now()))

	require.NoError(t, j.Close())
	assert.False(t, j.Status().Running)
	j.Stop()
}
