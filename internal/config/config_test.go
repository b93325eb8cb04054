package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// inEmptyDir runs the test from a directory without xenrrd.toml
func inEmptyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func validConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Xen: XenConfig{MasterURL: "https://xen-master", Username: "root", ExportScheme: "http"},
		Poll: PollConfig{
			Interval:    5 * time.Second,
			Lookback:    5 * time.Second,
			MaxWindow:   time.Hour,
			Concurrency: 4,
		},
		Writer: WriterConfig{
			Sink:       "arc",
			URL:        "http://arc:8000",
			BatchSize:  100,
			BufferSize: 1000,
		},
		Storage: StorageConfig{Backend: "local", LocalPath: "/tmp/xenrrd/"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	inEmptyDir(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Poll.Interval != 5*time.Second {
		t.Errorf("Poll.Interval = %v, want 5s", cfg.Poll.Interval)
	}
	if cfg.Poll.Lookback != 5*time.Second {
		t.Errorf("Poll.Lookback = %v, want 5s", cfg.Poll.Lookback)
	}
	if cfg.Poll.MaxWindow != time.Hour {
		t.Errorf("Poll.MaxWindow = %v, want 1h", cfg.Poll.MaxWindow)
	}
	if cfg.Poll.Concurrency != 4 {
		t.Errorf("Poll.Concurrency = %d, want 4", cfg.Poll.Concurrency)
	}
	if cfg.Poll.MaxExportSize != 64*1024*1024 {
		t.Errorf("Poll.MaxExportSize = %d, want 64MB", cfg.Poll.MaxExportSize)
	}
	if cfg.Xen.ExportScheme != "http" {
		t.Errorf("Xen.ExportScheme = %s, want http", cfg.Xen.ExportScheme)
	}
	if cfg.Writer.Sink != "arc" {
		t.Errorf("Writer.Sink = %s, want arc", cfg.Writer.Sink)
	}
	if cfg.Capture.Enabled {
		t.Error("Capture.Enabled should default to false")
	}
	if cfg.Capture.RetentionSchedule != "@hourly" {
		t.Errorf("Capture.RetentionSchedule = %s, want @hourly", cfg.Capture.RetentionSchedule)
	}
	if cfg.Storage.LocalPath != "/tmp/xenrrd/" {
		t.Errorf("Storage.LocalPath = %s, want /tmp/xenrrd/", cfg.Storage.LocalPath)
	}
	if cfg.Server.Port != 9273 {
		t.Errorf("Server.Port = %d, want 9273", cfg.Server.Port)
	}
	if cfg.Server.TLSEnabled {
		t.Error("Server.TLSEnabled should default to false")
	}
	if cfg.Shutdown.Timeout != 30*time.Second {
		t.Errorf("Shutdown.Timeout = %v, want 30s", cfg.Shutdown.Timeout)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	inEmptyDir(t)

	t.Setenv("XENRRD_XEN_MASTER_URL", "https://pool.example")
	t.Setenv("XENRRD_XEN_HOSTS", "10.0.0.1,10.0.0.2")
	t.Setenv("XENRRD_POLL_INTERVAL", "15s")
	t.Setenv("XENRRD_POLL_CONCURRENCY", "1")
	t.Setenv("XENRRD_POLL_MAX_EXPORT_SIZE", "8MB")
	t.Setenv("XENRRD_WRITER_SINK", "LinePROTOCOL")
	t.Setenv("XENRRD_WRITER_URL", "http://influx:8086/")
	t.Setenv("XENRRD_WRITER_TAGS", "pool=prod,dc=ams1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Xen.MasterURL != "https://pool.example" {
		t.Errorf("Xen.MasterURL = %s", cfg.Xen.MasterURL)
	}
	if len(cfg.Xen.Hosts) != 2 || cfg.Xen.Hosts[1] != "10.0.0.2" {
		t.Errorf("Xen.Hosts = %v, want [10.0.0.1 10.0.0.2]", cfg.Xen.Hosts)
	}
	if cfg.Poll.Interval != 15*time.Second {
		t.Errorf("Poll.Interval = %v, want 15s", cfg.Poll.Interval)
	}
	if cfg.Poll.Concurrency != 1 {
		t.Errorf("Poll.Concurrency = %d, want 1", cfg.Poll.Concurrency)
	}
	if cfg.Poll.MaxExportSize != 8*1024*1024 {
		t.Errorf("Poll.MaxExportSize = %d, want 8MB", cfg.Poll.MaxExportSize)
	}
	if cfg.Writer.Sink != "lineprotocol" {
		t.Errorf("Writer.Sink = %s, want lineprotocol", cfg.Writer.Sink)
	}
	if cfg.Writer.URL != "http://influx:8086" {
		t.Errorf("Writer.URL = %s, trailing slash should be trimmed", cfg.Writer.URL)
	}
	if len(cfg.Writer.Tags) != 2 {
		t.Errorf("Writer.Tags = %v, want 2 entries", cfg.Writer.Tags)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := inEmptyDir(t)

	content := `
[xen]
master_url = "https://xen-master.local"
username = "monitor"
password = "secret"

[poll]
interval = "10s"
max_window = "30m"

[writer]
sink = "mqtt"
mqtt_topic = "xen/perf"
tags = ["pool=lab"]

[capture]
enabled = true
compress = true
max_age = "6h"
`
	if err := os.WriteFile(filepath.Join(dir, "xenrrd.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Xen.Username != "monitor" {
		t.Errorf("Xen.Username = %s, want monitor", cfg.Xen.Username)
	}
	if cfg.Poll.Interval != 10*time.Second {
		t.Errorf("Poll.Interval = %v, want 10s", cfg.Poll.Interval)
	}
	if cfg.Poll.MaxWindow != 30*time.Minute {
		t.Errorf("Poll.MaxWindow = %v, want 30m", cfg.Poll.MaxWindow)
	}
	if cfg.Writer.Sink != "mqtt" || cfg.Writer.MQTTTopic != "xen/perf" {
		t.Errorf("Writer = %+v, want mqtt sink on xen/perf", cfg.Writer)
	}
	if len(cfg.Writer.Tags) != 1 || cfg.Writer.Tags[0] != "pool=lab" {
		t.Errorf("Writer.Tags = %v, want [pool=lab]", cfg.Writer.Tags)
	}
	if !cfg.Capture.Enabled || !cfg.Capture.Compress || cfg.Capture.MaxAge != 6*time.Hour {
		t.Errorf("Capture = %+v, want compressed with 6h max age", cfg.Capture)
	}

	// Env still wins over the file
	t.Setenv("XENRRD_POLL_INTERVAL", "20s")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Poll.Interval != 20*time.Second {
		t.Errorf("Poll.Interval = %v, want 20s from env", cfg.Poll.Interval)
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := inEmptyDir(t)

	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("Load() should fail for a missing explicit config file")
	}
}

func TestLoad_InvalidSize(t *testing.T) {
	inEmptyDir(t)
	t.Setenv("XENRRD_POLL_MAX_EXPORT_SIZE", "1TB")

	if _, err := Load(""); err == nil {
		t.Error("Load() should reject an invalid poll.max_export_size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"static hosts without master", func(c *Config) { c.Xen.MasterURL = ""; c.Xen.Hosts = []string{"10.0.0.1"} }, ""},
		{"no host source", func(c *Config) { c.Xen.MasterURL = "" }, "xen.master_url or xen.hosts"},
		{"no username", func(c *Config) { c.Xen.Username = "" }, "xen.username"},
		{"bad scheme", func(c *Config) { c.Xen.ExportScheme = "ftp" }, "xen.export_scheme"},
		{"zero interval", func(c *Config) { c.Poll.Interval = 0 }, "poll.interval"},
		{"window below lookback", func(c *Config) { c.Poll.MaxWindow = time.Second }, "poll.max_window"},
		{"zero concurrency", func(c *Config) { c.Poll.Concurrency = 0 }, "poll.concurrency"},
		{"unknown sink", func(c *Config) { c.Writer.Sink = "kafka" }, "writer.sink"},
		{"arc without url", func(c *Config) { c.Writer.URL = "" }, "writer.url"},
		{"mqtt bad qos", func(c *Config) { c.Writer.Sink = "mqtt"; c.Writer.MQTTBroker = "tcp://b"; c.Writer.MQTTTopic = "t"; c.Writer.MQTTQoS = 3 }, "mqtt_qos"},
		{"buffer below batch", func(c *Config) { c.Writer.BufferSize = 10 }, "writer.buffer_size"},
		{"bad tags", func(c *Config) { c.Writer.Tags = []string{"novalue"} }, "writer.tags"},
		{"capture unknown backend", func(c *Config) { c.Capture.Enabled = true; c.Storage.Backend = "gcs" }, "storage.backend"},
		{"capture s3 without bucket", func(c *Config) { c.Capture.Enabled = true; c.Storage.Backend = "s3" }, "storage.s3_bucket"},
		{"unknown backend ignored without capture", func(c *Config) { c.Storage.Backend = "gcs" }, ""},
		{"state without path", func(c *Config) { c.State.Enabled = true }, "state.db_path"},
		{"tls without cert", func(c *Config) { c.Server.Enabled = true; c.Server.TLSEnabled = true }, "tls_cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_ValidateTLS(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, []byte("fake cert"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, []byte("fake key"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{"disabled", ServerConfig{}, ""},
		{"missing cert", ServerConfig{TLSEnabled: true, TLSKeyFile: keyPath}, "tls_cert_file"},
		{"missing key", ServerConfig{TLSEnabled: true, TLSCertFile: certPath}, "tls_key_file"},
		{"cert not found", ServerConfig{TLSEnabled: true, TLSCertFile: filepath.Join(dir, "nope.pem"), TLSKeyFile: keyPath}, "not found"},
		{"cert is directory", ServerConfig{TLSEnabled: true, TLSCertFile: dir, TLSKeyFile: keyPath}, "directory"},
		{"valid", ServerConfig{TLSEnabled: true, TLSCertFile: certPath, TLSKeyFile: keyPath}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateTLS()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateTLS() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateTLS() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"64MB", 64 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"1.5KB", 1536, false},
		{" 100 B ", 100, false},
		{"4096", 4096, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"-1MB", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
