package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for xenrrd
type Config struct {
	Log      LogConfig
	Xen      XenConfig
	Poll     PollConfig
	Writer   WriterConfig
	Capture  CaptureConfig
	Storage  StorageConfig
	State    StateConfig
	Server   ServerConfig
	Shutdown ShutdownConfig
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

// XenConfig describes how to reach the pool and its hosts
type XenConfig struct {
	MasterURL          string        // XML-RPC endpoint of the pool master
	Username           string        // Used for XAPI login and export Basic auth
	Password           string        //
	Hosts              []string      // Static host addresses; bypasses host enumeration when set
	ExportScheme       string        // Scheme for per-host rrd_updates requests: http or https
	InsecureSkipVerify bool          // Accept self-signed host certificates
	Timeout            time.Duration // Per-request timeout
}

// PollConfig drives the poll cycle controller
type PollConfig struct {
	Interval           time.Duration // Sleep between cycles
	Lookback           time.Duration // Window start when no cursor is known
	MaxWindow          time.Duration // Oldest lower bound a cycle will request
	Concurrency        int           // Hosts fetched in parallel (1 = sequential)
	MaxExportSize      int64         // Export body cap in bytes
	HostTag            string        // Tag key carrying the source host name; empty disables
	BreakerMaxFailures int           // Consecutive host failures before the host is skipped
	BreakerCooldown    time.Duration // How long a failing host is skipped
}

// WriterConfig configures batching and the sink
type WriterConfig struct {
	Sink               string        // arc, lineprotocol or mqtt
	URL                string        // Base URL for arc and lineprotocol sinks
	Database           string        // Target database
	Token              string        // Bearer token (arc) or auth token (lineprotocol)
	Gzip               bool          // Compress HTTP payloads
	Tags               []string      // Static tags added to every point: "key=value"
	BatchSize          int           // Points per flush
	FlushInterval      time.Duration // Max age of a partial batch
	BufferSize         int           // Max points held in memory; excess is dropped
	MaxRetries         int           // Attempts per batch after the first
	RetryBackoff       time.Duration // Initial backoff, doubled per retry
	Timeout            time.Duration // Per-request timeout
	BreakerMaxFailures int           // Consecutive failed batches before the sink is skipped
	BreakerCooldown    time.Duration //
	MQTTBroker         string        // tcp://host:1883
	MQTTTopic          string        //
	MQTTQoS            int           // 0, 1 or 2
	MQTTClientID       string        // Defaults to xenrrd-<instance id>
	MQTTUsername       string        //
	MQTTPassword       string        //
}

// CaptureConfig controls debug capture of raw exports
type CaptureConfig struct {
	Enabled           bool
	Prefix            string        // Object key prefix inside the storage backend
	Compress          bool          // zstd-compress captured documents
	RetentionSchedule string        // Cron schedule for the janitor
	MaxAge            time.Duration // Captures older than this are deleted; 0 keeps everything
}

// StorageConfig selects the backend debug captures are written to
type StorageConfig struct {
	Backend   string // local, s3 or azure
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // AWS access key (or use AWS_ACCESS_KEY_ID env var)
	S3SecretKey string // AWS secret key (or use AWS_SECRET_ACCESS_KEY env var)
	S3PathStyle bool   // Use path-style addressing (required for MinIO)
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureContainer          string
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool
}

// StateConfig enables cursor persistence across restarts
type StateConfig struct {
	Enabled bool
	DBPath  string
}

type ServerConfig struct {
	Enabled          bool
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HistoryRetention time.Duration // Window kept by /api/v1/status/history
	HistoryInterval  time.Duration // Sampling interval for the history
	// TLS Configuration
	TLSEnabled  bool
	TLSCertFile string // Path to TLS certificate file (PEM format)
	TLSKeyFile  string // Path to TLS private key file (PEM format)
}

type ShutdownConfig struct {
	Timeout time.Duration
}

// Load reads configuration from defaults, an optional TOML file and XENRRD_*
// environment variables, in increasing precedence. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("XENRRD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("xenrrd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/xenrrd/")
		v.AddConfigPath("$HOME/.xenrrd/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found is OK, use defaults
		}
	}

	maxExportSize, err := ParseSize(v.GetString("poll.max_export_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid poll.max_export_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Xen: XenConfig{
			MasterURL:          v.GetString("xen.master_url"),
			Username:           v.GetString("xen.username"),
			Password:           v.GetString("xen.password"),
			Hosts:              stringList(v, "xen.hosts"),
			ExportScheme:       v.GetString("xen.export_scheme"),
			InsecureSkipVerify: v.GetBool("xen.insecure_skip_verify"),
			Timeout:            v.GetDuration("xen.timeout"),
		},
		Poll: PollConfig{
			Interval:           v.GetDuration("poll.interval"),
			Lookback:           v.GetDuration("poll.lookback"),
			MaxWindow:          v.GetDuration("poll.max_window"),
			Concurrency:        v.GetInt("poll.concurrency"),
			MaxExportSize:      maxExportSize,
			HostTag:            v.GetString("poll.host_tag"),
			BreakerMaxFailures: v.GetInt("poll.breaker_max_failures"),
			BreakerCooldown:    v.GetDuration("poll.breaker_cooldown"),
		},
		Writer: WriterConfig{
			Sink:               strings.ToLower(v.GetString("writer.sink")),
			URL:                strings.TrimRight(v.GetString("writer.url"), "/"),
			Database:           v.GetString("writer.database"),
			Token:              v.GetString("writer.token"),
			Gzip:               v.GetBool("writer.gzip"),
			Tags:               stringList(v, "writer.tags"),
			BatchSize:          v.GetInt("writer.batch_size"),
			FlushInterval:      v.GetDuration("writer.flush_interval"),
			BufferSize:         v.GetInt("writer.buffer_size"),
			MaxRetries:         v.GetInt("writer.max_retries"),
			RetryBackoff:       v.GetDuration("writer.retry_backoff"),
			Timeout:            v.GetDuration("writer.timeout"),
			BreakerMaxFailures: v.GetInt("writer.breaker_max_failures"),
			BreakerCooldown:    v.GetDuration("writer.breaker_cooldown"),
			MQTTBroker:         v.GetString("writer.mqtt_broker"),
			MQTTTopic:          v.GetString("writer.mqtt_topic"),
			MQTTQoS:            v.GetInt("writer.mqtt_qos"),
			MQTTClientID:       v.GetString("writer.mqtt_client_id"),
			MQTTUsername:       v.GetString("writer.mqtt_username"),
			MQTTPassword:       v.GetString("writer.mqtt_password"),
		},
		Capture: CaptureConfig{
			Enabled:           v.GetBool("capture.enabled"),
			Prefix:            v.GetString("capture.prefix"),
			Compress:          v.GetBool("capture.compress"),
			RetentionSchedule: v.GetString("capture.retention_schedule"),
			MaxAge:            v.GetDuration("capture.max_age"),
		},
		Storage: StorageConfig{
			Backend:                 strings.ToLower(v.GetString("storage.backend")),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
		},
		State: StateConfig{
			Enabled: v.GetBool("state.enabled"),
			DBPath:  v.GetString("state.db_path"),
		},
		Server: ServerConfig{
			Enabled:          v.GetBool("server.enabled"),
			Host:             v.GetString("server.host"),
			Port:             v.GetInt("server.port"),
			ReadTimeout:      v.GetDuration("server.read_timeout"),
			WriteTimeout:     v.GetDuration("server.write_timeout"),
			HistoryRetention: v.GetDuration("server.history_retention"),
			HistoryInterval:  v.GetDuration("server.history_interval"),
			TLSEnabled:       v.GetBool("server.tls_enabled"),
			TLSCertFile:      v.GetString("server.tls_cert_file"),
			TLSKeyFile:       v.GetString("server.tls_key_file"),
		},
		Shutdown: ShutdownConfig{
			Timeout: v.GetDuration("shutdown.timeout"),
		},
	}

	return cfg, nil
}

// stringList accepts both TOML arrays and comma-separated env values.
func stringList(v *viper.Viper, key string) []string {
	raw := v.GetStringSlice(key)
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Xen defaults
	v.SetDefault("xen.master_url", "")
	v.SetDefault("xen.username", "root")
	v.SetDefault("xen.password", "")
	v.SetDefault("xen.hosts", []string{})
	v.SetDefault("xen.export_scheme", "http")
	v.SetDefault("xen.insecure_skip_verify", false)
	v.SetDefault("xen.timeout", 30*time.Second)

	// Poll defaults
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.lookback", 5*time.Second)
	v.SetDefault("poll.max_window", time.Hour)
	v.SetDefault("poll.concurrency", 4)
	v.SetDefault("poll.max_export_size", "64MB")
	v.SetDefault("poll.host_tag", "host")
	v.SetDefault("poll.breaker_max_failures", 5)
	v.SetDefault("poll.breaker_cooldown", time.Minute)

	// Writer defaults
	v.SetDefault("writer.sink", "arc")
	v.SetDefault("writer.url", "http://localhost:8000")
	v.SetDefault("writer.database", "xenserver")
	v.SetDefault("writer.token", "")
	v.SetDefault("writer.gzip", true)
	v.SetDefault("writer.tags", []string{})
	v.SetDefault("writer.batch_size", 5000)
	v.SetDefault("writer.flush_interval", time.Second)
	v.SetDefault("writer.buffer_size", 100000)
	v.SetDefault("writer.max_retries", 3)
	v.SetDefault("writer.retry_backoff", 500*time.Millisecond)
	v.SetDefault("writer.timeout", 30*time.Second)
	v.SetDefault("writer.breaker_max_failures", 5)
	v.SetDefault("writer.breaker_cooldown", 30*time.Second)
	v.SetDefault("writer.mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("writer.mqtt_topic", "xenrrd/points")
	v.SetDefault("writer.mqtt_qos", 1)
	v.SetDefault("writer.mqtt_client_id", "")

	// Capture defaults
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.prefix", "captures/")
	v.SetDefault("capture.compress", false)
	v.SetDefault("capture.retention_schedule", "@hourly")
	v.SetDefault("capture.max_age", 24*time.Hour)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "/tmp/xenrrd/")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_path_style", false) // Set true for MinIO

	// State defaults
	v.SetDefault("state.enabled", false)
	v.SetDefault("state.db_path", "./data/xenrrd.db")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9273)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.history_retention", 30*time.Minute)
	v.SetDefault("server.history_interval", 10*time.Second)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Shutdown defaults
	v.SetDefault("shutdown.timeout", 30*time.Second)
}

// Validate reports configuration that cannot work at runtime.
func (cfg *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Xen.MasterURL == "" && len(cfg.Xen.Hosts) == 0 {
		add("either xen.master_url or xen.hosts is required")
	}
	if cfg.Xen.Username == "" {
		add("xen.username is required")
	}
	if cfg.Xen.ExportScheme != "http" && cfg.Xen.ExportScheme != "https" {
		add("xen.export_scheme must be http or https, got %q", cfg.Xen.ExportScheme)
	}

	if cfg.Poll.Interval <= 0 {
		add("poll.interval must be positive")
	}
	if cfg.Poll.Lookback <= 0 {
		add("poll.lookback must be positive")
	}
	if cfg.Poll.MaxWindow < cfg.Poll.Lookback {
		add("poll.max_window (%s) must be at least poll.lookback (%s)", cfg.Poll.MaxWindow, cfg.Poll.Lookback)
	}
	if cfg.Poll.Concurrency < 1 {
		add("poll.concurrency must be at least 1")
	}

	switch cfg.Writer.Sink {
	case "arc", "lineprotocol":
		if cfg.Writer.URL == "" {
			add("writer.url is required for the %s sink", cfg.Writer.Sink)
		}
	case "mqtt":
		if cfg.Writer.MQTTBroker == "" || cfg.Writer.MQTTTopic == "" {
			add("writer.mqtt_broker and writer.mqtt_topic are required for the mqtt sink")
		}
		if cfg.Writer.MQTTQoS < 0 || cfg.Writer.MQTTQoS > 2 {
			add("writer.mqtt_qos must be 0, 1 or 2")
		}
	default:
		add("unknown writer.sink %q (use arc, lineprotocol or mqtt)", cfg.Writer.Sink)
	}
	if cfg.Writer.BatchSize < 1 {
		add("writer.batch_size must be at least 1")
	}
	if cfg.Writer.BufferSize < cfg.Writer.BatchSize {
		add("writer.buffer_size must be at least writer.batch_size")
	}
	if _, err := ParseTags(cfg.Writer.Tags); err != nil {
		add("writer.tags: %v", err)
	}

	if cfg.Capture.Enabled {
		switch cfg.Storage.Backend {
		case "local":
			if cfg.Storage.LocalPath == "" {
				add("storage.local_path is required for the local backend")
			}
		case "s3":
			if cfg.Storage.S3Bucket == "" {
				add("storage.s3_bucket is required for the s3 backend")
			}
		case "azure":
			if cfg.Storage.AzureContainer == "" {
				add("storage.azure_container is required for the azure backend")
			}
		default:
			add("unknown storage.backend %q (use local, s3 or azure)", cfg.Storage.Backend)
		}
	}

	if cfg.State.Enabled && cfg.State.DBPath == "" {
		add("state.db_path is required when state is enabled")
	}

	if cfg.Server.Enabled {
		if err := cfg.Server.ValidateTLS(); err != nil {
			add("%v", err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateTLS validates TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}

	for _, f := range []struct{ kind, path string }{{"certificate", cfg.TLSCertFile}, {"key", cfg.TLSKeyFile}} {
		info, err := os.Stat(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", f.kind, f.path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", f.kind, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", f.kind, f.path)
		}
	}

	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
// Returns the size in bytes or an error if the format is invalid.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			// Unrecognized unit such as the "T" in "1TB"
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	// Plain number of bytes
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
