// Package config loads the YAML configuration of the rugs-feed-lab binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"rugs-feed-lab/internal/backpressure"
	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/ingestion"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/phase"
	"rugs-feed-lab/internal/protocol"
	"rugs-feed-lab/internal/reconcile"
	"rugs-feed-lab/internal/timeline"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Index store drivers.
const (
	IndexNone     = "none"
	IndexMemory   = "memory"
	IndexSqlite   = "sqlite"
	IndexPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	App          AppConfig               `yaml:"app"`
	Log          observability.LogConfig `yaml:"log"`
	Feed         FeedConfig              `yaml:"feed"`
	Sources      SourcesConfig           `yaml:"sources"`
	Backpressure BackpressureConfig      `yaml:"backpressure"`
	Recording    RecordingConfig         `yaml:"recording"`
	Reconcile    ReconcileConfig         `yaml:"reconcile"`
	Storage      StorageConfig           `yaml:"storage"`
	HTTP         HTTPConfig              `yaml:"http"`
	NATS         NATSConfig              `yaml:"nats"`
}

// AppConfig names the process.
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// FeedConfig configures the two feed sources and the game router.
type FeedConfig struct {
	// URL is the public feed base URL used by the fallback connection.
	URL               string        `yaml:"url"`
	Namespace         string        `yaml:"namespace"`
	DisableFallback   bool          `yaml:"disable_fallback"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// RelayPath is where the browser-side relay attaches; empty disables interception.
	RelayPath            string        `yaml:"relay_path"`
	RelayIncludeOutbound bool          `yaml:"relay_include_outbound"`
	RelayReadTimeout     time.Duration `yaml:"relay_read_timeout"`

	MaxTicks     int  `yaml:"max_ticks"`
	RuggedMemory int  `yaml:"rugged_memory"`
	PublishRaw   bool `yaml:"publish_raw"`
}

// SourcesConfig configures failover between sources.
type SourcesConfig struct {
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
	DedupCapacity int           `yaml:"dedup_capacity"`
	StandbyBuffer int           `yaml:"standby_buffer"`
}

// BackpressureConfig configures the degradation controller.
type BackpressureConfig struct {
	Rates               map[protocol.EventClass]backpressure.RateLimit `yaml:"rates"`
	Latency             backpressure.LatencyConfig                     `yaml:"latency"`
	Health              backpressure.HealthConfig                      `yaml:"health"`
	MaxGapRun           int                                            `yaml:"max_gap_run"`
	QueueDepthThreshold int                                            `yaml:"queue_depth_threshold"`
	BusDepthThreshold   int                                            `yaml:"bus_depth_threshold"`
	// SampleInterval paces bus depth sampling and health re-evaluation.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// RecordingConfig configures the recorder and its file writer.
type RecordingConfig struct {
	Dir          string        `yaml:"dir"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// AutoStart opens a capture session with Capture when the server starts.
	AutoStart bool                 `yaml:"auto_start"`
	Capture   domain.CaptureConfig `yaml:"capture"`
}

// ReconcileConfig configures drift detection.
type ReconcileConfig struct {
	Tolerance    string `yaml:"tolerance"`
	Inclusive    bool   `yaml:"inclusive"`
	HistoryLimit int    `yaml:"history_limit"`
}

// ToleranceValue parses Tolerance.
func (c ReconcileConfig) ToleranceValue() (decimal.Decimal, error) {
	if c.Tolerance == "" {
		return reconcile.DefaultTolerance, nil
	}
	d, err := decimal.NewFromString(c.Tolerance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reconcile tolerance %q: %w", c.Tolerance, err)
	}
	return d, nil
}

// StorageConfig selects the archive sinks mirrored from the recording files.
type StorageConfig struct {
	Index         string `yaml:"index"` // none, memory, sqlite, postgres
	SqlitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"` // empty disables tick archival
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"` // gin mode: debug, release, test
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WSWriteTimeout  time.Duration `yaml:"ws_write_timeout"`
	WSClientBuffer  int           `yaml:"ws_client_buffer"`
}

// NATSConfig configures the optional event bridge.
type NATSConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Kinds         []string `yaml:"kinds"` // empty publishes every kind
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "rugs-feed-lab", Env: "dev"},
		Log: observability.LogConfig{Level: "info", Format: "json", Service: "rugs-feed-lab"},
		Feed: FeedConfig{
			URL:               "https://backend.rugs.fun",
			ReconnectDelay:    500 * time.Millisecond,
			MaxReconnectDelay: 30 * time.Second,
			RelayPath:         "/relay",
			RelayReadTimeout:  60 * time.Second,
			MaxTicks:          timeline.DefaultMaxTicks,
			RuggedMemory:      phase.DefaultRuggedMemory,
		},
		Sources: SourcesConfig{
			StallTimeout:  ingestion.DefaultStallTimeout,
			DedupWindow:   ingestion.DefaultDedupWindow,
			DedupCapacity: ingestion.DefaultDedupCapacity,
			StandbyBuffer: ingestion.DefaultStandbyBuffer,
		},
		Backpressure: BackpressureConfig{
			Rates:               backpressure.DefaultRates(),
			Latency:             backpressure.DefaultLatencyConfig(),
			Health:              backpressure.DefaultHealthConfig(),
			MaxGapRun:           backpressure.DefaultMaxGapRun,
			QueueDepthThreshold: backpressure.DefaultQueueDepthThreshold,
			BusDepthThreshold:   backpressure.DefaultBusDepthThreshold,
			SampleInterval:      time.Second,
		},
		Recording: RecordingConfig{
			Dir:          "recordings",
			TaskTimeout:  30 * time.Second,
			FlushTimeout: 10 * time.Second,
			Capture: domain.CaptureConfig{
				Mode:             domain.CaptureGameStateOnly,
				MaxGapRun:        backpressure.DefaultMaxGapRun,
				ResumeAfterGames: 1,
			},
		},
		Reconcile: ReconcileConfig{
			Tolerance:    reconcile.DefaultTolerance.String(),
			Inclusive:    true,
			HistoryLimit: reconcile.DefaultHistoryLimit,
		},
		Storage: StorageConfig{
			Index:      IndexSqlite,
			SqlitePath: "recordings/index.db",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
			WSWriteTimeout:  5 * time.Second,
			WSClientBuffer:  256,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "rugs",
		},
	}
}

// Load reads path over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return invalid("app.name cannot be empty")
	}
	if c.Feed.DisableFallback && c.Feed.RelayPath == "" {
		return invalid("at least one source must be enabled (feed.url or feed.relay_path)")
	}
	if !c.Feed.DisableFallback {
		if _, err := ingestion.FeedEndpoint(c.Feed.URL); err != nil {
			return invalid("feed.url: %v", err)
		}
	}
	if c.Feed.MaxTicks < 0 {
		return invalid("feed.max_ticks cannot be negative")
	}
	if c.Sources.StallTimeout <= 0 {
		return invalid("sources.stall_timeout must be greater than 0")
	}
	if c.Sources.DedupWindow < 0 {
		return invalid("sources.dedup_window cannot be negative")
	}
	for class, r := range c.Backpressure.Rates {
		if r.PerSecond < 0 || r.Burst < 0 {
			return invalid("backpressure.rates.%s cannot be negative", class)
		}
	}
	if c.Backpressure.MaxGapRun < 0 {
		return invalid("backpressure.max_gap_run cannot be negative")
	}
	if c.Backpressure.SampleInterval <= 0 {
		return invalid("backpressure.sample_interval must be greater than 0")
	}
	if c.Recording.Dir == "" {
		return invalid("recording.dir cannot be empty")
	}
	if c.Recording.Capture.Mode != "" && !c.Recording.Capture.Mode.IsValid() {
		return invalid("recording.capture.mode %q: want game_state or game_and_actions", c.Recording.Capture.Mode)
	}
	tol, err := c.Reconcile.ToleranceValue()
	if err != nil {
		return invalid("%v", err)
	}
	if tol.IsNegative() {
		return invalid("reconcile.tolerance cannot be negative")
	}

	switch c.Storage.Index {
	case "", IndexNone, IndexMemory:
	case IndexSqlite:
		if c.Storage.SqlitePath == "" {
			return invalid("storage.sqlite_path cannot be empty for sqlite")
		}
	case IndexPostgres:
		if c.Storage.PostgresDSN == "" {
			return invalid("storage.postgres_dsn cannot be empty for postgres")
		}
	default:
		return invalid("storage.index %q: want none, memory, sqlite or postgres", c.Storage.Index)
	}

	if c.HTTP.Addr == "" {
		return invalid("http.addr cannot be empty")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return invalid("nats.url cannot be empty when nats is enabled")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
