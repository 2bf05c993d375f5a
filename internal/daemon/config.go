// Package daemon loads configuration and wires the store, reconciler,
// transfer engine, notification hub and HTTP server into one process.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/karmic-network/karmic/internal/app/reconcile"
	"github.com/karmic-network/karmic/internal/app/transfer"
	"github.com/karmic-network/karmic/internal/infra/errlog"
	"github.com/karmic-network/karmic/internal/infra/notify"
	"github.com/karmic-network/karmic/internal/infra/observability"
)

// Config is the on-disk configuration. Durations are strings ("1m", "15s").
type Config struct {
	API       APIConfig       `toml:"api" yaml:"api"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Accrual   AccrualConfig   `toml:"accrual" yaml:"accrual"`
	Reconcile ReconcileConfig `toml:"reconcile" yaml:"reconcile"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Transfer  TransferConfig  `toml:"transfer" yaml:"transfer"`
	ErrLog    ErrLogConfig    `toml:"errlog" yaml:"errlog"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `toml:"tracing" yaml:"tracing"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// APIConfig is the HTTP listener.
type APIConfig struct {
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"`
}

// StoreConfig locates the SQLite database. Empty Dir means $KARMIC_HOME/data.
type StoreConfig struct {
	Dir string `toml:"dir" yaml:"dir"`
}

// AccrualConfig seeds the global metrics the first time the store is
// opened. Afterwards the stored values win; change them with
// `karmic metrics set`.
type AccrualConfig struct {
	ProgramStart         string  `toml:"program_start" yaml:"program_start"` // RFC 3339; empty = first start
	AccrualRatePerMinute float64 `toml:"accrual_rate_per_minute" yaml:"accrual_rate_per_minute"`
	DecayRatePerMinute   float64 `toml:"decay_rate_per_minute" yaml:"decay_rate_per_minute"`
}

// ReconcileConfig tunes the reconciliation cycle.
type ReconcileConfig struct {
	Interval           string `toml:"interval" yaml:"interval"`
	BatchSize          int    `toml:"batch_size" yaml:"batch_size"`
	CatchUpConcurrency int    `toml:"catch_up_concurrency" yaml:"catch_up_concurrency"`
}

// NotifyConfig tunes the live balance feed.
type NotifyConfig struct {
	RepeatInterval string `toml:"repeat_interval" yaml:"repeat_interval"` // "0s" disables repeats
	Buffer         int    `toml:"buffer" yaml:"buffer"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
}

// ErrLogConfig configures error reporting.
type ErrLogConfig struct {
	WebhookURL string `toml:"webhook_url" yaml:"webhook_url"`
	Timeout    string `toml:"timeout" yaml:"timeout"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// TracingConfig configures the in-process span ring.
type TracingConfig struct {
	Enabled  bool `toml:"enabled" yaml:"enabled"`
	MaxSpans int  `toml:"max_spans" yaml:"max_spans"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // text, json
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Accrual: AccrualConfig{
			AccrualRatePerMinute: 0.01,
			DecayRatePerMinute:   0.005,
		},
		Reconcile: ReconcileConfig{
			Interval:           "1m",
			BatchSize:          reconcile.MaxBatchSize,
			CatchUpConcurrency: 4,
		},
		Notify: NotifyConfig{
			RepeatInterval: "15s",
			Buffer:         32,
		},
		Transfer: TransferConfig{
			MaxAttempts: 3,
		},
		ErrLog: ErrLogConfig{
			Timeout: "5s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  true,
			MaxSpans: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ─── Paths ──────────────────────────────────────────────────────────────────

// Home returns $KARMIC_HOME, or ~/.karmic.
func Home() string {
	if h := os.Getenv("KARMIC_HOME"); h != "" {
		return h
	}
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".karmic")
	}
	return ".karmic"
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(Home(), "config.toml")
}

// DataDir resolves the store directory.
func (c Config) DataDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return filepath.Join(Home(), "data")
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// ─── Load / Save ────────────────────────────────────────────────────────────

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults. Files ending in .yaml or .yml are YAML; anything else is TOML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		_, err = toml.Decode(string(data), &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	if isYAML(path) {
		out, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = out
	} else {
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = []byte(b.String())
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ─── Validation ─────────────────────────────────────────────────────────────

// Validate checks every section and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.API.Port > 0 && c.API.Port <= 65535, "api.port must be 1..65535, got %d", c.API.Port)

	if c.Accrual.ProgramStart != "" {
		_, err := time.Parse(time.RFC3339, c.Accrual.ProgramStart)
		check(err == nil, "accrual.program_start must be RFC 3339: %v", err)
	}
	check(c.Accrual.AccrualRatePerMinute >= 0, "accrual.accrual_rate_per_minute must be >= 0")
	check(c.Accrual.DecayRatePerMinute >= 0, "accrual.decay_rate_per_minute must be >= 0")

	if d, err := time.ParseDuration(c.Reconcile.Interval); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.interval must be a positive duration, got %q", c.Reconcile.Interval))
	}
	check(c.Reconcile.BatchSize >= 1 && c.Reconcile.BatchSize <= reconcile.MaxBatchSize,
		"reconcile.batch_size must be 1..%d, got %d", reconcile.MaxBatchSize, c.Reconcile.BatchSize)
	check(c.Reconcile.CatchUpConcurrency >= 1, "reconcile.catch_up_concurrency must be >= 1")

	if d, err := time.ParseDuration(c.Notify.RepeatInterval); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("notify.repeat_interval must be a duration >= 0, got %q", c.Notify.RepeatInterval))
	}
	check(c.Notify.Buffer >= 1, "notify.buffer must be >= 1")
	check(c.Transfer.MaxAttempts >= 1, "transfer.max_attempts must be >= 1")

	if c.ErrLog.WebhookURL != "" {
		u, err := url.Parse(c.ErrLog.WebhookURL)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"errlog.webhook_url must be an http(s) URL")
	}
	if d, err := time.ParseDuration(c.ErrLog.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("errlog.timeout must be a positive duration, got %q", c.ErrLog.Timeout))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug|info|warn|error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text|json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ─── Component Configs ──────────────────────────────────────────────────────

// ProgramStart returns the configured program start, or zero time.
func (c Config) ProgramStart() time.Time {
	t, _ := time.Parse(time.RFC3339, c.Accrual.ProgramStart)
	return t
}

func (c Config) reconcileConfig() reconcile.Config {
	interval, _ := time.ParseDuration(c.Reconcile.Interval)
	return reconcile.Config{
		Interval:           interval,
		BatchSize:          c.Reconcile.BatchSize,
		CatchUpConcurrency: c.Reconcile.CatchUpConcurrency,
	}
}

func (c Config) notifyConfig() notify.Config {
	repeat, _ := time.ParseDuration(c.Notify.RepeatInterval)
	return notify.Config{RepeatInterval: repeat, Buffer: c.Notify.Buffer}
}

func (c Config) transferConfig() transfer.Config {
	return transfer.Config{MaxAttempts: c.Transfer.MaxAttempts}
}

func (c Config) errlogConfig() errlog.Config {
	timeout, _ := time.ParseDuration(c.ErrLog.Timeout)
	return errlog.Config{WebhookURL: c.ErrLog.WebhookURL, Timeout: timeout}
}

func (c Config) tracerConfig() observability.TracerConfig {
	return observability.TracerConfig{Enabled: c.Tracing.Enabled, MaxSpans: c.Tracing.MaxSpans}
}

// NewLogger builds the process logger from the [log] section.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
