// Package config loads the daemon's TOML configuration file into a typed,
// process-wide singleton, mirroring the sub-struct-per-concern layout and
// default-filling idiom used throughout this codebase's configuration layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
)

var (
	instance *Config
	once     sync.Once
)

// ERPConfig describes how to reach the source ERP (Firebird).
type ERPConfig struct {
	Target   string `toml:"target"` // "Farmax" | "CDS" | "filewatch"
	Host     string `toml:"host"`
	File     string `toml:"file"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	// WatchPath is only used when Target == "filewatch".
	WatchPath string `toml:"watchPath"`

	IngestPollIntervalMs int `toml:"ingestPollIntervalMs"` // default 5000
	StatusPollIntervalMs int `toml:"statusPollIntervalMs"` // default 60000
	StatusBatchSize      int `toml:"statusBatchSize"`      // default 50
	DetailRetryAttempts  int `toml:"detailRetryAttempts"`  // default 3
	DetailRetryBaseMs    int `toml:"detailRetryBaseMs"`    // default 2000
}

// CloudConfig describes the remote delivery-management cloud endpoint.
type CloudConfig struct {
	Server            string  `toml:"server"`
	WebsocketServer   string  `toml:"websocketServer"`
	IntegrationName   string  `toml:"integrationName"`
	UseNeighbourhood  bool    `toml:"useNeighbourhood"`
	UseSSL            bool    `toml:"useSSL"`
	TimeoutSeconds    float64 `toml:"timeoutSeconds"`
	RetryBaseMs       int     `toml:"retryBaseMs"`       // default 1000
	RetryMaxAttempts  int     `toml:"retryMaxAttempts"`  // default 3
}

// AuthConfig describes the OAuth/JWT device-flow parameters consumed by the
// token provider (the device-code screen itself is out of scope).
type AuthConfig struct {
	Domain   string `toml:"domain"`
	ClientID string `toml:"clientId"`
	Scope    string `toml:"scope"`
	Audience string `toml:"audience"`

	TokenStorePath      string `toml:"tokenStorePath"`
	RefreshBufferSeconds int   `toml:"refreshBufferSeconds"` // default 60
}

// ReconciliationConfig controls the periodic reconciler and retry-time
// reconciliation lookups performed by the dispatcher.
type ReconciliationConfig struct {
	Enabled bool `toml:"enabled"`

	SyncIntervalMs  int     `toml:"syncIntervalMs"`  // default 60000, min 1000
	CooldownSeconds float64 `toml:"cooldownSeconds"` // default 45

	RetryReconciliationEnabled         bool    `toml:"retryReconciliationEnabled"`
	RetryReconciliationDelaySeconds    float64 `toml:"retryReconciliationDelaySeconds"`    // 3.0 when negative; an absent key decodes as 0 (no delay)
	RetryReconciliationMaxAttempts     int     `toml:"retryReconciliationMaxAttempts"`     // default 2, range [1,5]
	RetryReconciliationTimeWindowSecs  float64 `toml:"retryReconciliationTimeWindowSeconds"` // default 300, min 60
}

// SQLiteConfig describes the local persistence database.
type SQLiteConfig struct {
	Path string `toml:"path"` // default "./velidesync.db"
}

// RetentionConfig controls the tracking-store sweeper.
type RetentionConfig struct {
	TerminalRecordDays int `toml:"terminalRecordDays"` // default 30
	SweepIntervalHours int `toml:"sweepIntervalHours"` // default 6
}

// LogConfig mirrors this codebase's usual log-tuning knobs.
type LogConfig struct {
	Level            string `toml:"level"`            // debug|info|warn|error
	Environment      string `toml:"environment"`       // dev|prod|container
	LogRootDir       string `toml:"logRootDir"`
	EnableStacktrace bool   `toml:"enableStacktrace"`
}

// RedisConfig describes an optional shared Redis instance backing the
// distributed cursor store. Entirely optional;
// a single-instance deployment leaves this unconfigured and falls back to
// file-based local state.
type RedisConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Password string `toml:"password"`
	DB      int    `toml:"db"`

	UseSentinel      bool     `toml:"useSentinel"`
	SentinelAddrs    []string `toml:"sentinelAddrs"`
	MasterName       string   `toml:"masterName"`
	SentinelPassword string   `toml:"sentinelPassword"`

	KeyPrefix       string `toml:"keyPrefix"`
	LeaseTTLSeconds int    `toml:"leaseTTLSeconds"` // default 15
}

// MetricsConfig describes the internal health/metrics HTTP listener.
type MetricsConfig struct {
	HTTPAddr string `toml:"httpAddr"` // default ":9108"
}

// Config is the root configuration object, decoded from a single TOML file.
type Config struct {
	Environment string `toml:"environment"`
	LockFile    string `toml:"lockFile"` // default "./velidesync.lock"

	ERP            ERPConfig            `toml:"erp"`
	Cloud          CloudConfig          `toml:"cloud"`
	Auth           AuthConfig           `toml:"auth"`
	Reconciliation ReconciliationConfig `toml:"reconciliation"`
	SQLite         SQLiteConfig         `toml:"sqlite"`
	Retention      RetentionConfig      `toml:"retention"`
	Log            LogConfig            `toml:"log"`
	Redis          RedisConfig          `toml:"redis"`
	Metrics        MetricsConfig        `toml:"metrics"`
}

// GetInstance returns the process-wide config, loading it from the default
// path on first use. Panics on load failure, matching this codebase's own
// config singleton (a daemon cannot run without valid configuration).
func GetInstance() *Config {
	once.Do(func() {
		var err error
		instance, err = Load(defaultConfigPath())
		if err != nil {
			panic(err.Error())
		}
	})
	return instance
}

// SetInstanceForTest installs a pre-built config as the singleton, bypassing
// file I/O. Intended for tests only.
func SetInstanceForTest(c *Config) {
	once.Do(func() {})
	instance = c
}

func defaultConfigPath() string {
	if p := os.Getenv("VELIDESYNC_CONFIG"); p != "" {
		return p
	}
	return "/etc/velidesync/config.toml"
}

// Load reads and decodes the TOML file at path, filling in defaults for any
// unset field.
func Load(path string) (*Config, error) {
	if len(path) == 0 {
		return nil, errors.New("config file path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	conf := &Config{}
	if _, err := toml.Decode(string(data), conf); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	conf.setDefaults()
	return conf, nil
}

func (c *Config) setDefaults() {
	if c.LockFile == "" {
		c.LockFile = "./velidesync.lock"
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}

	c.ERP.setDefaults()
	c.Cloud.setDefaults()
	c.Auth.setDefaults()
	c.Reconciliation.setDefaults()
	c.SQLite.setDefaults()
	c.Retention.setDefaults()
	c.Redis.setDefaults()
	c.Metrics.setDefaults()
}

func (e *ERPConfig) setDefaults() {
	if e.IngestPollIntervalMs <= 0 {
		e.IngestPollIntervalMs = 5000
	}
	if e.StatusPollIntervalMs <= 0 {
		e.StatusPollIntervalMs = 60000
	}
	if e.StatusBatchSize <= 0 {
		e.StatusBatchSize = 50
	}
	if e.DetailRetryAttempts <= 0 {
		e.DetailRetryAttempts = 3
	}
	if e.DetailRetryBaseMs <= 0 {
		e.DetailRetryBaseMs = 2000
	}
}

func (c *CloudConfig) setDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 15.0
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 1000
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	// UseSSL gets no default: TOML has no way to distinguish "absent" from
	// "false" for a bool without a pointer, so an absent key reads as false.
}

func (a *AuthConfig) setDefaults() {
	if a.TokenStorePath == "" {
		a.TokenStorePath = "./resources/token_store.json"
	}
	if a.RefreshBufferSeconds <= 0 {
		a.RefreshBufferSeconds = 60
	}
}

func (r *ReconciliationConfig) setDefaults() {
	if r.SyncIntervalMs <= 0 {
		r.SyncIntervalMs = 60_000
	}
	if r.SyncIntervalMs < 1000 {
		r.SyncIntervalMs = 1000
	}
	if r.CooldownSeconds <= 0 {
		r.CooldownSeconds = 45.0
	}
	if r.RetryReconciliationDelaySeconds < 0 {
		r.RetryReconciliationDelaySeconds = 3.0
	}
	if r.RetryReconciliationMaxAttempts <= 0 {
		r.RetryReconciliationMaxAttempts = 2
	}
	if r.RetryReconciliationMaxAttempts > 5 {
		r.RetryReconciliationMaxAttempts = 5
	}
	if r.RetryReconciliationTimeWindowSecs <= 0 {
		r.RetryReconciliationTimeWindowSecs = 300.0
	}
	if r.RetryReconciliationTimeWindowSecs < 60 {
		r.RetryReconciliationTimeWindowSecs = 60.0
	}
}

func (s *SQLiteConfig) setDefaults() {
	if s.Path == "" {
		s.Path = "./velidesync.db"
	}
}

func (r *RetentionConfig) setDefaults() {
	if r.TerminalRecordDays <= 0 {
		r.TerminalRecordDays = 30
	}
	if r.SweepIntervalHours <= 0 {
		r.SweepIntervalHours = 6
	}
}

func (r *RedisConfig) setDefaults() {
	if r.DB < 0 {
		r.DB = 0
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = "velidesync"
	}
	if r.LeaseTTLSeconds <= 0 {
		r.LeaseTTLSeconds = 15
	}
}

func (m *MetricsConfig) setDefaults() {
	if m.HTTPAddr == "" {
		m.HTTPAddr = ":9108"
	}
}
