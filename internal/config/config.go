package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/studiobridge/internal/otel"
)

const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 58741
	DefaultLegacyPort   = 3002
	DefaultMaxBodyBytes = 50 << 20
)

// CORSConfig controls cross-origin access to the HTTP surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	LegacyPort   int    `yaml:"legacy_port"`
	BindAttempts int    `yaml:"bind_retries"`

	PromotionIntervalMS int `yaml:"promotion_interval_ms"`
	RequestTimeoutMS    int `yaml:"request_timeout_ms"`
	RedispatchWindowMS  int `yaml:"redispatch_window_ms"`
	ProxyTimeoutMS      int `yaml:"proxy_timeout_ms"`
	SweepIntervalMS     int `yaml:"sweep_interval_ms"`
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	PluginLivenessMS    int `yaml:"plugin_liveness_ms"`
	AgentLivenessMS     int `yaml:"agent_liveness_ms"`

	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	LogLevel     string `yaml:"log_level"`

	// ReadOnly exposes only operations that do not mutate the place.
	ReadOnly bool `yaml:"read_only"`

	// AllowOrigins is the origin allowlist for browser /events connections.
	AllowOrigins []string `yaml:"allow_origins"`

	CORS CORSConfig  `yaml:"cors"`
	OTel otel.Config `yaml:"otel"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Config) PromotionInterval() time.Duration { return ms(c.PromotionIntervalMS) }
func (c Config) RequestTimeout() time.Duration    { return ms(c.RequestTimeoutMS) }
func (c Config) RedispatchWindow() time.Duration  { return ms(c.RedispatchWindowMS) }
func (c Config) ProxyTimeout() time.Duration      { return ms(c.ProxyTimeoutMS) }
func (c Config) SweepInterval() time.Duration     { return ms(c.SweepIntervalMS) }
func (c Config) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMS) }
func (c Config) PluginLiveness() time.Duration    { return ms(c.PluginLivenessMS) }
func (c Config) AgentLiveness() time.Duration     { return ms(c.AgentLivenessMS) }

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that need a restart to
// change. The watcher compares fingerprints to warn about them.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|legacy=%d|bind=%d|promo=%d|timeout=%d|window=%d|proxy=%d|ro=%t",
		c.Host, c.Port, c.LegacyPort, c.BindAttempts, c.PromotionIntervalMS,
		c.RequestTimeoutMS, c.RedispatchWindowMS, c.ProxyTimeoutMS, c.ReadOnly)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Host:                DefaultHost,
		Port:                DefaultPort,
		LegacyPort:          DefaultLegacyPort,
		BindAttempts:        5,
		PromotionIntervalMS: 5000,
		RequestTimeoutMS:    60000,
		RedispatchWindowMS:  15000,
		ProxyTimeoutMS:      30000,
		SweepIntervalMS:     5000,
		HeartbeatIntervalMS: 5000,
		PluginLivenessMS:    10000,
		AgentLivenessMS:     15000,
		MaxBodyBytes:        DefaultMaxBodyBytes,
		LogLevel:            "info",
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STUDIOBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".studiobridge")
}

// Load reads <home>/config.yaml, applies environment overrides and fills
// defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create studiobridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.LegacyPort < 0 {
		cfg.LegacyPort = 0
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = def.BindAttempts
	}
	positive := []struct {
		v   *int
		def int
	}{
		{&cfg.PromotionIntervalMS, def.PromotionIntervalMS},
		{&cfg.RequestTimeoutMS, def.RequestTimeoutMS},
		{&cfg.RedispatchWindowMS, def.RedispatchWindowMS},
		{&cfg.ProxyTimeoutMS, def.ProxyTimeoutMS},
		{&cfg.SweepIntervalMS, def.SweepIntervalMS},
		{&cfg.HeartbeatIntervalMS, def.HeartbeatIntervalMS},
		{&cfg.PluginLivenessMS, def.PluginLivenessMS},
		{&cfg.AgentLivenessMS, def.AgentLivenessMS},
	}
	for _, p := range positive {
		if *p.v <= 0 {
			*p.v = p.def
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}

func validate(cfg Config) error {
	if cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.Port+cfg.BindAttempts-1 > 65535 {
		return fmt.Errorf("bind_retries %d overflows the port range from %d", cfg.BindAttempts, cfg.Port)
	}
	if cfg.LegacyPort > 65535 {
		return fmt.Errorf("legacy_port %d out of range", cfg.LegacyPort)
	}
	if cfg.RedispatchWindowMS >= cfg.RequestTimeoutMS {
		return fmt.Errorf("redispatch_window_ms (%d) must be shorter than request_timeout_ms (%d)",
			cfg.RedispatchWindowMS, cfg.RequestTimeoutMS)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ROBLOX_STUDIO_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("ROBLOX_STUDIO_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("ROBLOX_STUDIO_PROXY_PROMOTION_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PromotionIntervalMS = v
		}
	}
	if raw := os.Getenv("STUDIOBRIDGE_REDISPATCH_WINDOW_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RedispatchWindowMS = v
		}
	}
	if raw := os.Getenv("STUDIOBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
}
