// Package config loads the replay server and exporter configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// WAYBACK_REPLAY_LISTEN_ADDR or WAYBACK_REPLAY_REWRITE_CSS_MODE.
const EnvPrefix = "WAYBACK_REPLAY"

// Target kinds.
const (
	TargetServe   = "serve"
	TargetWayback = "wayback"
)

// Config is the full configuration.
type Config struct {
	ListenAddr      string          `mapstructure:"listen_addr"`
	PublicURL       string          `mapstructure:"public_url"`
	Target          string          `mapstructure:"target"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	Logging         LoggingConfig   `mapstructure:"logging"`
	Rewrite         RewriteConfig   `mapstructure:"rewrite"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Archives        []ArchiveConfig `mapstructure:"archives"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RewriteConfig tunes the link rewriters.
type RewriteConfig struct {
	CSSMode        string   `mapstructure:"css_mode"` // stream or rules
	MaxBuffer      int      `mapstructure:"max_buffer"`
	Overlap        int      `mapstructure:"overlap"`
	ScriptDenylist []string `mapstructure:"script_denylist"`
	InjectScript   bool     `mapstructure:"inject_script"`
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// ArchiveConfig describes one archived site on disk.
type ArchiveConfig struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"base_url"`
	Directory  string `mapstructure:"directory"`
	PrettyPath bool   `mapstructure:"pretty_path"`
	// CDXFile is the manifest path, relative to Directory unless absolute.
	CDXFile string `mapstructure:"cdx_file"`
	// CSSMode overrides rewrite.css_mode for this archive.
	CSSMode string `mapstructure:"css_mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_url", "http://localhost:8080/")
	v.SetDefault("target", TargetServe)
	v.SetDefault("read_timeout", 15*time.Second)
	v.SetDefault("write_timeout", 60*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rewrite.css_mode", "stream")
	v.SetDefault("rewrite.max_buffer", 32768)
	v.SetDefault("rewrite.overlap", 2048)
	v.SetDefault("rewrite.script_denylist", []string{})
	v.SetDefault("rewrite.inject_script", false)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("public_url %q must be an http(s) URL", c.PublicURL))
	}
	if c.Target != TargetServe && c.Target != TargetWayback {
		errs = append(errs, fmt.Errorf("target must be %q or %q, got %q", TargetServe, TargetWayback, c.Target))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if err := validCSSMode(c.Rewrite.CSSMode); err != nil {
		errs = append(errs, fmt.Errorf("rewrite.css_mode: %w", err))
	}
	if c.Rewrite.MaxBuffer < 0 || c.Rewrite.Overlap < 0 {
		errs = append(errs, errors.New("rewrite.max_buffer and rewrite.overlap must not be negative"))
	}
	for _, pat := range c.Rewrite.ScriptDenylist {
		if _, err := regexp2.Compile(pat, regexp2.IgnoreCase); err != nil {
			errs = append(errs, fmt.Errorf("rewrite.script_denylist %q: %w", pat, err))
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}

	names := make(map[string]bool)
	for i, a := range c.Archives {
		if a.BaseURL == "" {
			errs = append(errs, fmt.Errorf("archives[%d]: base_url is required", i))
		}
		if a.Directory == "" {
			errs = append(errs, fmt.Errorf("archives[%d]: directory is required", i))
		}
		if a.CSSMode != "" {
			if err := validCSSMode(a.CSSMode); err != nil {
				errs = append(errs, fmt.Errorf("archives[%d].css_mode: %w", i, err))
			}
		}
		if a.Name != "" {
			if names[a.Name] {
				errs = append(errs, fmt.Errorf("archives[%d]: duplicate name %q", i, a.Name))
			}
			names[a.Name] = true
		}
	}
	return errors.Join(errs...)
}

func validCSSMode(m string) error {
	if m != "stream" && m != "rules" {
		return fmt.Errorf("must be stream or rules, got %q", m)
	}
	return nil
}
