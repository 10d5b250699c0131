package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for ratesd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	ParamsPath    string          `yaml:"params"`
	Audit         AuditConfig     `yaml:"audit"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Sources       []Source        `yaml:"sources"`
	Hook          HookConfig      `yaml:"hook"`
	Stream        StreamConfig    `yaml:"stream"`
}

// AuditConfig selects the audit database. A DSN starting with postgres:// or
// postgresql:// uses postgres; anything else is a sqlite path.
type AuditConfig struct {
	DSN      string `yaml:"dsn"`
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
	// AnonymousReads lets unauthenticated clients use the query endpoints.
	AnonymousReads bool `yaml:"anonymous_reads"`
}

// RateLimitConfig throttles requests per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Source describes an upstream input feed. Entities lists the identities it
// serves; an empty list makes it the fallback.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Entities []string          `yaml:"entities"`
	Input    string            `yaml:"input"`
	Error    string            `yaml:"error"`
	Target   string            `yaml:"target"`
	Timeout  Duration          `yaml:"timeout"`
}

// HookConfig points the pause hook at a webhook. An empty endpoint keeps the
// logging hook only.
type HookConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Secret   string   `yaml:"secret"`
	Timeout  Duration `yaml:"timeout"`
}

// StreamConfig sizes per-subscriber websocket buffers.
type StreamConfig struct {
	Buffer int `yaml:"buffer"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.ParamsPath == "" {
		cfg.ParamsPath = "ratecontrol.toml"
	}
	if cfg.Audit.DSN == "" && cfg.Audit.Path == "" {
		cfg.Audit.Path = "/var/data/ratesd.sqlite"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Hook.Timeout.Duration == 0 {
		cfg.Hook.Timeout.Duration = 5 * time.Second
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Timeout.Duration == 0 {
			cfg.Sources[i].Timeout.Duration = 10 * time.Second
		}
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	names := make(map[string]struct{}, len(cfg.Sources))
	fallbacks := 0
	for i, src := range cfg.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("sources[%d]: name required", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, name)
		}
		names[name] = struct{}{}
		switch strings.ToLower(strings.TrimSpace(src.Type)) {
		case "http":
			if strings.TrimSpace(src.Endpoint) == "" {
				return fmt.Errorf("source %s: endpoint required", name)
			}
		case "utilization":
			if strings.TrimSpace(src.Endpoint) == "" || strings.TrimSpace(src.Target) == "" {
				return fmt.Errorf("source %s: utilization sources need endpoint and target", name)
			}
		case "static":
			if strings.TrimSpace(src.Input) == "" || strings.TrimSpace(src.Error) == "" {
				return fmt.Errorf("source %s: static sources need input and error", name)
			}
		default:
			return fmt.Errorf("source %s: unknown type %q", name, src.Type)
		}
		if len(src.Entities) == 0 {
			fallbacks++
		}
	}
	if fallbacks > 1 {
		return fmt.Errorf("at most one source may omit entities")
	}
	return nil
}
