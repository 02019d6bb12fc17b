package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/wrenproxy/internal/wren"
)

type Config struct {
	Server  ServerConfig
	Wren    WrenConfig
	CORS    CORSConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type WrenConfig struct {
	BaseURL         string
	UnaryTimeout    time.Duration
	ValidateTimeout time.Duration
	StreamTimeout   time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Wren: WrenConfig{
			BaseURL:         wren.DefaultBaseURL,
			UnaryTimeout:    wren.DefaultUnaryTimeout,
			ValidateTimeout: wren.DefaultValidateTimeout,
			StreamTimeout:   wren.DefaultStreamTimeout,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/wrenproxy/config.json, then applies WRENPROXY_*
// environment variable overrides.
//
// Nothing secret lives here: Wren API keys arrive with every request.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d is out of range", c.Server.Port)
	}

	u, err := url.Parse(c.Wren.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid config: wren.base_url %q must be an absolute http(s) URL", c.Wren.BaseURL)
	}

	for key, d := range map[string]time.Duration{
		"wren.unary_timeout":    c.Wren.UnaryTimeout,
		"wren.validate_timeout": c.Wren.ValidateTimeout,
		"wren.stream_timeout":   c.Wren.StreamTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %s", key, d)
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid config: log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// splitOrigins parses a comma-separated CORS origin list.
func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
