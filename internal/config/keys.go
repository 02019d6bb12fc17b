package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "WRENPROXY_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "WRENPROXY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "wren.base_url", typ: kString, env: "WRENPROXY_WREN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Wren.BaseURL = strings.TrimRight(v.(string), "/") },
		extract: func(cfg Config) any { return cfg.Wren.BaseURL },
	},
	{
		key: "wren.unary_timeout", typ: kDuration, env: "WRENPROXY_WREN_UNARY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Wren.UnaryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Wren.UnaryTimeout },
	},
	{
		key: "wren.validate_timeout", typ: kDuration, env: "WRENPROXY_WREN_VALIDATE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Wren.ValidateTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Wren.ValidateTimeout },
	},
	{
		key: "wren.stream_timeout", typ: kDuration, env: "WRENPROXY_WREN_STREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Wren.StreamTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Wren.StreamTimeout },
	},
	{
		key: "cors.allowed_origins", typ: kString, env: "WRENPROXY_CORS_ALLOWED_ORIGINS",
		apply: func(cfg *Config, v any) {
			if origins := splitOrigins(v.(string)); len(origins) > 0 {
				cfg.CORS.AllowedOrigins = origins
			}
		},
		extract: func(cfg Config) any { return strings.Join(cfg.CORS.AllowedOrigins, ",") },
	},
	{
		key: "log.level", typ: kString, env: "WRENPROXY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "WRENPROXY_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "WRENPROXY_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
}

// parseValue converts raw into the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (s.typ != kString && raw == "") {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
