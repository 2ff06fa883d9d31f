package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "service.base_url", typ: kString, env: "LINGUA_SERVICE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Service.BaseURL = strings.TrimRight(v.(string), "/") },
		extract: func(cfg Config) any { return cfg.Service.BaseURL },
	},
	{
		key: "store.base_url", typ: kString, env: "LINGUA_STORE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Store.BaseURL = strings.TrimRight(v.(string), "/") },
		extract: func(cfg Config) any { return cfg.Store.BaseURL },
	},
	{
		key: "store.listen_port", typ: kInt, env: "LINGUA_STORE_LISTEN_PORT",
		apply:   func(cfg *Config, v any) { cfg.Store.ListenPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.ListenPort },
	},
	{
		key: "store.token", typ: kString, env: "LINGUA_STORE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Store.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LINGUA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LINGUA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "http.timeout_seconds", typ: kInt, env: "LINGUA_HTTP_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.HTTP.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.HTTP.TimeoutSeconds },
	},
	{
		key: "settings.cache_ttl_seconds", typ: kInt, env: "LINGUA_SETTINGS_CACHE_TTL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Settings.CacheTTLSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Settings.CacheTTLSeconds },
	},
	{
		key: "identity.user_id", typ: kString, env: "LINGUA_USER_ID",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Identity.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.UserID },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("ignoring invalid integer in environment, using default", "env", s.env, "value", raw, "err", err)
			}
		}
	}
}
