package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
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
		key: "server.port", typ: kInt, env: "OBRASYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "OBRASYNC_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "upstream.base_url", typ: kString, env: "OBRASYNC_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.timeout", typ: kString, env: "OBRASYNC_UPSTREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OBRASYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.quota_mb", typ: kInt, env: "OBRASYNC_STORAGE_QUOTA_MB",
		apply:   func(cfg *Config, v any) { cfg.Storage.QuotaMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.QuotaMB },
	},
	{
		key: "log.level", typ: kString, env: "OBRASYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "cache.core_version", typ: kString, env: "OBRASYNC_CACHE_CORE_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Cache.CoreVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.CoreVersion },
	},
	{
		key: "cache.obras_version", typ: kString, env: "OBRASYNC_CACHE_OBRAS_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Cache.ObrasVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.ObrasVersion },
	},
	{
		key: "cache.runtime_version", typ: kString, env: "OBRASYNC_CACHE_RUNTIME_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Cache.RuntimeVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RuntimeVersion },
	},
	{
		key: "cache.hot_entries", typ: kInt, env: "OBRASYNC_CACHE_HOT_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.HotEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.HotEntries },
	},
	{
		key: "precache.manifest", typ: kString, env: "OBRASYNC_PRECACHE_MANIFEST",
		apply:   func(cfg *Config, v any) { cfg.Precache.Manifest = v.(string) },
		extract: func(cfg Config) any { return cfg.Precache.Manifest },
	},
	{
		key: "network.fail_threshold", typ: kInt, env: "OBRASYNC_NETWORK_FAIL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Network.FailThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Network.FailThreshold },
	},
	{
		key: "network.forced_offline", typ: kString, env: "OBRASYNC_NETWORK_FORCED_OFFLINE",
		apply:   func(cfg *Config, v any) { cfg.Network.ForcedOffline = v.(string) },
		extract: func(cfg Config) any { return cfg.Network.ForcedOffline },
	},
	{
		key: "sync.interval", typ: kString, env: "OBRASYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "OBRASYNC_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.rate", typ: kFloat, env: "OBRASYNC_SYNC_RATE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Rate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Sync.Rate },
	},
	{
		key: "intercept.redirect", typ: kString, env: "OBRASYNC_INTERCEPT_REDIRECT",
		apply:   func(cfg *Config, v any) { cfg.Intercept.Redirect = v.(string) },
		extract: func(cfg Config) any { return cfg.Intercept.Redirect },
	},
}

// parse converts a raw string (environment variable, CLI argument) to the
// key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func (s keySpec) read(b ConfigBackend) (any, bool, error) {
	switch s.typ {
	case kInt:
		return b.GetInt(s.key)
	case kFloat:
		return b.GetFloat(s.key)
	case kBool:
		raw, ok, err := b.GetString(s.key)
		if !ok || err != nil || raw == "" {
			return nil, false, err
		}
		v, err := s.parse(raw)
		return v, true, err
	default:
		return b.GetString(s.key)
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := s.read(b)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
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
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
