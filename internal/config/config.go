package config

import (
	"fmt"
	"net/url"
)

type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Storage   StorageConfig
	Log       LogConfig
	Cache     CacheConfig
	Precache  PrecacheConfig
	Network   NetworkConfig
	Sync      SyncConfig
	Intercept InterceptConfig
}

type ServerConfig struct {
	Port int
	// APIToken overrides the management token kept in the secret store.
	APIToken string
}

type UpstreamConfig struct {
	BaseURL string
	Timeout string
}

type StorageConfig struct {
	DataDir string
	QuotaMB int
}

type LogConfig struct {
	Level string
}

// CacheConfig carries the build version of each cache role. Changing a
// version installs a fresh namespace and purges the old one on activation.
type CacheConfig struct {
	CoreVersion    string
	ObrasVersion   string
	RuntimeVersion string
	HotEntries     int
}

type PrecacheConfig struct {
	Manifest string
}

type NetworkConfig struct {
	FailThreshold int
	ForcedOffline string
}

type SyncConfig struct {
	Interval    string
	MaxAttempts int
	Rate        float64
}

type InterceptConfig struct {
	Redirect string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Upstream: UpstreamConfig{
			Timeout: "8s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			QuotaMB: 512,
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			CoreVersion:    "v1",
			ObrasVersion:   "v1",
			RuntimeVersion: "v1",
			HotEntries:     512,
		},
		Network: NetworkConfig{
			FailThreshold: 2,
			ForcedOffline: "30s",
		},
		Sync: SyncConfig{
			Interval:    "1m",
			MaxAttempts: 8,
			Rate:        2,
		},
		Intercept: InterceptConfig{
			Redirect: "/relatorios?offline=1",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.obrasync.agent).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/obrasync/config.json.
//
// Environment variables (OBRASYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Upstream.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: upstream.base_url. " +
			"Set it with `obrasync config set upstream.base_url https://app.example.com` " +
			"or the environment variable OBRASYNC_UPSTREAM_BASE_URL")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid upstream.base_url %q: must be an absolute http(s) URL", cfg.Upstream.BaseURL)
	}

	return cfg, nil
}
