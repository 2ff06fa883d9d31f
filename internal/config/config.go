package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

const appName = "lingua"

type Config struct {
	Service  ServiceConfig
	Store    StoreConfig
	Storage  StorageConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Settings SettingsConfig
	Identity IdentityConfig
}

// ServiceConfig points at the step service that runs the workflow.
type ServiceConfig struct {
	BaseURL string
}

// StoreConfig points at the session store. ListenPort and Token are also
// used by `lingua store serve`.
type StoreConfig struct {
	BaseURL    string
	ListenPort int
	Token      string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type HTTPConfig struct {
	TimeoutSeconds int
}

type SettingsConfig struct {
	CacheTTLSeconds int
}

// IdentityConfig carries the bearer credential sent to both services.
type IdentityConfig struct {
	UserID string
}

func defaults() Config {
	return Config{
		Service: ServiceConfig{
			BaseURL: "http://localhost:8000",
		},
		Store: StoreConfig{
			BaseURL:    "http://localhost:5001/api",
			ListenPort: 5001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 60,
		},
		Settings: SettingsConfig{
			CacheTTLSeconds: 60,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.linguaworks.lingua) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/lingua/config.yaml
// and secrets live in $XDG_DATA_HOME/lingua/secrets.json.
//
// Environment variables (LINGUA_*) override backend values on all platforms.
// A missing identity is not an error; requests are then sent without
// credentials.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(appName, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("missing required config: service.base_url")
	}
	if c.Store.BaseURL == "" {
		return fmt.Errorf("missing required config: store.base_url")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive, got %d", c.HTTP.TimeoutSeconds)
	}
	if c.Store.ListenPort <= 0 || c.Store.ListenPort > 65535 {
		return fmt.Errorf("store.listen_port %d is out of range", c.Store.ListenPort)
	}
	return nil
}

// HTTPTimeout is the per-request timeout for both services.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SettingsTTL is how long cached analysis settings stay fresh. Zero disables
// caching.
func (c Config) SettingsTTL() time.Duration {
	if c.Settings.CacheTTLSeconds < 0 {
		return 0
	}
	return time.Duration(c.Settings.CacheTTLSeconds) * time.Second
}

// LogLevel maps log.level onto slog. Unknown values fall back to info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// DBPath is the SQLite database used by the local cache and the built-in
// store server.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "lingua.db")
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
