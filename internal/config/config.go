package config

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Storage StorageConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type BackendConfig struct {
	BaseURL        string
	TimeoutSeconds int
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	RetentionDays int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Backend: BackendConfig{
			TimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			RetentionDays: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.wardsync.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/wardsync/config.json.
//
// Environment variables (WARDSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Backend.BaseURL == "" {
		return Config{}, errMissingBaseURL
	}

	return cfg, nil
}
