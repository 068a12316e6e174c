package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("bus.namespace", cfg.Bus.Namespace)
	v.SetDefault("terminal.host", cfg.Terminal.Host)
	v.SetDefault("terminal.port", cfg.Terminal.Port)
	v.SetDefault("terminal.secure", cfg.Terminal.Secure)
	v.SetDefault("terminal.binary", cfg.Terminal.Binary)
	v.SetDefault("terminal.extra_args", cfg.Terminal.ExtraArgs)
	v.SetDefault("terminal.model", cfg.Terminal.Model)
	v.SetDefault("terminal.connect_wait_seconds", cfg.Terminal.ConnectWaitSeconds)
	v.SetDefault("terminal.poll_interval_ms", cfg.Terminal.PollIntervalMs)
	v.SetDefault("service.max_sessions", cfg.Service.MaxSessions)
	v.SetDefault("service.ast_workers", cfg.Service.ASTWorkers)
	v.SetDefault("records.dir", cfg.Records.Dir)
	v.SetDefault("records.encrypt", cfg.Records.Encrypt)
	v.SetDefault("records.key_store_path", cfg.Records.KeyStorePath)
	v.SetDefault("console.addr", cfg.Console.Addr)
	v.SetDefault("console.host_key_path", cfg.Console.HostKeyPath)
	v.SetDefault("console.authorized_keys_path", cfg.Console.AuthorizedKeysPath)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		// A missing config file means defaults.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Terminal.Host == "" {
		return fmt.Errorf("terminal.host must not be empty")
	}
	if cfg.Terminal.Port < 1 || cfg.Terminal.Port > 65535 {
		return fmt.Errorf("terminal.port %d out of range", cfg.Terminal.Port)
	}
	if cfg.Service.MaxSessions < 1 {
		return fmt.Errorf("service.max_sessions must be at least 1")
	}
	if cfg.Records.Encrypt && cfg.Records.KeyStorePath == "" {
		return fmt.Errorf("records.key_store_path is required when records.encrypt is set")
	}
	if cfg.Console.Addr != "" && cfg.Console.HostKeyPath == "" {
		return fmt.Errorf("console.host_key_path is required when the console is enabled")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Terminal.Binary = expandEnv(cfg.Terminal.Binary)
	cfg.Records.Dir = expandEnv(cfg.Records.Dir)
	cfg.Records.KeyStorePath = expandEnv(cfg.Records.KeyStorePath)
	cfg.Console.HostKeyPath = expandEnv(cfg.Console.HostKeyPath)
	cfg.Console.AuthorizedKeysPath = expandEnv(cfg.Console.AuthorizedKeysPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
