package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/tngate/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Bus           BusConfig      `mapstructure:"bus" yaml:"bus"`
	Terminal      TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Service       ServiceConfig  `mapstructure:"service" yaml:"service"`
	Records       RecordsConfig  `mapstructure:"records" yaml:"records"`
	Console       ConsoleConfig  `mapstructure:"console" yaml:"console"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BusConfig controls message bus channel naming.
type BusConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// TerminalConfig locates the 3270 host and the emulator binary.
type TerminalConfig struct {
	Host               string   `mapstructure:"host" yaml:"host"`
	Port               int      `mapstructure:"port" yaml:"port"`
	Secure             bool     `mapstructure:"secure" yaml:"secure"`
	Binary             string   `mapstructure:"binary" yaml:"binary"`
	ExtraArgs          []string `mapstructure:"extra_args" yaml:"extra_args"`
	Model              string   `mapstructure:"model" yaml:"model"`
	ConnectWaitSeconds int      `mapstructure:"connect_wait_seconds" yaml:"connect_wait_seconds"`
	PollIntervalMs     int      `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// ServiceConfig controls session manager limits.
type ServiceConfig struct {
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`
	ASTWorkers  int `mapstructure:"ast_workers" yaml:"ast_workers"`
}

// RecordsConfig controls AST execution history storage.
type RecordsConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	Encrypt      bool   `mapstructure:"encrypt" yaml:"encrypt"`
	KeyStorePath string `mapstructure:"key_store_path" yaml:"key_store_path"`
}

// ConsoleConfig configures the SSH operator console. An empty Addr disables
// the console.
type ConsoleConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".tngate", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Bus: BusConfig{
			Namespace: schema.DefaultNamespace,
		},
		Terminal: TerminalConfig{
			Host:               "localhost",
			Port:               schema.DefaultTerminalPort,
			Secure:             false,
			Binary:             "s3270",
			ExtraArgs:          []string{},
			Model:              "3278-4-E",
			ConnectWaitSeconds: 2,
			PollIntervalMs:     100,
		},
		Service: ServiceConfig{
			MaxSessions: schema.DefaultMaxSessions,
			ASTWorkers:  schema.DefaultASTWorkers,
		},
		Records: RecordsConfig{
			Dir:          filepath.Join(stateDir, "records"),
			Encrypt:      false,
			KeyStorePath: filepath.Join(stateDir, "records.keys"),
		},
		Console: ConsoleConfig{
			Addr:               ":27423",
			HostKeyPath:        filepath.Join(home, ".tngate", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".tngate", "authorized_keys"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tngate", "config.yaml"), nil
}
