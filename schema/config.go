package schema

import (
	"errors"
	"time"
)

// Fixed IBM-3278-4-E geometry. The gateway always negotiates this model
// regardless of client screen size.
const (
	ScreenRows = 43
	ScreenCols = 80
)

// ServiceConfig defines defaults and limits for the session manager.
type ServiceConfig struct {
	// Namespace prefixes all bus channel names.
	Namespace string
	// DefaultHost and DefaultPort locate the 3270 host when a session
	// create request carries no target.
	DefaultHost string
	DefaultPort int
	// Secure enables TLS on the terminal connection.
	Secure bool
	// MaxSessions caps concurrent sessions.
	MaxSessions int
	// PollInterval bounds each update-loop wait on the terminal engine.
	PollInterval time.Duration
	// ConnectWait bounds the wait for the initial screen after connect.
	ConnectWait time.Duration
	// ASTWorkers bounds the worker pool for parallel AST execution.
	ASTWorkers int
}

// Defaults for ServiceConfig fields left zero.
const (
	DefaultNamespace    = "tn3270"
	DefaultTerminalPort = 3270
	DefaultMaxSessions  = 10
	DefaultPollInterval = 100 * time.Millisecond
	DefaultConnectWait  = 2 * time.Second
	DefaultASTWorkers   = 10
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.DefaultHost == "" {
		return ServiceConfig{}, errors.New("terminal host is required")
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = DefaultTerminalPort
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = DefaultConnectWait
	}
	if cfg.ASTWorkers <= 0 {
		cfg.ASTWorkers = DefaultASTWorkers
	}
	return cfg, nil
}
