package schema

import "testing"

func TestNormalizeServiceConfigDefaults(t *testing.T) {
	cfg, err := NormalizeServiceConfig(ServiceConfig{DefaultHost: "mainframe.example"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Namespace != DefaultNamespace {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	if cfg.DefaultPort != DefaultTerminalPort {
		t.Fatalf("port = %d", cfg.DefaultPort)
	}
	if cfg.MaxSessions != DefaultMaxSessions {
		t.Fatalf("max sessions = %d", cfg.MaxSessions)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.ConnectWait != DefaultConnectWait {
		t.Fatalf("timing = %v/%v", cfg.PollInterval, cfg.ConnectWait)
	}
	if cfg.ASTWorkers != DefaultASTWorkers {
		t.Fatalf("workers = %d", cfg.ASTWorkers)
	}
}

func TestNormalizeServiceConfigRequiresHost(t *testing.T) {
	if _, err := NormalizeServiceConfig(ServiceConfig{}); err == nil {
		t.Fatal("missing host accepted")
	}
}

func TestNormalizeServiceConfigKeepsOverrides(t *testing.T) {
	cfg, err := NormalizeServiceConfig(ServiceConfig{
		Namespace:   "gw",
		DefaultHost: "mainframe.example",
		DefaultPort: 992,
		MaxSessions: 3,
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Namespace != "gw" || cfg.DefaultPort != 992 || cfg.MaxSessions != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
