package appconfig

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("config_version = %d", cfg.ConfigVersion)
	}
	if cfg.Bus.Namespace != "tn3270" {
		t.Fatalf("namespace = %q", cfg.Bus.Namespace)
	}
	if cfg.Terminal.Port != 3270 || cfg.Terminal.Binary != "s3270" {
		t.Fatalf("terminal = %+v", cfg.Terminal)
	}
	if cfg.Records.Encrypt {
		t.Fatal("record encryption must default off")
	}
}
