package postgres

import "testing"

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("expected auto migrate by default")
	}
}

func TestConfigValidateRejectsSinglePooledConnection(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "1")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "1")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for a single connection pool")
	}
}
