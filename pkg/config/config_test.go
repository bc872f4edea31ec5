package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CIDS_JWT_SECRET", "test-secret")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Discovery.Timeout != 10*time.Second {
		t.Errorf("Expected 10s discovery timeout, got %s", cfg.Discovery.Timeout)
	}
	if cfg.Auth.A2ATTL != 5*time.Minute {
		t.Errorf("Expected 5m A2A TTL, got %s", cfg.Auth.A2ATTL)
	}
	if cfg.Rotation.DefaultGraceHours != 24 {
		t.Errorf("Expected 24h default grace, got %d", cfg.Rotation.DefaultGraceHours)
	}
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("CIDS_JWT_SECRET", "")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected validation error without JWT secret")
	}
}

func TestLoadConfig_A2ATTLBounds(t *testing.T) {
	t.Setenv("CIDS_JWT_SECRET", "test-secret")
	t.Setenv("CIDS_A2A_TTL", "30m")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected validation error for A2A TTL outside 5-10 minute bound")
	}

	t.Setenv("CIDS_A2A_TTL", "8m")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed for valid TTL: %v", err)
	}
	if cfg.Auth.A2ATTL != 8*time.Minute {
		t.Errorf("Expected 8m TTL, got %s", cfg.Auth.A2ATTL)
	}
}

func TestLoadConfig_SamePortsRejected(t *testing.T) {
	t.Setenv("CIDS_JWT_SECRET", "test-secret")
	t.Setenv("CIDS_PORT", "8080")
	t.Setenv("CIDS_HEALTH_PORT", "8080")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected validation error when server and health ports collide")
	}
}
