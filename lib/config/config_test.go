// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "garrison.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "admin_token: hunter2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:8400" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.Lifecycle.StaleAfter != 2*time.Hour {
		t.Errorf("StaleAfter = %v, want 2h", cfg.Lifecycle.StaleAfter)
	}
	if cfg.Lifecycle.RevertCooldown != 5*time.Minute {
		t.Errorf("RevertCooldown = %v, want 5m", cfg.Lifecycle.RevertCooldown)
	}
	if cfg.Lifecycle.PortMin != 30000 || cfg.Lifecycle.PortMax != 60000 {
		t.Errorf("port range = [%d, %d], want [30000, 60000]", cfg.Lifecycle.PortMin, cfg.Lifecycle.PortMax)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
admin_token: hunter2
listen: ":9000"
lifecycle:
  stale_after: 1h
  revert_cooldown: 90s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Listen)
	}
	if cfg.Lifecycle.StaleAfter != time.Hour {
		t.Errorf("StaleAfter = %v, want 1h", cfg.Lifecycle.StaleAfter)
	}
	if cfg.Lifecycle.RevertCooldown != 90*time.Second {
		t.Errorf("RevertCooldown = %v, want 90s", cfg.Lifecycle.RevertCooldown)
	}
	// Untouched sections keep their defaults.
	if cfg.Lifecycle.PortMax != 60000 {
		t.Errorf("PortMax = %d, want 60000", cfg.Lifecycle.PortMax)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing admin token", "listen: \":9000\"\n"},
		{"half tls pair", "admin_token: x\ntls_cert: /etc/cert.pem\n"},
		{"inverted port range", "admin_token: x\nlifecycle:\n  port_min: 50000\n  port_max: 40000\n"},
		{"zero cooldown", "admin_token: x\nlifecycle:\n  revert_cooldown: 0s\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("Load succeeded, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}
