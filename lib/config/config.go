// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides service configuration loading for the
// Garrison daemon.
//
// Configuration is loaded from a single YAML file passed via --config.
// There are no fallbacks or automatic discovery — this keeps
// deployments deterministic and auditable.
//
// This file configures the daemon itself (where it listens, where its
// database lives, lifecycle tunables). The orchestration endpoint
// configuration — address, transport security, credential material,
// image allowlist — is data, stored in the database and editable at
// runtime through the admin API.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the Garrison service configuration.
type Config struct {
	// Listen is the TCP listen address for the HTTP API,
	// e.g. "127.0.0.1:8400".
	Listen string `yaml:"listen"`

	// TLSCert and TLSKey are optional PEM file paths for serving the
	// API over TLS. When unset, the daemon serves plain HTTP and
	// relies on a fronting proxy (X-Forwarded-Proto) for the
	// inbound-leg encryption judgment.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// AdminToken guards the administrative routes. Required.
	AdminToken string `yaml:"admin_token"`

	// Database is the path to the SQLite database file.
	Database string `yaml:"database"`

	// DeploymentKey is the path to the age identity file used to
	// unseal the orchestrator client key. Required only when the
	// orchestration endpoint uses mutual TLS.
	DeploymentKey string `yaml:"deployment_key"`

	// Lifecycle holds the sandbox lifecycle tunables.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

// LifecycleConfig holds sandbox lifecycle tunables. The defaults match
// the platform's long-standing behavior: two-hour staleness, five-
// minute revert cooldown, ports drawn from [30000, 60000].
type LifecycleConfig struct {
	// StaleAfter is the age past which an instance is reclaimed.
	StaleAfter time.Duration `yaml:"stale_after"`

	// RevertCooldown is the minimum instance age before the owning
	// participant may revert it.
	RevertCooldown time.Duration `yaml:"revert_cooldown"`

	// PortMin and PortMax bound the host port assignment range,
	// inclusive.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	// RequestTimeout bounds each orchestrator API call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SweepInterval is the period of the background system-wide
	// stale-instance sweep. Zero disables the sweep; per-request
	// cleanup alone is sufficient for correctness.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration defaults applied before the YAML
// file is decoded over them.
func Default() Config {
	return Config{
		Listen:   "127.0.0.1:8400",
		Database: "garrison.db",
		Lifecycle: LifecycleConfig{
			StaleAfter:     2 * time.Hour,
			RevertCooldown: 5 * time.Minute,
			PortMin:        30000,
			PortMax:        60000,
			RequestTimeout: 20 * time.Second,
			SweepInterval:  10 * time.Minute,
		},
	}
}

// Load reads and validates the configuration file at path. Unset
// fields take their defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("admin_token is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}

	lc := c.Lifecycle
	if lc.StaleAfter <= 0 {
		return fmt.Errorf("lifecycle.stale_after must be positive")
	}
	if lc.RevertCooldown <= 0 {
		return fmt.Errorf("lifecycle.revert_cooldown must be positive")
	}
	if lc.PortMin < 1 || lc.PortMax > 65535 || lc.PortMin > lc.PortMax {
		return fmt.Errorf("lifecycle port range [%d, %d] is invalid", lc.PortMin, lc.PortMax)
	}
	if lc.RequestTimeout <= 0 {
		return fmt.Errorf("lifecycle.request_timeout must be positive")
	}
	if lc.SweepInterval < 0 {
		return fmt.Errorf("lifecycle.sweep_interval must not be negative")
	}
	return nil
}
