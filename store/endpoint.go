// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/garrison-ctf/garrison/fault"
)

// GetEndpointConfig returns the orchestration endpoint configuration.
// Returns a not-found fault if no endpoint has been configured yet.
func (s *Store) GetEndpointConfig(ctx context.Context) (EndpointConfig, error) {
	conn, err := s.take(ctx, "get endpoint config")
	if err != nil {
		return EndpointConfig{}, err
	}
	defer s.pool.Put(conn)

	var cfg EndpointConfig
	found := false
	err = sqlitex.Execute(conn, `
		SELECT address, tls_enabled, ca_cert, client_cert,
		       sealed_client_key, image_allowlist
		FROM endpoint_config WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				cfg.Address = stmt.ColumnText(0)
				cfg.TLSEnabled = stmt.ColumnInt(1) != 0
				cfg.CACert = stmt.ColumnText(2)
				cfg.ClientCert = stmt.ColumnText(3)
				cfg.SealedClientKey = stmt.ColumnText(4)
				cfg.ImageAllowlist = splitAllowlist(stmt.ColumnText(5))
				return nil
			},
		})
	if err != nil {
		return EndpointConfig{}, fmt.Errorf("store: get endpoint config: %w", err)
	}
	if !found {
		return EndpointConfig{}, fault.NotFoundf("orchestration endpoint is not configured")
	}
	return cfg, nil
}

// SetEndpointConfig replaces the orchestration endpoint configuration.
func (s *Store) SetEndpointConfig(ctx context.Context, cfg EndpointConfig) error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fault.Validationf("endpoint address must not be empty")
	}
	if cfg.TLSEnabled {
		if cfg.CACert == "" || cfg.ClientCert == "" || cfg.SealedClientKey == "" {
			return fault.Validationf("TLS endpoint requires CA certificate, client certificate, and sealed client key")
		}
	}

	conn, err := s.take(ctx, "set endpoint config")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO endpoint_config
			(id, address, tls_enabled, ca_cert, client_cert,
			 sealed_client_key, image_allowlist)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			tls_enabled = excluded.tls_enabled,
			ca_cert = excluded.ca_cert,
			client_cert = excluded.client_cert,
			sealed_client_key = excluded.sealed_client_key,
			image_allowlist = excluded.image_allowlist`,
		&sqlitex.ExecOptions{
			Args: []any{
				cfg.Address,
				boolToInt(cfg.TLSEnabled),
				cfg.CACert,
				cfg.ClientCert,
				cfg.SealedClientKey,
				joinAllowlist(cfg.ImageAllowlist),
			},
		})
	if err != nil {
		return fmt.Errorf("store: set endpoint config: %w", err)
	}
	return nil
}

func splitAllowlist(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func joinAllowlist(repos []string) string {
	trimmed := make([]string, 0, len(repos))
	for _, repo := range repos {
		repo = strings.TrimSpace(repo)
		if repo != "" {
			trimmed = append(trimmed, repo)
		}
	}
	return strings.Join(trimmed, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
