// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/garrison-ctf/garrison/fault"
)

// InsertSecret records a secret created on the orchestration
// endpoint. Returns a conflict fault if the name or orchestrator id
// is already recorded.
func (s *Store) InsertSecret(ctx context.Context, secret Secret) error {
	if secret.ID == "" {
		return fault.Validationf("secret id must not be empty")
	}
	if secret.Name == "" {
		return fault.Validationf("secret name must not be empty")
	}

	conn, err := s.take(ctx, "insert secret")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO secrets (orchestrator_id, name, protected) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{secret.ID, secret.Name, boolToInt(secret.Protected)},
		})
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("secret %q already exists", secret.Name)
		}
		return fmt.Errorf("store: insert secret: %w", err)
	}
	return nil
}

// GetSecret returns the secret record with the given orchestrator id,
// or a not-found fault.
func (s *Store) GetSecret(ctx context.Context, id string) (Secret, error) {
	conn, err := s.take(ctx, "get secret")
	if err != nil {
		return Secret{}, err
	}
	defer s.pool.Put(conn)

	var secret Secret
	found := false
	err = sqlitex.Execute(conn,
		`SELECT orchestrator_id, name, protected FROM secrets WHERE orchestrator_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				secret = scanSecret(stmt)
				return nil
			},
		})
	if err != nil {
		return Secret{}, fmt.Errorf("store: get secret: %w", err)
	}
	if !found {
		return Secret{}, fault.NotFoundf("secret %s not found", id)
	}
	return secret, nil
}

// ListSecrets returns all recorded secrets ordered by name.
func (s *Store) ListSecrets(ctx context.Context) ([]Secret, error) {
	conn, err := s.take(ctx, "list secrets")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var secrets []Secret
	err = sqlitex.Execute(conn,
		`SELECT orchestrator_id, name, protected FROM secrets ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				secrets = append(secrets, scanSecret(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	return secrets, nil
}

// DeleteSecret removes a secret record. Returns a not-found fault if
// the id is not recorded.
func (s *Store) DeleteSecret(ctx context.Context, id string) error {
	conn, err := s.take(ctx, "delete secret")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM secrets WHERE orchestrator_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete secret %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fault.NotFoundf("secret %s not found", id)
	}
	return nil
}

func scanSecret(stmt *sqlite.Stmt) Secret {
	return Secret{
		ID:        stmt.ColumnText(0),
		Name:      stmt.ColumnText(1),
		Protected: stmt.ColumnInt(2) != 0,
	}
}
