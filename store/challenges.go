// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/ports"
)

// PutChallenge inserts or replaces a challenge definition. The
// definition is validated: the image must be non-empty, declared
// ports (if any) must parse, and secret refs are only legal on
// service-kind challenges.
func (s *Store) PutChallenge(ctx context.Context, challenge Challenge) error {
	if err := validateChallenge(challenge); err != nil {
		return err
	}

	refs, err := json.Marshal(challengeRefs(challenge))
	if err != nil {
		return fmt.Errorf("store: put challenge: encode secret refs: %w", err)
	}

	conn, err := s.take(ctx, "put challenge")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO challenges (id, kind, image, exposed_ports, secret_refs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			image = excluded.image,
			exposed_ports = excluded.exposed_ports,
			secret_refs = excluded.secret_refs`,
		&sqlitex.ExecOptions{
			Args: []any{
				challenge.ID,
				string(challenge.Kind),
				challenge.Image,
				challenge.ExposedPorts,
				string(refs),
			},
		})
	if err != nil {
		return fmt.Errorf("store: put challenge %d: %w", challenge.ID, err)
	}
	return nil
}

func validateChallenge(challenge Challenge) error {
	if challenge.ID <= 0 {
		return fault.Validationf("challenge id must be positive, got %d", challenge.ID)
	}
	switch challenge.Kind {
	case SandboxContainer, SandboxService:
	default:
		return fault.Validationf("unknown sandbox kind %q", challenge.Kind)
	}
	if strings.TrimSpace(challenge.Image) == "" {
		return fault.Validationf("challenge image must not be empty")
	}
	if challenge.ExposedPorts != "" {
		if _, err := ports.ParseList(challenge.ExposedPorts); err != nil {
			return err
		}
	}
	if challenge.Kind == SandboxContainer && len(challenge.SecretRefs) > 0 {
		return fault.Validationf("secret refs are only supported on service-kind challenges")
	}
	for _, ref := range challenge.SecretRefs {
		if ref.ID == "" {
			return fault.Validationf("secret ref id must not be empty")
		}
	}
	return nil
}

// challengeRefs normalizes nil to an empty slice so the persisted
// JSON is always an array.
func challengeRefs(challenge Challenge) []SecretRef {
	if challenge.SecretRefs == nil {
		return []SecretRef{}
	}
	return challenge.SecretRefs
}

// GetChallenge returns the challenge with the given id, or a
// not-found fault.
func (s *Store) GetChallenge(ctx context.Context, id int64) (Challenge, error) {
	conn, err := s.take(ctx, "get challenge")
	if err != nil {
		return Challenge{}, err
	}
	defer s.pool.Put(conn)

	var challenge Challenge
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, kind, image, exposed_ports, secret_refs FROM challenges WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				challenge, scanErr = scanChallenge(stmt)
				return scanErr
			},
		})
	if err != nil {
		return Challenge{}, fmt.Errorf("store: get challenge %d: %w", id, err)
	}
	if !found {
		return Challenge{}, fault.NotFoundf("challenge %d not found", id)
	}
	return challenge, nil
}

// ListChallenges returns all challenge definitions ordered by id.
func (s *Store) ListChallenges(ctx context.Context) ([]Challenge, error) {
	conn, err := s.take(ctx, "list challenges")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var challenges []Challenge
	err = sqlitex.Execute(conn,
		`SELECT id, kind, image, exposed_ports, secret_refs FROM challenges ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				challenge, scanErr := scanChallenge(stmt)
				if scanErr != nil {
					return scanErr
				}
				challenges = append(challenges, challenge)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list challenges: %w", err)
	}
	return challenges, nil
}

// DeleteChallenge removes a challenge definition. Returns a not-found
// fault if the challenge does not exist. Live instances of the
// challenge are untouched; they remain killable through the tracker.
func (s *Store) DeleteChallenge(ctx context.Context, id int64) error {
	conn, err := s.take(ctx, "delete challenge")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM challenges WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete challenge %d: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fault.NotFoundf("challenge %d not found", id)
	}
	return nil
}

// SecretInUse reports whether any service-kind challenge references
// the secret with the given orchestrator id.
func (s *Store) SecretInUse(ctx context.Context, secretID string) (bool, error) {
	conn, err := s.take(ctx, "secret in use")
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	inUse := false
	err = sqlitex.Execute(conn,
		`SELECT secret_refs FROM challenges WHERE kind = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(SandboxService)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var refs []SecretRef
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &refs); err != nil {
					return fmt.Errorf("decode secret refs: %w", err)
				}
				for _, ref := range refs {
					if ref.ID == secretID {
						inUse = true
						break
					}
				}
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: secret in use: %w", err)
	}
	return inUse, nil
}

func scanChallenge(stmt *sqlite.Stmt) (Challenge, error) {
	challenge := Challenge{
		ID:           stmt.ColumnInt64(0),
		Kind:         SandboxKind(stmt.ColumnText(1)),
		Image:        stmt.ColumnText(2),
		ExposedPorts: stmt.ColumnText(3),
	}
	var refs []SecretRef
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &refs); err != nil {
		return Challenge{}, fmt.Errorf("decode secret refs: %w", err)
	}
	if len(refs) > 0 {
		challenge.SecretRefs = refs
	}
	return challenge, nil
}
