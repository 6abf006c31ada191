// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/garrison-ctf/garrison/fault"
)

// InsertInstance records a newly provisioned sandbox. Returns a
// conflict fault if the participant already holds an instance of the
// same (challenge, image); the UNIQUE index makes this atomic with
// respect to racing provisioning requests.
func (s *Store) InsertInstance(ctx context.Context, instance Instance) error {
	if err := instance.Participant.Validate(); err != nil {
		return err
	}
	if instance.Handle == "" {
		return fault.Validationf("instance handle must not be empty")
	}
	switch instance.Kind {
	case SandboxContainer, SandboxService:
	default:
		return fault.Validationf("unknown sandbox kind %q", instance.Kind)
	}

	conn, err := s.take(ctx, "insert instance")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO instances
			(participant_kind, participant_id, challenge_id, kind, image,
			 handle, ports, host, created_at, revert_eligible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(instance.Participant.Kind),
				instance.Participant.ID,
				instance.ChallengeID,
				string(instance.Kind),
				instance.Image,
				instance.Handle,
				strings.Join(instance.Ports, ","),
				instance.Host,
				instance.CreatedAt.Unix(),
				instance.RevertEligibleAt.Unix(),
			},
		})
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("participant %s already has an instance of challenge %d",
				instance.Participant, instance.ChallengeID)
		}
		return fmt.Errorf("store: insert instance: %w", err)
	}
	return nil
}

// GetInstance returns the participant's instance of the given
// (challenge, image) pair, or a not-found fault.
func (s *Store) GetInstance(ctx context.Context, participant Participant, challengeID int64, image string) (Instance, error) {
	conn, err := s.take(ctx, "get instance")
	if err != nil {
		return Instance{}, err
	}
	defer s.pool.Put(conn)

	var instance Instance
	found := false
	err = sqlitex.Execute(conn, selectInstance+`
		WHERE participant_kind = ? AND participant_id = ?
		  AND challenge_id = ? AND image = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(participant.Kind), participant.ID, challengeID, image},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				instance = scanInstance(stmt)
				return nil
			},
		})
	if err != nil {
		return Instance{}, fmt.Errorf("store: get instance: %w", err)
	}
	if !found {
		return Instance{}, fault.NotFoundf("participant %s has no instance of challenge %d",
			participant, challengeID)
	}
	return instance, nil
}

// GetInstanceByHandle returns the instance with the given
// orchestrator handle, or a not-found fault.
func (s *Store) GetInstanceByHandle(ctx context.Context, handle string) (Instance, error) {
	conn, err := s.take(ctx, "get instance by handle")
	if err != nil {
		return Instance{}, err
	}
	defer s.pool.Put(conn)

	var instance Instance
	found := false
	err = sqlitex.Execute(conn, selectInstance+` WHERE handle = ?`,
		&sqlitex.ExecOptions{
			Args: []any{handle},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				instance = scanInstance(stmt)
				return nil
			},
		})
	if err != nil {
		return Instance{}, fmt.Errorf("store: get instance by handle: %w", err)
	}
	if !found {
		return Instance{}, fault.NotFoundf("no instance with handle %s", handle)
	}
	return instance, nil
}

// DeleteInstanceByHandle removes a tracked instance. Deleting a
// handle that is no longer tracked is not an error; teardown paths
// race with the stale sweep and both may try to forget the same
// record.
func (s *Store) DeleteInstanceByHandle(ctx context.Context, handle string) error {
	conn, err := s.take(ctx, "delete instance")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM instances WHERE handle = ?`,
		&sqlitex.ExecOptions{Args: []any{handle}})
	if err != nil {
		return fmt.Errorf("store: delete instance %s: %w", handle, err)
	}
	return nil
}

// ListParticipantInstances returns everything the participant
// currently holds, ordered by creation time. Filtering happens in
// SQL against the participant index; cost scales with the
// participant's own footprint.
func (s *Store) ListParticipantInstances(ctx context.Context, participant Participant) ([]Instance, error) {
	conn, err := s.take(ctx, "list participant instances")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var instances []Instance
	err = sqlitex.Execute(conn, selectInstance+`
		WHERE participant_kind = ? AND participant_id = ?
		ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			Args: []any{string(participant.Kind), participant.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instances = append(instances, scanInstance(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list participant instances: %w", err)
	}
	return instances, nil
}

// ForEachInstanceBatch pages through every tracked instance in
// batches of at most batchSize, calling fn once per batch. The whole
// population is never materialized at once. fn returning an error
// stops the iteration and is passed through.
//
// Paging keys on rowid, so instances inserted or deleted between
// batches are handled gracefully: each batch reflects the table at
// the moment it is read.
func (s *Store) ForEachInstanceBatch(ctx context.Context, batchSize int, fn func([]Instance) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	lastID := int64(0)
	for {
		conn, err := s.take(ctx, "iterate instances")
		if err != nil {
			return err
		}

		var batch []Instance
		var maxID int64
		err = sqlitex.Execute(conn, selectInstance+`
			WHERE id > ? ORDER BY id LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{lastID, batchSize},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					maxID = stmt.ColumnInt64(10)
					batch = append(batch, scanInstance(stmt))
					return nil
				},
			})
		s.pool.Put(conn)
		if err != nil {
			return fmt.Errorf("store: iterate instances: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		lastID = maxID
	}
}

const selectInstance = `
	SELECT participant_kind, participant_id, challenge_id, kind, image,
	       handle, ports, host, created_at, revert_eligible_at, id
	FROM instances`

func scanInstance(stmt *sqlite.Stmt) Instance {
	instance := Instance{
		Participant: Participant{
			Kind: ParticipantKind(stmt.ColumnText(0)),
			ID:   stmt.ColumnInt64(1),
		},
		ChallengeID:      stmt.ColumnInt64(2),
		Kind:             SandboxKind(stmt.ColumnText(3)),
		Image:            stmt.ColumnText(4),
		Handle:           stmt.ColumnText(5),
		Host:             stmt.ColumnText(7),
		CreatedAt:        time.Unix(stmt.ColumnInt64(8), 0).UTC(),
		RevertEligibleAt: time.Unix(stmt.ColumnInt64(9), 0).UTC(),
	}
	if rendered := stmt.ColumnText(6); rendered != "" {
		instance.Ports = strings.Split(rendered, ",")
	}
	return instance
}
