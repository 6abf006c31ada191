// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists Garrison's four record types in SQLite: the
// orchestration endpoint configuration (a singleton row), challenge
// definitions, the instance tracker, and secret records.
//
// The instance tracker is the concurrency-sensitive part. Its
// uniqueness key is (participant, challenge, image) — not challenge id
// alone, because challenge ids may be reused after a definition is
// deleted and recreated. The UNIQUE index enforces the at-most-one
// invariant at the data layer, so a racing duplicate insert surfaces
// as a conflict fault instead of a second record.
//
// Participant-scoped listings filter in SQL against an index; request
// cost scales with the requester's own footprint, not the total
// system population. Whole-population iteration (administrative bulk
// kill, the background sweep) pages through bounded batches.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/garrison-ctf/garrison/lib/sqlitepool"
)

// Store provides access to Garrison's persisted records.
//
// Store is safe for concurrent use; each operation borrows its own
// pooled connection.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Open creates the store, creating the database file and schema if
// they do not exist. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, logger: cfg.Logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// schema is idempotent and applied on every connection; CREATE IF NOT
// EXISTS makes repeat application free.
const schema = `
	CREATE TABLE IF NOT EXISTS endpoint_config (
		id                INTEGER PRIMARY KEY CHECK (id = 1),
		address           TEXT NOT NULL,
		tls_enabled       INTEGER NOT NULL DEFAULT 0,
		ca_cert           TEXT NOT NULL DEFAULT '',
		client_cert       TEXT NOT NULL DEFAULT '',
		sealed_client_key TEXT NOT NULL DEFAULT '',
		image_allowlist   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS challenges (
		id            INTEGER PRIMARY KEY,
		kind          TEXT NOT NULL CHECK (kind IN ('container', 'service')),
		image         TEXT NOT NULL,
		exposed_ports TEXT NOT NULL,
		secret_refs   TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS instances (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_kind   TEXT NOT NULL CHECK (participant_kind IN ('user', 'team')),
		participant_id     INTEGER NOT NULL,
		challenge_id       INTEGER NOT NULL,
		kind               TEXT NOT NULL CHECK (kind IN ('container', 'service')),
		image              TEXT NOT NULL,
		handle             TEXT NOT NULL,
		ports              TEXT NOT NULL,
		host               TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		revert_eligible_at INTEGER NOT NULL,
		UNIQUE (participant_kind, participant_id, challenge_id, image)
	);
	CREATE INDEX IF NOT EXISTS idx_instances_participant
		ON instances(participant_kind, participant_id);
	CREATE INDEX IF NOT EXISTS idx_instances_handle
		ON instances(handle);

	CREATE TABLE IF NOT EXISTS secrets (
		orchestrator_id TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		protected       INTEGER NOT NULL DEFAULT 0
	);
`

// take borrows a pooled connection with a uniform error wrap.
func (s *Store) take(ctx context.Context, operation string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", operation, err)
	}
	return conn, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY
// KEY constraint violation.
func isUniqueViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}
