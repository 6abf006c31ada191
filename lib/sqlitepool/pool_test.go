// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/garrison-ctf/garrison/lib/testutil"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "pool_test.db"),
		PoolSize: 2,
		Logger:   testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "CREATE TABLE t (x INTEGER)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "INSERT INTO t VALUES (42)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got int64
	err = sqlitex.ExecuteTransient(conn, "SELECT x FROM t", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != 42 {
		t.Errorf("x = %d, want 42", got)
	}
}

func TestOnConnectRuns(t *testing.T) {
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "onconnect_test.db"),
		PoolSize: 1,
		Logger:   testutil.Logger(),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, "CREATE TABLE IF NOT EXISTS created_on_connect (x INTEGER);", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "INSERT INTO created_on_connect VALUES (1)", nil); err != nil {
		t.Fatalf("table from OnConnect missing: %v", err)
	}
}
