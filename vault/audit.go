// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/garrison-ctf/garrison/lib/clock"
	"github.com/garrison-ctf/garrison/lib/codec"
)

// defaultSegmentSize is the active-segment threshold after which the
// audit trail rotates: 1 MB of CBOR records.
const defaultSegmentSize = 1 << 20

// AuditRecord is one secret-store action. The secret payload is
// deliberately absent from the type: the trail answers who did what
// to which secret and when, never what the secret was.
type AuditRecord struct {
	Time      int64  `cbor:"time"`
	Actor     string `cbor:"actor"`
	Action    string `cbor:"action"`
	Name      string `cbor:"name"`
	SecretID  string `cbor:"secret_id"`
	Protected bool   `cbor:"protected"`
}

// auditTrail appends CBOR records to an active segment file and
// rotates it into a compressed archive when it grows past the
// threshold. Safe for concurrent use.
type auditTrail struct {
	mu          sync.Mutex
	dir         string
	segmentSize int64
	clock       clock.Clock
}

func newAuditTrail(dir string, segmentSize int64, clk clock.Clock) (*auditTrail, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: create audit directory: %w", err)
	}
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	return &auditTrail{dir: dir, segmentSize: segmentSize, clock: clk}, nil
}

func (t *auditTrail) activePath() string {
	return filepath.Join(t.dir, "audit.cbor")
}

// append writes one record and rotates the segment if it has grown
// past the threshold.
func (t *auditTrail) append(record AuditRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("vault: encode audit record: %w", err)
	}

	file, err := os.OpenFile(t.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("vault: open audit segment: %w", err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		return fmt.Errorf("vault: append audit record: %w", err)
	}
	info, err := file.Stat()
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("vault: audit segment: %w", err)
	}

	if info.Size() >= t.segmentSize {
		return t.rotateLocked()
	}
	return nil
}

// rotateLocked compresses the active segment into a timestamped
// archive and starts a fresh one. Caller holds t.mu.
func (t *auditTrail) rotateLocked() error {
	source, err := os.Open(t.activePath())
	if err != nil {
		return fmt.Errorf("vault: open segment for rotation: %w", err)
	}
	defer source.Close()

	stamp := t.clock.Now().UTC().Format("20060102T150405")
	archivePath := filepath.Join(t.dir, fmt.Sprintf("audit-%s.cbor.zst", stamp))
	archive, err := os.OpenFile(archivePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("vault: create audit archive: %w", err)
	}

	compressor, err := zstd.NewWriter(archive)
	if err != nil {
		archive.Close()
		return fmt.Errorf("vault: init compressor: %w", err)
	}
	if _, err := io.Copy(compressor, source); err != nil {
		compressor.Close()
		archive.Close()
		return fmt.Errorf("vault: compress audit segment: %w", err)
	}
	if err := compressor.Close(); err != nil {
		archive.Close()
		return fmt.Errorf("vault: finish audit archive: %w", err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("vault: close audit archive: %w", err)
	}

	if err := os.Truncate(t.activePath(), 0); err != nil {
		return fmt.Errorf("vault: reset audit segment: %w", err)
	}
	return nil
}

// ActiveRecords decodes the records in the not-yet-rotated segment,
// oldest first.
func (t *auditTrail) ActiveRecords() ([]AuditRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.Open(t.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: open audit segment: %w", err)
	}
	defer file.Close()

	var records []AuditRecord
	decoder := codec.NewDecoder(file)
	for {
		var record AuditRecord
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("vault: decode audit record: %w", err)
		}
		records = append(records, record)
	}
}

