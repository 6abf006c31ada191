// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for credential material at
// rest. It wraps filippo.io/age for the specific operations Garrison
// needs: load or generate a deployment identity, seal plaintext to the
// deployment's public key, and unseal ciphertext with the private key.
//
// Ciphertext is base64-encoded for storage in SQLite text columns.
// The base64 encoding is handled internally — callers pass plaintext
// []byte in and get base64 strings out (and vice versa for
// decryption).
//
// Private keys and unsealed plaintext are returned as *secret.Buffer
// values, which are backed by mmap memory outside the Go heap (locked
// against swap, excluded from core dumps, zeroed on close).
//
// The sealed orchestration client key is the only credential Garrison
// persists; the TransportClient unseals it for the scope of a single
// orchestrator call and closes the buffer on every exit path.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/garrison-ctf/garrison/lib/secret"
)

// Identity holds the deployment's age x25519 keypair. The private key
// is stored in a secret.Buffer (mmap-backed, locked against swap,
// excluded from core dumps). The public key is a plain string, safe to
// log and to store alongside sealed material.
//
// The caller must call Close when the identity is no longer needed.
type Identity struct {
	// key is the secret key in AGE-SECRET-KEY-1... format, stored in
	// mmap memory outside the Go heap. Must never be logged or
	// included in error messages.
	key *secret.Buffer

	// Recipient is the corresponding public key in age1... format.
	Recipient string
}

// Close releases the private key memory (zeros, unlocks, unmaps).
// Idempotent.
func (i *Identity) Close() error {
	if i.key != nil {
		return i.key.Close()
	}
	return nil
}

// GenerateIdentity generates a new age x25519 identity. Used by tests
// and by first-run provisioning of a deployment key file.
//
// The caller must call Close on the returned Identity when done.
func GenerateIdentity() (*Identity, error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}

	// Move the private key string into mmap-backed memory
	// immediately. The heap string returned by the age API is
	// unavoidable and will be GC'd; the mmap buffer is the durable
	// copy.
	key, err := secret.NewFromBytes([]byte(generated.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Identity{
		key:       key,
		Recipient: generated.Recipient().String(),
	}, nil
}

// LoadIdentityFile reads an age identity from a key file in the format
// written by age-keygen: comment lines starting with "#" and one
// AGE-SECRET-KEY-1... line. The private key never touches the Go heap
// longer than the parse requires.
//
// The caller must call Close on the returned Identity when done.
func LoadIdentityFile(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	defer zero(raw)

	for line := range strings.Lines(string(raw)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parsed, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
		}

		key, err := secret.NewFromBytes([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("protecting private key: %w", err)
		}

		return &Identity{
			key:       key,
			Recipient: parsed.Recipient().String(),
		}, nil
	}

	return nil, fmt.Errorf("identity file %s contains no age secret key", path)
}

// Seal encrypts plaintext to the given age public key (age1... format)
// and returns the ciphertext as a base64 string suitable for storage
// in a SQLite text column.
func Seal(plaintext []byte, recipientKey string) (string, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return "", fmt.Errorf("parsing recipient key: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Unseal decrypts a base64-encoded ciphertext with the identity's
// private key. Returns the plaintext in a secret.Buffer (mmap-backed,
// zeroed on close).
//
// The caller must call Close on the returned buffer when the plaintext
// is no longer needed.
func Unseal(ciphertext string, identity *Identity) (*secret.Buffer, error) {
	// The age API requires a string — the heap copy is brief and
	// call-scoped.
	parsed, err := age.ParseX25519Identity(identity.key.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed material: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), parsed)
	if err != nil {
		return nil, fmt.Errorf("opening age ciphertext: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed material: %w", err)
	}

	// NewFromBytes zeros the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("protecting plaintext: %w", err)
	}
	return buffer, nil
}

func zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
