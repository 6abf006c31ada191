// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault manages secret material for service-kind challenges.
// Payloads pass through Garrison exactly once, on the way to the
// orchestration endpoint's secret store; Garrison persists only the
// name, the endpoint-assigned id, and the protection flag. Every
// mutation is appended to an on-disk audit trail that records who did
// what and when, never the payload.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/clock"
	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/store"
)

// namePattern constrains secret names to characters that are safe in
// mount paths under /run/secrets/.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Vault is the secret manager. Safe for concurrent use.
type Vault struct {
	store  *store.Store
	orc    *orchestrator.Client
	trail  *auditTrail
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for New.
type Config struct {
	// Store persists secret records. Required.
	Store *store.Store

	// Orchestrator talks to the endpoint's secret store. Required.
	Orchestrator *orchestrator.Client

	// Clock stamps audit records. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// AuditDir is the directory for the audit trail. Required.
	AuditDir string

	// AuditSegmentSize overrides the rotation threshold. Zero keeps
	// the default.
	AuditSegmentSize int64
}

// New creates a vault.
func New(cfg Config) (*Vault, error) {
	if cfg.Store == nil || cfg.Orchestrator == nil || cfg.Clock == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("vault: Store, Orchestrator, Clock, and Logger are required")
	}
	if cfg.AuditDir == "" {
		return nil, fmt.Errorf("vault: AuditDir is required")
	}
	trail, err := newAuditTrail(cfg.AuditDir, cfg.AuditSegmentSize, cfg.Clock)
	if err != nil {
		return nil, err
	}
	return &Vault{
		store:  cfg.Store,
		orc:    cfg.Orchestrator,
		trail:  trail,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Create stores a new secret on the orchestration endpoint and
// records it. encryptedInbound reports whether the payload arrived
// over an encrypted channel; the outbound leg is checked against the
// endpoint configuration. Both legs must be encrypted or the payload
// is refused before it crosses any wire.
func (v *Vault) Create(ctx context.Context, name string, payload []byte, protected bool, actor string, encryptedInbound bool) (store.Secret, error) {
	if !namePattern.MatchString(name) {
		return store.Secret{}, fault.Validationf("secret name %q may only contain letters, digits, '_', '.', and '-'", name)
	}
	if len(payload) == 0 {
		return store.Secret{}, fault.Validationf("secret payload must not be empty")
	}

	if err := v.checkTransportPolicy(ctx, encryptedInbound); err != nil {
		return store.Secret{}, err
	}

	active, err := v.orc.SwarmActive(ctx)
	if err != nil {
		return store.Secret{}, err
	}
	if !active {
		return store.Secret{}, fault.Policyf("the secret store requires a cluster-mode endpoint")
	}

	id, err := v.orc.CreateSecret(ctx, name, payload)
	if err != nil {
		return store.Secret{}, err
	}

	secret := store.Secret{ID: id, Name: name, Protected: protected}
	if err := v.store.InsertSecret(ctx, secret); err != nil {
		// The endpoint-side secret must not outlive a failed record:
		// an untracked secret could never be deleted through Garrison.
		if removeErr := v.orc.RemoveSecret(ctx, id); removeErr != nil {
			v.logger.Error("orphaned endpoint secret after record failure",
				"secret", name, "id", id, "error", removeErr)
		}
		return store.Secret{}, err
	}

	v.audit(actor, "create", secret)
	v.logger.Info("secret created", "secret", name, "id", id, "protected", protected)
	return secret, nil
}

// checkTransportPolicy enforces that secret material only moves over
// encrypted channels. A local socket endpoint never puts the payload
// on a network, so it counts as protected.
func (v *Vault) checkTransportPolicy(ctx context.Context, encryptedInbound bool) error {
	if !encryptedInbound {
		return fault.Policyf("refusing secret material received over an unencrypted connection")
	}
	cfg, err := v.store.GetEndpointConfig(ctx)
	if err != nil {
		return err
	}
	if strings.HasPrefix(cfg.Address, "unix://") {
		return nil
	}
	if !cfg.TLSEnabled {
		return fault.Policyf("refusing to send secret material to a non-TLS endpoint")
	}
	return nil
}

// List returns the recorded secrets. Payloads are write-only; there
// is no read-back path.
func (v *Vault) List(ctx context.Context) ([]store.Secret, error) {
	return v.store.ListSecrets(ctx)
}

// Delete removes a secret from the endpoint and the record. Refused
// with a conflict fault while any challenge still references the
// secret, so a running event cannot lose a mount out from under its
// challenges.
func (v *Vault) Delete(ctx context.Context, id, actor string) error {
	secret, err := v.store.GetSecret(ctx, id)
	if err != nil {
		return err
	}
	inUse, err := v.store.SecretInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return fault.Conflictf("secret %q is referenced by a challenge", secret.Name)
	}

	if err := v.orc.RemoveSecret(ctx, id); err != nil {
		return err
	}
	if err := v.store.DeleteSecret(ctx, id); err != nil {
		return err
	}

	v.audit(actor, "delete", secret)
	v.logger.Info("secret deleted", "secret", secret.Name, "id", id)
	return nil
}

// DeleteFailure records why one secret survived a bulk delete.
type DeleteFailure struct {
	ID     string
	Name   string
	Reason string
}

// DeleteAll deletes every deletable secret and reports how many were
// removed, plus a reason for each secret that was refused or failed.
// One stuck secret does not stop the rest.
func (v *Vault) DeleteAll(ctx context.Context, actor string) (deleted int, failures []DeleteFailure, err error) {
	secrets, err := v.store.ListSecrets(ctx)
	if err != nil {
		return 0, nil, err
	}
	for _, secret := range secrets {
		if err := v.Delete(ctx, secret.ID, actor); err != nil {
			v.logger.Warn("bulk delete skipped secret",
				"secret", secret.Name, "error", err)
			failures = append(failures, DeleteFailure{
				ID:     secret.ID,
				Name:   secret.Name,
				Reason: err.Error(),
			})
			continue
		}
		deleted++
	}
	return deleted, failures, nil
}

// AuditRecords returns the not-yet-archived audit records, oldest
// first.
func (v *Vault) AuditRecords() ([]AuditRecord, error) {
	return v.trail.ActiveRecords()
}

func (v *Vault) audit(actor, action string, secret store.Secret) {
	err := v.trail.append(AuditRecord{
		Time:      v.clock.Now().Unix(),
		Actor:     actor,
		Action:    action,
		Name:      secret.Name,
		SecretID:  secret.ID,
		Protected: secret.Protected,
	})
	if err != nil {
		// The mutation already happened; losing its audit record is
		// reported but does not unwind it.
		v.logger.Error("audit append failed", "action", action, "secret", secret.Name, "error", err)
	}
}
