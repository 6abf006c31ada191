// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives sandbox instances through their whole
// life: provisioning with port allocation, revert with cooldown,
// teardown on solve or administrative kill, and the background sweep
// that reclaims sandboxes their owners walked away from.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/clock"
	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/ports"
	"github.com/garrison-ctf/garrison/store"
)

// killBatchSize bounds how many instance records a bulk operation
// loads at once.
const killBatchSize = 100

// Manager owns sandbox lifecycle decisions. Safe for concurrent use.
type Manager struct {
	store     *store.Store
	orc       *orchestrator.Client
	allocator *ports.Allocator
	clock     clock.Clock
	logger    *slog.Logger

	staleAfter     time.Duration
	revertCooldown time.Duration
	sweepInterval  time.Duration
}

// Config holds the parameters for NewManager.
type Config struct {
	// Store persists instance, challenge, and secret records. Required.
	Store *store.Store

	// Orchestrator talks to the container endpoint. Required.
	Orchestrator *orchestrator.Client

	// Clock drives timestamps, cooldown checks, and the sweep.
	// Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// StaleAfter is the age at which an untouched sandbox is
	// reclaimed. Defaults to 2 hours.
	StaleAfter time.Duration

	// RevertCooldown is the minimum instance age before a participant
	// may revert it. Defaults to 5 minutes.
	RevertCooldown time.Duration

	// PortMin and PortMax bound the published-port range, inclusive.
	// Default to 30000 and 60000.
	PortMin, PortMax int

	// SweepInterval is how often Run looks for stale sandboxes.
	// Defaults to 10 minutes.
	SweepInterval time.Duration
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Orchestrator == nil || cfg.Clock == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("lifecycle: Store, Orchestrator, Clock, and Logger are required")
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	revertCooldown := cfg.RevertCooldown
	if revertCooldown <= 0 {
		revertCooldown = 5 * time.Minute
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	portMin := cfg.PortMin
	if portMin <= 0 {
		portMin = 30000
	}
	portMax := cfg.PortMax
	if portMax <= 0 {
		portMax = 60000
	}
	if portMax < portMin {
		return nil, fmt.Errorf("lifecycle: port range [%d, %d] is inverted", portMin, portMax)
	}

	return &Manager{
		store:          cfg.Store,
		orc:            cfg.Orchestrator,
		allocator:      &ports.Allocator{Min: portMin, Max: portMax},
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		staleAfter:     staleAfter,
		revertCooldown: revertCooldown,
		sweepInterval:  sweepInterval,
	}, nil
}

// Provision ensures the participant has a running instance of the
// challenge and returns it. If one already exists it is returned as
// is; created reports whether this call built a new sandbox.
//
// Two racing provisioning calls for the same (participant, challenge)
// may both reach the orchestrator. The deterministic instance name
// makes the orchestrator serialize them onto one sandbox, and the
// tracker's uniqueness constraint serializes the records: the insert
// loser adopts the winner's instance.
func (m *Manager) Provision(ctx context.Context, participant store.Participant, challengeID int64) (store.Instance, bool, error) {
	if err := participant.Validate(); err != nil {
		return store.Instance{}, false, err
	}
	challenge, err := m.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return store.Instance{}, false, err
	}

	if err := m.reclaimStaleFor(ctx, participant, challengeID, challenge.Image); err != nil {
		return store.Instance{}, false, err
	}

	existing, err := m.store.GetInstance(ctx, participant, challengeID, challenge.Image)
	if err == nil {
		return existing, false, nil
	}
	if !fault.IsKind(err, fault.KindNotFound) {
		return store.Instance{}, false, err
	}

	bindings, err := m.allocateBindings(ctx, challenge)
	if err != nil {
		return store.Instance{}, false, err
	}

	strat, err := m.strategyFor(challenge.Kind)
	if err != nil {
		return store.Instance{}, false, err
	}

	name := instanceName(participant, challenge)
	handle, err := strat.create(ctx, name, challenge, bindings)
	if err != nil {
		return store.Instance{}, false, err
	}

	endpointCfg, err := m.store.GetEndpointConfig(ctx)
	if err != nil {
		return store.Instance{}, false, err
	}

	now := m.clock.Now().UTC()
	instance := store.Instance{
		Participant:      participant,
		ChallengeID:      challengeID,
		Kind:             challenge.Kind,
		Image:            challenge.Image,
		Handle:           handle,
		Ports:            renderBindings(bindings),
		Host:             connectionHost(endpointCfg.Address),
		CreatedAt:        now,
		RevertEligibleAt: now.Add(m.revertCooldown),
	}

	if err := m.store.InsertInstance(ctx, instance); err != nil {
		if fault.IsKind(err, fault.KindConflict) {
			return m.adoptWinner(ctx, participant, challenge, strat, handle)
		}
		return store.Instance{}, false, err
	}

	m.logger.Info("sandbox provisioned",
		"participant", participant.String(),
		"challenge", challengeID,
		"kind", string(challenge.Kind),
		"handle", handle,
		"ports", instance.Ports)
	return instance, true, nil
}

// adoptWinner resolves a lost provisioning race: another request
// recorded its instance first. If the loser somehow built a separate
// sandbox it is torn down; with deterministic naming both requests
// normally hold the same handle and there is nothing to remove.
func (m *Manager) adoptWinner(ctx context.Context, participant store.Participant, challenge store.Challenge, strat strategy, loserHandle string) (store.Instance, bool, error) {
	winner, err := m.store.GetInstance(ctx, participant, challenge.ID, challenge.Image)
	if err != nil {
		return store.Instance{}, false, err
	}
	if winner.Handle != loserHandle {
		if err := strat.destroy(ctx, loserHandle); err != nil {
			m.logger.Warn("failed to remove duplicate sandbox",
				"handle", loserHandle, "error", err)
		}
	}
	return winner, false, nil
}

// reclaimStaleFor tears down the participant's stale sandboxes before
// a provisioning attempt. Failures are logged and do not block the
// request, with one exception: a stale instance holding the same
// (challenge, image) key must go, or the insert that follows would
// collide with a sandbox nobody wants back.
func (m *Manager) reclaimStaleFor(ctx context.Context, participant store.Participant, challengeID int64, image string) error {
	instances, err := m.store.ListParticipantInstances(ctx, participant)
	if err != nil {
		m.logger.Warn("stale reclaim listing failed",
			"participant", participant.String(), "error", err)
		return nil
	}

	now := m.clock.Now()
	for _, instance := range instances {
		if now.Sub(instance.CreatedAt) < m.staleAfter {
			continue
		}
		err := m.destroyInstance(ctx, instance)
		if err == nil {
			m.logger.Info("stale sandbox reclaimed",
				"participant", participant.String(),
				"challenge", instance.ChallengeID,
				"handle", instance.Handle,
			)
			continue
		}
		if instance.ChallengeID == challengeID && instance.Image == image {
			return fmt.Errorf("reclaiming stale sandbox %s: %w", instance.Handle, err)
		}
		m.logger.Warn("stale sandbox reclaim failed",
			"participant", participant.String(),
			"handle", instance.Handle,
			"error", err,
		)
	}
	return nil
}

// allocateBindings resolves the ports to publish and pairs each with
// a free host port. The required set is the union of the challenge's
// declared ports and the image's own exposed-port metadata. An image
// inspection failure is tolerated while declared ports exist: the
// challenge author's list still describes a usable sandbox.
func (m *Manager) allocateBindings(ctx context.Context, challenge store.Challenge) ([]orchestrator.PortBinding, error) {
	var declared []ports.Spec
	var err error
	if challenge.ExposedPorts != "" {
		declared, err = ports.ParseList(challenge.ExposedPorts)
		if err != nil {
			return nil, err
		}
	}

	exposed, err := m.orc.ImageExposedPorts(ctx, challenge.Image)
	if err != nil {
		if len(declared) == 0 {
			return nil, err
		}
		m.logger.Warn("image port inspection failed, using declared ports only",
			"image", challenge.Image, "error", err)
	}

	specs := ports.Merge(declared, exposed)
	if len(specs) == 0 {
		return nil, fault.Validationf("challenge %d declares no ports and image %q exposes none",
			challenge.ID, challenge.Image)
	}

	blocked, err := m.orc.BoundPorts(ctx)
	if err != nil {
		return nil, err
	}
	published, err := m.allocator.Allocate(len(specs), blocked)
	if err != nil {
		return nil, err
	}

	bindings := make([]orchestrator.PortBinding, len(specs))
	for i, spec := range specs {
		bindings[i] = orchestrator.PortBinding{Published: published[i], Target: spec}
	}
	return bindings, nil
}

// Status returns the participant's instance of the challenge, or a
// not-found fault if nothing is running.
func (m *Manager) Status(ctx context.Context, participant store.Participant, challengeID int64) (store.Instance, error) {
	if err := participant.Validate(); err != nil {
		return store.Instance{}, err
	}
	challenge, err := m.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return store.Instance{}, err
	}
	return m.store.GetInstance(ctx, participant, challengeID, challenge.Image)
}

// List returns everything the participant currently has running.
func (m *Manager) List(ctx context.Context, participant store.Participant) ([]store.Instance, error) {
	if err := participant.Validate(); err != nil {
		return nil, err
	}
	return m.store.ListParticipantInstances(ctx, participant)
}

// Revert destroys the participant's instance and provisions a fresh
// one, with fresh ports. Denied with a conflict fault while the
// instance is younger than the revert cooldown, so a struggling
// participant cannot churn sandboxes faster than the endpoint can
// build them.
func (m *Manager) Revert(ctx context.Context, participant store.Participant, challengeID int64) (store.Instance, error) {
	instance, err := m.Status(ctx, participant, challengeID)
	if err != nil {
		return store.Instance{}, err
	}

	now := m.clock.Now().UTC()
	if now.Before(instance.RevertEligibleAt) {
		remaining := instance.RevertEligibleAt.Sub(now).Round(time.Second)
		return store.Instance{}, fault.Conflictf("revert available in %s", remaining)
	}

	if err := m.destroyInstance(ctx, instance); err != nil {
		return store.Instance{}, err
	}

	fresh, _, err := m.Provision(ctx, participant, challengeID)
	if err != nil {
		return store.Instance{}, fmt.Errorf("reprovision after revert: %w", err)
	}
	m.logger.Info("sandbox reverted",
		"participant", participant.String(),
		"challenge", challengeID,
		"handle", fresh.Handle)
	return fresh, nil
}

// HandleSolve tears down the participant's instance after a correct
// flag submission. A participant with nothing running is not an
// error; the solve still stands.
func (m *Manager) HandleSolve(ctx context.Context, participant store.Participant, challengeID int64) error {
	instance, err := m.Status(ctx, participant, challengeID)
	if fault.IsKind(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.destroyInstance(ctx, instance); err != nil {
		return err
	}
	m.logger.Info("sandbox reclaimed on solve",
		"participant", participant.String(),
		"challenge", challengeID,
		"handle", instance.Handle)
	return nil
}

// ForceKill destroys the instance with the given handle regardless of
// owner or age. Administrative.
func (m *Manager) ForceKill(ctx context.Context, handle string) error {
	instance, err := m.store.GetInstanceByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if err := m.destroyInstance(ctx, instance); err != nil {
		return err
	}
	m.logger.Info("sandbox force-killed", "handle", handle)
	return nil
}

// KillAll destroys every tracked instance, paging through the tracker
// in bounded batches. One sandbox failing to die does not stop the
// rest; the counts report how the purge went.
func (m *Manager) KillAll(ctx context.Context) (killed, failed int, err error) {
	err = m.store.ForEachInstanceBatch(ctx, killBatchSize, func(batch []store.Instance) error {
		for _, instance := range batch {
			if err := m.destroyInstance(ctx, instance); err != nil {
				m.logger.Warn("failed to kill sandbox",
					"handle", instance.Handle, "error", err)
				failed++
				continue
			}
			killed++
		}
		return nil
	})
	return killed, failed, err
}

// CleanupStale reclaims every sandbox older than the stale threshold.
// Returns the number reclaimed.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	now := m.clock.Now().UTC()
	reclaimed := 0
	err := m.store.ForEachInstanceBatch(ctx, killBatchSize, func(batch []store.Instance) error {
		for _, instance := range batch {
			if now.Sub(instance.CreatedAt) < m.staleAfter {
				continue
			}
			if err := m.destroyInstance(ctx, instance); err != nil {
				m.logger.Warn("failed to reclaim stale sandbox",
					"handle", instance.Handle, "error", err)
				continue
			}
			reclaimed++
			m.logger.Info("stale sandbox reclaimed",
				"participant", instance.Participant.String(),
				"challenge", instance.ChallengeID,
				"handle", instance.Handle,
				"age", now.Sub(instance.CreatedAt).Round(time.Second))
		}
		return nil
	})
	return reclaimed, err
}

// Run sweeps for stale sandboxes until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := m.CleanupStale(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("stale sweep failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				m.logger.Info("stale sweep finished", "reclaimed", reclaimed)
			}
		}
	}
}

// destroyInstance tears down the sandbox and forgets its record, in
// that order: if teardown fails the record survives for a later
// retry, which beats a leaked sandbox nothing remembers.
func (m *Manager) destroyInstance(ctx context.Context, instance store.Instance) error {
	strat, err := m.strategyFor(instance.Kind)
	if err != nil {
		return err
	}
	if err := strat.destroy(ctx, instance.Handle); err != nil {
		return err
	}
	return m.store.DeleteInstanceByHandle(ctx, instance.Handle)
}
