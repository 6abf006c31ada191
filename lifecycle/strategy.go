// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/store"
)

// strategy is the provisioning shape behind a sandbox kind. create
// returns the orchestrator handle; destroy tears the sandbox down and
// treats an already-gone handle as success.
type strategy interface {
	create(ctx context.Context, name string, challenge store.Challenge, bindings []orchestrator.PortBinding) (string, error)
	destroy(ctx context.Context, handle string) error
}

func (m *Manager) strategyFor(kind store.SandboxKind) (strategy, error) {
	switch kind {
	case store.SandboxContainer:
		return containerStrategy{orc: m.orc}, nil
	case store.SandboxService:
		return serviceStrategy{orc: m.orc, store: m.store}, nil
	default:
		return nil, fault.Validationf("unknown sandbox kind %q", kind)
	}
}

type containerStrategy struct {
	orc *orchestrator.Client
}

func (s containerStrategy) create(ctx context.Context, name string, challenge store.Challenge, bindings []orchestrator.PortBinding) (string, error) {
	handle, err := s.orc.CreateContainer(ctx, orchestrator.ContainerSpec{
		Name:     name,
		Image:    challenge.Image,
		Bindings: bindings,
	})
	if err != nil {
		return "", err
	}
	if err := s.orc.StartContainer(ctx, handle); err != nil {
		// Leave nothing half-built: a container that will not start is
		// removed before the error propagates.
		if removeErr := s.orc.RemoveContainer(ctx, handle); removeErr != nil {
			return "", fault.Transportf("start failed (%v) and cleanup failed: %v", err, removeErr)
		}
		return "", err
	}
	return handle, nil
}

func (s containerStrategy) destroy(ctx context.Context, handle string) error {
	return s.orc.RemoveContainer(ctx, handle)
}

type serviceStrategy struct {
	orc   *orchestrator.Client
	store *store.Store
}

func (s serviceStrategy) create(ctx context.Context, name string, challenge store.Challenge, bindings []orchestrator.PortBinding) (string, error) {
	active, err := s.orc.SwarmActive(ctx)
	if err != nil {
		return "", err
	}
	if !active {
		return "", fault.Policyf("service challenges require a cluster-mode endpoint")
	}

	mounts := make([]orchestrator.SecretMount, 0, len(challenge.SecretRefs))
	for _, ref := range challenge.SecretRefs {
		record, err := s.store.GetSecret(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		mounts = append(mounts, orchestrator.SecretMount{
			ID:        record.ID,
			Name:      record.Name,
			Protected: ref.Protected,
		})
	}

	return s.orc.CreateService(ctx, orchestrator.ServiceSpec{
		Name:     name,
		Image:    challenge.Image,
		Bindings: bindings,
		Secrets:  mounts,
	})
}

func (s serviceStrategy) destroy(ctx context.Context, handle string) error {
	return s.orc.RemoveService(ctx, handle)
}
