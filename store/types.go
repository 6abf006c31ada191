// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"time"

	"github.com/garrison-ctf/garrison/fault"
)

// ParticipantKind distinguishes the two identity scopes a sandbox can
// be owned by.
type ParticipantKind string

const (
	ParticipantUser ParticipantKind = "user"
	ParticipantTeam ParticipantKind = "team"
)

// Participant identifies the owner of a sandbox instance. In
// team-scoped deployments every member of a team resolves to the same
// Participant, so the whole team shares one instance per challenge.
type Participant struct {
	Kind ParticipantKind
	ID   int64
}

// Validate checks that the participant is well formed.
func (p Participant) Validate() error {
	switch p.Kind {
	case ParticipantUser, ParticipantTeam:
	default:
		return fault.Validationf("unknown participant kind %q", p.Kind)
	}
	if p.ID <= 0 {
		return fault.Validationf("participant id must be positive, got %d", p.ID)
	}
	return nil
}

// String renders the participant as "kind:id" for logs.
func (p Participant) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// SandboxKind selects the provisioning strategy for a challenge.
type SandboxKind string

const (
	// SandboxContainer provisions a standalone container on the
	// orchestration endpoint.
	SandboxContainer SandboxKind = "container"

	// SandboxService provisions a replicated service with ingress
	// port publishing and optional secret mounts.
	SandboxService SandboxKind = "service"
)

// SecretRef attaches one vault secret to a service-kind challenge.
// Protected refs mount read-only to a privileged owner; unprotected
// refs mount world-readable.
type SecretRef struct {
	ID        string `json:"id"`
	Protected bool   `json:"protected"`
}

// Challenge is an admin-authored sandbox definition.
type Challenge struct {
	ID    int64
	Kind  SandboxKind
	Image string

	// ExposedPorts are the declared internal ports to publish. May be
	// empty, in which case the image's own exposed-port metadata is
	// consulted at provisioning time.
	ExposedPorts string

	// SecretRefs lists the secrets mounted into service-kind
	// sandboxes, in mount order. Always empty for container kind.
	SecretRefs []SecretRef
}

// Instance is a live sandbox tracked by Garrison. Handle is the
// orchestrator-assigned identifier used for teardown.
type Instance struct {
	Participant Participant
	ChallengeID int64

	// Kind records which provisioning shape built the sandbox, so
	// teardown picks the matching removal call even after the
	// challenge definition is deleted or changed.
	Kind SandboxKind

	Image  string
	Handle string

	// Ports holds the rendered published-to-internal port mappings,
	// one per published port, e.g. "30527->80/tcp".
	Ports []string

	// Host is the connection host participants are shown.
	Host string

	CreatedAt        time.Time
	RevertEligibleAt time.Time
}

// Secret is Garrison's record of a secret created on the
// orchestration endpoint. The payload never touches the store; only
// the orchestrator-assigned id, the unique name, and the protection
// flag are kept.
type Secret struct {
	ID        string
	Name      string
	Protected bool
}

// EndpointConfig describes the orchestration endpoint Garrison
// provisions against. Credentials are PEM text except the client key,
// which is stored sealed and only unsealed in memory for the duration
// of a single connection setup.
type EndpointConfig struct {
	// Address is the endpoint base URL, e.g. "tcp://10.0.0.5:2376"
	// or "unix:///var/run/docker.sock".
	Address string

	TLSEnabled bool

	// CACert and ClientCert are PEM-encoded.
	CACert     string
	ClientCert string

	// SealedClientKey is the client TLS key, sealed to the deployment
	// identity.
	SealedClientKey string

	// ImageAllowlist restricts which repositories admins may
	// reference in challenge definitions. Empty means no restriction.
	ImageAllowlist []string
}
