// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/store"
)

// instanceName derives the orchestrator-side name for a sandbox. The
// name is deterministic in (participant, challenge, image): a retried
// or duplicated provisioning attempt computes the same name, which is
// what lets the name-conflict path converge on the surviving sandbox
// instead of leaking a second one.
func instanceName(participant store.Participant, challenge store.Challenge) string {
	hash := blake3.New()
	fmt.Fprintf(hash, "%s:%d:%d:%s", participant.Kind, participant.ID, challenge.ID, challenge.Image)
	suffix := hex.EncodeToString(hash.Sum(nil)[:6])

	prefix := mangleImage(challenge.Image)
	if challenge.Kind == store.SandboxService {
		prefix = "svc_" + prefix
	}
	return prefix + "_" + suffix
}

// mangleImage reduces an image reference to characters the
// orchestrator accepts in object names.
func mangleImage(image string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(image) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	mangled := strings.Trim(b.String(), "_")
	if mangled == "" {
		return "sandbox"
	}
	if len(mangled) > 40 {
		mangled = mangled[:40]
	}
	return mangled
}

// connectionHost extracts the host participants should connect to
// from the endpoint address. A socket address has no routable host;
// the sandbox ports surface on the machine Garrison runs on.
func connectionHost(address string) string {
	if trimmed, ok := strings.CutPrefix(address, "tcp://"); ok {
		host, _, err := net.SplitHostPort(trimmed)
		if err != nil {
			// A bare host with no port is still usable as-is.
			host = trimmed
		}
		if host != "" {
			return host
		}
	}
	return "localhost"
}

// renderBindings formats published-to-target mappings the way they
// are stored and shown, e.g. "30527->80/tcp".
func renderBindings(bindings []orchestrator.PortBinding) []string {
	rendered := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		rendered = append(rendered, fmt.Sprintf("%d->%s", binding.Published, binding.Target))
	}
	return rendered
}
