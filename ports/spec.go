// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package ports handles declared port specifications and host port
// allocation for sandbox instances.
//
// A port specification is the ASCII form "<port>/<protocol>" — for
// example "80/tcp" or "53/udp" — comma-joined when a challenge
// declares several. The protocol token is case-insensitive on input
// and normalized to lower case.
package ports

import (
	"sort"
	"strconv"
	"strings"

	"github.com/garrison-ctf/garrison/fault"
)

// Protocol is a transport protocol token in a port specification.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Spec is one declared port: a port number and a protocol.
type Spec struct {
	Port     uint16
	Protocol Protocol
}

// String renders the spec in wire form, e.g. "80/tcp".
func (s Spec) String() string {
	return strconv.Itoa(int(s.Port)) + "/" + string(s.Protocol)
}

// Parse parses a single "<port>/<protocol>" token. The protocol is
// case-insensitive. Returns a validation fault for anything else.
func Parse(token string) (Spec, error) {
	number, protocol, found := strings.Cut(strings.TrimSpace(token), "/")
	if !found {
		return Spec{}, fault.Validationf("invalid port format %q: expected port/protocol (e.g. 80/tcp)", token)
	}

	port, err := strconv.Atoi(number)
	if err != nil {
		return Spec{}, fault.Validationf("invalid port format %q: expected port/protocol (e.g. 80/tcp)", token)
	}
	if port < 1 || port > 65535 {
		return Spec{}, fault.Validationf("port number %d is out of range: must be between 1 and 65535", port)
	}

	switch Protocol(strings.ToLower(protocol)) {
	case TCP:
		return Spec{Port: uint16(port), Protocol: TCP}, nil
	case UDP:
		return Spec{Port: uint16(port), Protocol: UDP}, nil
	default:
		return Spec{}, fault.Validationf("invalid protocol %q in %q: must be tcp or udp", protocol, token)
	}
}

// ParseList parses a comma-joined list of port specifications. Empty
// entries are skipped; a list with no valid entries is a validation
// fault, since every challenge must expose at least one port.
func ParseList(joined string) ([]Spec, error) {
	var specs []Spec
	for _, token := range strings.Split(joined, ",") {
		if strings.TrimSpace(token) == "" {
			continue
		}
		spec, err := Parse(token)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fault.Validationf("at least one exposed port is required (e.g. 80/tcp)")
	}
	return specs, nil
}

// Join renders specs in wire form, comma-joined.
func Join(specs []Spec) string {
	tokens := make([]string, len(specs))
	for i, spec := range specs {
		tokens[i] = spec.String()
	}
	return strings.Join(tokens, ",")
}

// Merge returns the union of two spec lists, deduplicated and sorted
// by port then protocol. Used to combine challenge-declared ports with
// the ports the image itself declares.
func Merge(a, b []Spec) []Spec {
	seen := make(map[Spec]struct{}, len(a)+len(b))
	var merged []Spec
	for _, spec := range a {
		if _, dup := seen[spec]; !dup {
			seen[spec] = struct{}{}
			merged = append(merged, spec)
		}
	}
	for _, spec := range b {
		if _, dup := seen[spec]; !dup {
			seen[spec] = struct{}{}
			merged = append(merged, spec)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Port != merged[j].Port {
			return merged[i].Port < merged[j].Port
		}
		return merged[i].Protocol < merged[j].Protocol
	})
	return merged
}
