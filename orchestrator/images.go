// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/garrison-ctf/garrison/ports"
)

// Ping verifies the endpoint answers at all. Used by the health
// endpoint and by the admin configuration flow to validate a new
// endpoint before saving it.
func (c *Client) Ping(ctx context.Context) error {
	response, err := c.do(ctx, http.MethodGet, "/_ping", nil, nil)
	if err != nil {
		return err
	}
	return discard(response, "ping")
}

// Version returns the endpoint's reported engine version.
func (c *Client) Version(ctx context.Context) (string, error) {
	response, err := c.do(ctx, http.MethodGet, "/version", nil, nil)
	if err != nil {
		return "", err
	}
	var version struct {
		Version string `json:"Version"`
	}
	if err := decodeInto(response, "query version", &version); err != nil {
		return "", err
	}
	return version.Version, nil
}

// Images returns the tagged images available on the endpoint,
// filtered to the configured allowlist. An empty allowlist admits
// every tag. The allowlist matches on repository prefix, so
// "garrison/web" admits "garrison/web:v2".
func (c *Client) Images(ctx context.Context, allowlist []string) ([]string, error) {
	response, err := c.do(ctx, http.MethodGet, "/images/json", nil, nil)
	if err != nil {
		return nil, err
	}

	var listed []struct {
		RepoTags []string `json:"RepoTags"`
	}
	if err := decodeInto(response, "list images", &listed); err != nil {
		return nil, err
	}

	var tags []string
	for _, image := range listed {
		for _, tag := range image.RepoTags {
			if tag == "" || tag == "<none>:<none>" {
				continue
			}
			if allowed(tag, allowlist) {
				tags = append(tags, tag)
			}
		}
	}
	slices.Sort(tags)
	return tags, nil
}

func allowed(tag string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, prefix := range allowlist {
		if tag == prefix || strings.HasPrefix(tag, prefix+":") || strings.HasPrefix(tag, prefix+"/") {
			return true
		}
	}
	return false
}

// ImageExposedPorts returns the ports an image declares in its
// metadata, sorted. Used as the fallback when a challenge definition
// does not declare ports explicitly.
func (c *Client) ImageExposedPorts(ctx context.Context, image string) ([]ports.Spec, error) {
	response, err := c.do(ctx, http.MethodGet, "/images/"+url.PathEscape(image)+"/json", nil, nil)
	if err != nil {
		return nil, err
	}

	var inspected struct {
		Config struct {
			ExposedPorts map[string]struct{} `json:"ExposedPorts"`
		} `json:"Config"`
	}
	if err := decodeInto(response, "inspect image", &inspected); err != nil {
		return nil, err
	}

	specs := make([]ports.Spec, 0, len(inspected.Config.ExposedPorts))
	for declared := range inspected.Config.ExposedPorts {
		spec, err := ports.Parse(declared)
		if err != nil {
			// Declarations in protocols Garrison does not publish are
			// skipped rather than failing the whole inspect.
			continue
		}
		specs = append(specs, spec)
	}
	return ports.Merge(specs, nil), nil
}
