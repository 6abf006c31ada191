// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"net/http"
	"net/url"
	"slices"
)

// BoundPorts returns every host port currently published on the
// endpoint, across both standalone containers and services. The port
// allocator treats the result as the blocked set, so the snapshot
// covers sandboxes Garrison tracks and anything else an operator has
// running on the same host.
func (c *Client) BoundPorts(ctx context.Context) ([]int, error) {
	bound, err := c.containerPorts(ctx)
	if err != nil {
		return nil, err
	}

	// Services only exist in cluster mode; a non-cluster endpoint has
	// nothing to add.
	active, err := c.SwarmActive(ctx)
	if err != nil {
		return nil, err
	}
	if active {
		servicePorts, err := c.servicePorts(ctx)
		if err != nil {
			return nil, err
		}
		bound = append(bound, servicePorts...)
	}

	slices.Sort(bound)
	return slices.Compact(bound), nil
}

func (c *Client) containerPorts(ctx context.Context) ([]int, error) {
	query := url.Values{"all": {"1"}}
	response, err := c.do(ctx, http.MethodGet, "/containers/json", query, nil)
	if err != nil {
		return nil, err
	}

	var listed []struct {
		Ports []struct {
			PublicPort int `json:"PublicPort"`
		} `json:"Ports"`
	}
	if err := decodeInto(response, "list container ports", &listed); err != nil {
		return nil, err
	}

	var bound []int
	for _, container := range listed {
		for _, port := range container.Ports {
			if port.PublicPort > 0 {
				bound = append(bound, port.PublicPort)
			}
		}
	}
	return bound, nil
}

func (c *Client) servicePorts(ctx context.Context) ([]int, error) {
	response, err := c.do(ctx, http.MethodGet, "/services", nil, nil)
	if err != nil {
		return nil, err
	}

	var listed []struct {
		Endpoint struct {
			Ports []struct {
				PublishedPort int `json:"PublishedPort"`
			} `json:"Ports"`
		} `json:"Endpoint"`
	}
	if err := decodeInto(response, "list service ports", &listed); err != nil {
		return nil, err
	}

	var bound []int
	for _, service := range listed {
		for _, port := range service.Endpoint.Ports {
			if port.PublishedPort > 0 {
				bound = append(bound, port.PublishedPort)
			}
		}
	}
	return bound, nil
}
