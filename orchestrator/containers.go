// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/ports"
)

// PortBinding maps one allocated published port to a sandbox-internal
// target port.
type PortBinding struct {
	Published int
	Target    ports.Spec
}

// ContainerSpec describes a standalone container to provision.
type ContainerSpec struct {
	Name     string
	Image    string
	Bindings []PortBinding
}

// CreateContainer creates a container and returns its handle. If a
// container with the same name already exists the endpoint rejects
// the create with a conflict; the existing container's handle is
// looked up by name and returned instead, so a crashed or duplicated
// provisioning attempt converges on the surviving container.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := make(map[string]struct{}, len(spec.Bindings))
	bindings := make(map[string][]map[string]string, len(spec.Bindings))
	for _, binding := range spec.Bindings {
		key := binding.Target.String()
		exposed[key] = struct{}{}
		bindings[key] = append(bindings[key], map[string]string{
			"HostPort": strconv.Itoa(binding.Published),
		})
	}

	body := map[string]any{
		"Image":        spec.Image,
		"ExposedPorts": exposed,
		"HostConfig": map[string]any{
			"PortBindings": bindings,
		},
	}

	query := url.Values{"name": {spec.Name}}
	response, err := c.do(ctx, http.MethodPost, "/containers/create", query, body)
	if err != nil {
		return "", err
	}

	if response.StatusCode == http.StatusConflict {
		response.Body.Close()
		return c.findContainerByName(ctx, spec.Name)
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := decodeInto(response, "create container", &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fault.Transportf("create container: endpoint returned no id")
	}
	return created.ID, nil
}

// findContainerByName resolves the handle of an existing container by
// its exact name.
func (c *Client) findContainerByName(ctx context.Context, name string) (string, error) {
	filters, err := json.Marshal(map[string][]string{"name": {name}})
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode name filter: %w", err)
	}
	query := url.Values{
		"all":     {"1"},
		"filters": {string(filters)},
	}
	response, err := c.do(ctx, http.MethodGet, "/containers/json", query, nil)
	if err != nil {
		return "", err
	}

	var listed []struct {
		ID string `json:"Id"`
	}
	if err := decodeInto(response, "find container by name", &listed); err != nil {
		return "", err
	}
	if len(listed) == 0 {
		return "", fault.NotFoundf("container %q reported as existing but not listed", name)
	}
	return listed[0].ID, nil
}

// StartContainer starts a created container. Starting an
// already-running container is treated as success.
func (c *Client) StartContainer(ctx context.Context, handle string) error {
	response, err := c.do(ctx, http.MethodPost, "/containers/"+handle+"/start", nil, nil)
	if err != nil {
		return err
	}
	if response.StatusCode == http.StatusNotModified {
		response.Body.Close()
		return nil
	}
	return discard(response, "start container")
}

// RemoveContainer force-removes a container. A handle the endpoint no
// longer knows is treated as success: the goal state (container gone)
// already holds.
func (c *Client) RemoveContainer(ctx context.Context, handle string) error {
	query := url.Values{"force": {"true"}}
	response, err := c.do(ctx, http.MethodDelete, "/containers/"+handle, query, nil)
	if err != nil {
		return err
	}
	if response.StatusCode == http.StatusNotFound {
		response.Body.Close()
		return nil
	}
	return discard(response, "remove container")
}
