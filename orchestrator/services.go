// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"net/http"

	"github.com/garrison-ctf/garrison/fault"
)

// SecretMount attaches an endpoint secret to a service. The secret is
// surfaced inside the sandbox as a file under /run/secrets/. A
// protected mount is readable only by the sandbox's privileged owner;
// an unprotected one is world-readable, for challenges where reading
// the file is part of the exercise.
type SecretMount struct {
	ID        string
	Name      string
	Protected bool
}

// ServiceSpec describes a single-replica service to provision.
type ServiceSpec struct {
	Name     string
	Image    string
	Bindings []PortBinding
	Secrets  []SecretMount
}

// CreateService creates a replicated service with ingress port
// publishing and returns its handle.
func (c *Client) CreateService(ctx context.Context, spec ServiceSpec) (string, error) {
	secrets := make([]map[string]any, 0, len(spec.Secrets))
	for _, mount := range spec.Secrets {
		mode := 0o777
		if mount.Protected {
			mode = 0o600
		}
		secrets = append(secrets, map[string]any{
			"File": map[string]any{
				"Name": "/run/secrets/" + mount.Name,
				"UID":  "1",
				"GID":  "1",
				"Mode": mode,
			},
			"SecretID":   mount.ID,
			"SecretName": mount.Name,
		})
	}

	published := make([]map[string]any, 0, len(spec.Bindings))
	for _, binding := range spec.Bindings {
		published = append(published, map[string]any{
			"Protocol":      string(binding.Target.Protocol),
			"PublishMode":   "ingress",
			"PublishedPort": binding.Published,
			"TargetPort":    int(binding.Target.Port),
		})
	}

	body := map[string]any{
		"Name": spec.Name,
		"TaskTemplate": map[string]any{
			"ContainerSpec": map[string]any{
				"Image":   spec.Image,
				"Secrets": secrets,
			},
			"RestartPolicy": map[string]any{
				"Condition": "any",
			},
		},
		"Mode": map[string]any{
			"Replicated": map[string]any{
				"Replicas": 1,
			},
		},
		"EndpointSpec": map[string]any{
			"Mode":  "vip",
			"Ports": published,
		},
	}

	response, err := c.do(ctx, http.MethodPost, "/services/create", nil, body)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"ID"`
	}
	if err := decodeInto(response, "create service", &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fault.Transportf("create service: endpoint returned no id")
	}
	return created.ID, nil
}

// RemoveService removes a service. As with containers, a missing
// handle is success.
func (c *Client) RemoveService(ctx context.Context, handle string) error {
	response, err := c.do(ctx, http.MethodDelete, "/services/"+handle, nil, nil)
	if err != nil {
		return err
	}
	if response.StatusCode == http.StatusNotFound {
		response.Body.Close()
		return nil
	}
	return discard(response, "remove service")
}

// SwarmActive reports whether the endpoint is an active cluster
// manager. Service-kind challenges and the secret vault need cluster
// mode; container-kind challenges do not.
func (c *Client) SwarmActive(ctx context.Context) (bool, error) {
	response, err := c.do(ctx, http.MethodGet, "/swarm", nil, nil)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	switch response.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotAcceptable, http.StatusServiceUnavailable:
		// The endpoint answers but is not a cluster manager.
		return false, nil
	default:
		return false, statusFault(response, "query cluster state")
	}
}
