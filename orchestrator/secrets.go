// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/garrison-ctf/garrison/fault"
)

// EndpointSecret is one secret as listed by the endpoint. Payloads
// are write-only; the endpoint never returns them.
type EndpointSecret struct {
	ID   string
	Name string
}

// CreateSecret creates a secret on the endpoint and returns its
// handle. The payload crosses the wire base64-wrapped per the
// endpoint's API; confidentiality comes from the mutually
// authenticated TLS channel, not the encoding.
func (c *Client) CreateSecret(ctx context.Context, name string, payload []byte) (string, error) {
	body := map[string]any{
		"Name":   name,
		"Data":   base64.StdEncoding.EncodeToString(payload),
		"Labels": map[string]string{"garrison.managed": "true"},
	}

	response, err := c.do(ctx, http.MethodPost, "/secrets/create", nil, body)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"ID"`
	}
	if err := decodeInto(response, "create secret", &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fault.Transportf("create secret: endpoint returned no id")
	}
	return created.ID, nil
}

// ListSecrets returns the secrets the endpoint holds.
func (c *Client) ListSecrets(ctx context.Context) ([]EndpointSecret, error) {
	response, err := c.do(ctx, http.MethodGet, "/secrets", nil, nil)
	if err != nil {
		return nil, err
	}

	var listed []struct {
		ID   string `json:"ID"`
		Spec struct {
			Name string `json:"Name"`
		} `json:"Spec"`
	}
	if err := decodeInto(response, "list secrets", &listed); err != nil {
		return nil, err
	}

	secrets := make([]EndpointSecret, 0, len(listed))
	for _, entry := range listed {
		secrets = append(secrets, EndpointSecret{ID: entry.ID, Name: entry.Spec.Name})
	}
	return secrets, nil
}

// RemoveSecret deletes a secret from the endpoint. A handle the
// endpoint no longer knows is success.
func (c *Client) RemoveSecret(ctx context.Context, id string) error {
	response, err := c.do(ctx, http.MethodDelete, "/secrets/"+id, nil, nil)
	if err != nil {
		return err
	}
	if response.StatusCode == http.StatusNotFound {
		response.Body.Close()
		return nil
	}
	return discard(response, "remove secret")
}
