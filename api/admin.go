// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/sealed"
	"github.com/garrison-ctf/garrison/store"
)

// readBody decodes a JSON request body into v.
func readBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Validationf("request body is not valid JSON: %v", err)
	}
	return nil
}

// --- Endpoint configuration ---

// endpointSummary is what GET returns: the shape of the configuration
// without the credential material.
type endpointSummary struct {
	Address        string   `json:"address"`
	TLSEnabled     bool     `json:"tls_enabled"`
	ImageAllowlist []string `json:"image_allowlist,omitempty"`
}

func (h *handler) getEndpoint(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetEndpointConfig(r.Context())
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, endpointSummary{
		Address:        cfg.Address,
		TLSEnabled:     cfg.TLSEnabled,
		ImageAllowlist: cfg.ImageAllowlist,
	})
}

func (h *handler) putEndpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address        string   `json:"address"`
		TLSEnabled     bool     `json:"tls_enabled"`
		CACert         string   `json:"ca_cert"`
		ClientCert     string   `json:"client_cert"`
		ClientKey      string   `json:"client_key"`
		ImageAllowlist []string `json:"image_allowlist"`
	}
	if err := readBody(r, &body); err != nil {
		writeFault(w, h.logger, err)
		return
	}

	// The client key arrives in the clear exactly once, over the
	// admin's encrypted connection, and is sealed before anything is
	// persisted.
	var sealedKey string
	if body.ClientKey != "" {
		if !encryptedInbound(r) {
			writeFault(w, h.logger, fault.Policyf("refusing key material received over an unencrypted connection"))
			return
		}
		var err error
		sealedKey, err = sealed.Seal([]byte(body.ClientKey), h.identity.Recipient)
		if err != nil {
			writeFault(w, h.logger, err)
			return
		}
	}

	err := h.store.SetEndpointConfig(r.Context(), store.EndpointConfig{
		Address:         body.Address,
		TLSEnabled:      body.TLSEnabled,
		CACert:          body.CACert,
		ClientCert:      body.ClientCert,
		SealedClientKey: sealedKey,
		ImageAllowlist:  body.ImageAllowlist,
	})
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	// Probe the new endpoint so the admin learns immediately whether
	// the configuration works; an unreachable endpoint is still
	// saved, for pre-provisioning setups.
	reachable := h.orc.Ping(r.Context()) == nil
	writeData(w, http.StatusOK, struct {
		Reachable bool `json:"reachable"`
	}{reachable})
}

// --- Images ---

func (h *handler) listImages(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetEndpointConfig(r.Context())
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	images, err := h.orc.Images(r.Context(), cfg.ImageAllowlist)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	if images == nil {
		images = []string{}
	}
	writeData(w, http.StatusOK, images)
}

func (h *handler) imagePorts(w http.ResponseWriter, r *http.Request) {
	image := r.URL.Query().Get("image")
	if image == "" {
		writeFault(w, h.logger, fault.Validationf("image query parameter is required"))
		return
	}
	specs, err := h.orc.ImageExposedPorts(r.Context(), image)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	declared := make([]string, 0, len(specs))
	for _, spec := range specs {
		declared = append(declared, spec.String())
	}
	writeData(w, http.StatusOK, declared)
}

// --- Challenge definitions ---

type challengePayload struct {
	ID           int64             `json:"id"`
	Kind         string            `json:"kind"`
	Image        string            `json:"image"`
	ExposedPorts string            `json:"exposed_ports,omitempty"`
	SecretRefs   []store.SecretRef `json:"secret_refs,omitempty"`
}

func toChallengePayload(challenge store.Challenge) challengePayload {
	return challengePayload{
		ID:           challenge.ID,
		Kind:         string(challenge.Kind),
		Image:        challenge.Image,
		ExposedPorts: challenge.ExposedPorts,
		SecretRefs:   challenge.SecretRefs,
	}
}

func (h *handler) listChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.store.ListChallenges(r.Context())
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	payloads := make([]challengePayload, 0, len(challenges))
	for _, challenge := range challenges {
		payloads = append(payloads, toChallengePayload(challenge))
	}
	writeData(w, http.StatusOK, payloads)
}

func (h *handler) getChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	challenge, err := h.store.GetChallenge(r.Context(), id)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toChallengePayload(challenge))
}

func (h *handler) putChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	var body challengePayload
	if err := readBody(r, &body); err != nil {
		writeFault(w, h.logger, err)
		return
	}

	err = h.store.PutChallenge(r.Context(), store.Challenge{
		ID:           id,
		Kind:         store.SandboxKind(body.Kind),
		Image:        body.Image,
		ExposedPorts: body.ExposedPorts,
		SecretRefs:   body.SecretRefs,
	})
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (h *handler) deleteChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	if err := h.store.DeleteChallenge(r.Context(), id); err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// --- Secrets ---

type secretPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
}

func (h *handler) createSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		Data      string `json:"data"` // base64
		Protected bool   `json:"protected"`
	}
	if err := readBody(r, &body); err != nil {
		writeFault(w, h.logger, err)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeFault(w, h.logger, fault.Validationf("data must be base64: %v", err))
		return
	}

	secret, err := h.vault.Create(r.Context(), body.Name, payload, body.Protected,
		actorFrom(r), encryptedInbound(r))
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, secretPayload{
		ID: secret.ID, Name: secret.Name, Protected: secret.Protected,
	})
}

func (h *handler) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := h.vault.List(r.Context())
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	payloads := make([]secretPayload, 0, len(secrets))
	for _, secret := range secrets {
		payloads = append(payloads, secretPayload{
			ID: secret.ID, Name: secret.Name, Protected: secret.Protected,
		})
	}
	writeData(w, http.StatusOK, payloads)
}

func (h *handler) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Delete(r.Context(), r.PathValue("id"), actorFrom(r)); err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// deleteAllSecrets reports per-secret outcomes, naming each survivor
// and why it stayed; success is only claimed when every secret went.
func (h *handler) deleteAllSecrets(w http.ResponseWriter, r *http.Request) {
	deleted, failures, err := h.vault.DeleteAll(r.Context(), actorFrom(r))
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	type failurePayload struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Reason string `json:"reason"`
	}
	reported := make([]failurePayload, 0, len(failures))
	for _, failure := range failures {
		reported = append(reported, failurePayload(failure))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Success bool `json:"success"`
		Data    any  `json:"data"`
	}{
		Success: len(failures) == 0,
		Data: struct {
			Deleted  int              `json:"deleted"`
			Failed   int              `json:"failed"`
			Failures []failurePayload `json:"failures,omitempty"`
		}{deleted, len(failures), reported},
	})
}

func (h *handler) auditRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.vault.AuditRecords()
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, records)
}

// --- Instances ---

func (h *handler) forceKill(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.ForceKill(r.Context(), r.PathValue("handle")); err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (h *handler) killAll(w http.ResponseWriter, r *http.Request) {
	killed, failed, err := h.lifecycle.KillAll(r.Context())
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, struct {
		Killed int `json:"killed"`
		Failed int `json:"failed"`
	}{killed, failed})
}
