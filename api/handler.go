// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes Garrison over HTTP: participant-facing sandbox
// operations, the administrative surface (endpoint configuration,
// challenge definitions, the secret vault, force kills), and health.
//
// Every response uses one JSON envelope: {"success": true, "data":
// ...} or {"success": false, "error": "..."}. Participant identity
// travels in trusted headers set by the host platform, which proxies
// participant traffic and has already authenticated it; the admin
// surface is guarded by a bearer token.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/sealed"
	"github.com/garrison-ctf/garrison/lifecycle"
	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/store"
	"github.com/garrison-ctf/garrison/vault"
)

// Trusted request headers.
const (
	headerParticipantKind = "X-Garrison-Participant-Kind"
	headerParticipantID   = "X-Garrison-Participant-Id"
	headerAdminToken      = "X-Garrison-Admin-Token"
	headerActor           = "X-Garrison-Actor"
	headerRequestID       = "X-Request-Id"
)

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Lifecycle drives sandbox operations. Required.
	Lifecycle *lifecycle.Manager

	// Vault manages secrets. Required.
	Vault *vault.Vault

	// Store backs challenge and endpoint configuration handlers.
	// Required.
	Store *store.Store

	// Orchestrator serves image listings and health probes. Required.
	Orchestrator *orchestrator.Client

	// Identity seals client keys submitted through the endpoint
	// configuration. Required.
	Identity *sealed.Identity

	// AdminToken guards the administrative surface. Required.
	AdminToken string

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

type handler struct {
	lifecycle  *lifecycle.Manager
	vault      *vault.Vault
	store      *store.Store
	orc        *orchestrator.Client
	identity   *sealed.Identity
	adminToken string
	logger     *slog.Logger
}

// NewHandler builds the routed API handler.
func NewHandler(config HandlerConfig) http.Handler {
	if config.Lifecycle == nil || config.Vault == nil || config.Store == nil ||
		config.Orchestrator == nil || config.Identity == nil || config.Logger == nil {
		panic("api.NewHandler: Lifecycle, Vault, Store, Orchestrator, Identity, and Logger are required")
	}
	if config.AdminToken == "" {
		panic("api.NewHandler: AdminToken is required")
	}

	h := &handler{
		lifecycle:  config.Lifecycle,
		vault:      config.Vault,
		store:      config.Store,
		orc:        config.Orchestrator,
		identity:   config.Identity,
		adminToken: config.AdminToken,
		logger:     config.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)

	// Participant surface.
	mux.HandleFunc("POST /v1/challenges/{id}/instance", h.provision)
	mux.HandleFunc("GET /v1/challenges/{id}/instance", h.status)
	mux.HandleFunc("POST /v1/challenges/{id}/revert", h.revert)
	mux.HandleFunc("GET /v1/instances", h.listInstances)

	// Host-platform and administrative surface.
	mux.HandleFunc("POST /v1/challenges/{id}/solve", h.adminOnly(h.solve))
	mux.HandleFunc("GET /v1/admin/endpoint", h.adminOnly(h.getEndpoint))
	mux.HandleFunc("PUT /v1/admin/endpoint", h.adminOnly(h.putEndpoint))
	mux.HandleFunc("GET /v1/admin/images", h.adminOnly(h.listImages))
	mux.HandleFunc("GET /v1/admin/images/ports", h.adminOnly(h.imagePorts))
	mux.HandleFunc("GET /v1/admin/challenges", h.adminOnly(h.listChallenges))
	mux.HandleFunc("GET /v1/admin/challenges/{id}", h.adminOnly(h.getChallenge))
	mux.HandleFunc("PUT /v1/admin/challenges/{id}", h.adminOnly(h.putChallenge))
	mux.HandleFunc("DELETE /v1/admin/challenges/{id}", h.adminOnly(h.deleteChallenge))
	mux.HandleFunc("POST /v1/admin/secrets", h.adminOnly(h.createSecret))
	mux.HandleFunc("GET /v1/admin/secrets", h.adminOnly(h.listSecrets))
	mux.HandleFunc("DELETE /v1/admin/secrets", h.adminOnly(h.deleteAllSecrets))
	mux.HandleFunc("DELETE /v1/admin/secrets/{id}", h.adminOnly(h.deleteSecret))
	mux.HandleFunc("GET /v1/admin/audit", h.adminOnly(h.auditRecords))
	mux.HandleFunc("DELETE /v1/admin/instances", h.adminOnly(h.killAll))
	mux.HandleFunc("DELETE /v1/admin/instances/{handle}", h.adminOnly(h.forceKill))

	return h.withRequestID(mux)
}

// withRequestID tags each request with an id for log correlation,
// honoring one supplied by an upstream proxy.
func (h *handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)
		h.logger.Debug("request",
			"id", requestID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// adminOnly rejects requests without the admin bearer token.
func (h *handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		supplied := r.Header.Get(headerAdminToken)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.adminToken)) != 1 {
			writeFault(w, h.logger, fault.Policyf("missing or invalid admin token"))
			return
		}
		next(w, r)
	}
}

// participantFrom extracts the participant identity the host platform
// attached to the request.
func participantFrom(r *http.Request) (store.Participant, error) {
	kind := store.ParticipantKind(r.Header.Get(headerParticipantKind))
	rawID := r.Header.Get(headerParticipantID)
	if kind == "" || rawID == "" {
		return store.Participant{}, fault.Validationf("participant identity headers are missing")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return store.Participant{}, fault.Validationf("participant id %q is not numeric", rawID)
	}
	participant := store.Participant{Kind: kind, ID: id}
	if err := participant.Validate(); err != nil {
		return store.Participant{}, err
	}
	return participant, nil
}

// challengeIDFrom parses the {id} path segment.
func challengeIDFrom(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.Validationf("challenge id %q is not a positive integer", raw)
	}
	return id, nil
}

// encryptedInbound reports whether the request arrived over an
// encrypted channel, directly or behind a TLS-terminating proxy.
func encryptedInbound(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// actorFrom names the admin acting on the vault, for the audit trail.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get(headerActor); actor != "" {
		return actor
	}
	return "admin"
}

// health reports Garrison's own liveness plus the orchestration
// endpoint's reachability. Always 200; an unreachable endpoint is a
// reported condition, not a failure of Garrison itself.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	type healthPayload struct {
		Status            string `json:"status"`
		EndpointReachable bool   `json:"endpoint_reachable"`
		EngineVersion     string `json:"engine_version,omitempty"`
	}

	payload := healthPayload{Status: "ok"}
	if err := h.orc.Ping(r.Context()); err == nil {
		payload.EndpointReachable = true
		if version, err := h.orc.Version(r.Context()); err == nil {
			payload.EngineVersion = version
		}
	}
	writeData(w, http.StatusOK, payload)
}
