// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"time"

	"github.com/garrison-ctf/garrison/store"
)

// instancePayload is the participant-visible view of a sandbox.
type instancePayload struct {
	ChallengeID      int64     `json:"challenge_id"`
	Kind             string    `json:"kind"`
	Image            string    `json:"image"`
	Handle           string    `json:"handle"`
	Host             string    `json:"host"`
	Ports            []string  `json:"ports"`
	CreatedAt        time.Time `json:"created_at"`
	RevertEligibleAt time.Time `json:"revert_eligible_at"`
}

func toInstancePayload(instance store.Instance) instancePayload {
	return instancePayload{
		ChallengeID:      instance.ChallengeID,
		Kind:             string(instance.Kind),
		Image:            instance.Image,
		Handle:           instance.Handle,
		Host:             instance.Host,
		Ports:            instance.Ports,
		CreatedAt:        instance.CreatedAt,
		RevertEligibleAt: instance.RevertEligibleAt,
	}
}

func (h *handler) provision(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	challengeID, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	instance, created, err := h.lifecycle.Provision(r.Context(), participant, challengeID)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, struct {
		Instance instancePayload `json:"instance"`
		Created  bool            `json:"created"`
	}{toInstancePayload(instance), created})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	challengeID, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	instance, err := h.lifecycle.Status(r.Context(), participant, challengeID)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toInstancePayload(instance))
}

func (h *handler) revert(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	challengeID, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	instance, err := h.lifecycle.Revert(r.Context(), participant, challengeID)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toInstancePayload(instance))
}

func (h *handler) listInstances(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	instances, err := h.lifecycle.List(r.Context(), participant)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	payloads := make([]instancePayload, 0, len(instances))
	for _, instance := range instances {
		payloads = append(payloads, toInstancePayload(instance))
	}
	writeData(w, http.StatusOK, payloads)
}

// solve is the host platform's notification that the participant
// submitted the correct flag; the sandbox is reclaimed.
func (h *handler) solve(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}
	challengeID, err := challengeIDFrom(r)
	if err != nil {
		writeFault(w, h.logger, err)
		return
	}

	if err := h.lifecycle.HandleSolve(r.Context(), participant, challengeID); err != nil {
		writeFault(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}
