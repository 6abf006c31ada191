// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/garrison-ctf/garrison/fault"
)

// envelope is the uniform response shape. Success responses carry
// data; failures carry the error message.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeFault maps a fault kind to an HTTP status and writes the
// failure envelope. Unclassified errors become a 500 with a generic
// message; their detail goes to the log, not the client.
func writeFault(w http.ResponseWriter, logger *slog.Logger, err error) {
	var status int
	message := err.Error()
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindPolicy:
		status = http.StatusForbidden
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConflict:
		status = http.StatusConflict
	case fault.KindTransport, fault.KindExhausted:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		message = "internal error"
		logger.Error("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}
