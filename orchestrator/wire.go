// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/netutil"
)

func encodeBody(body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode request body: %w", err)
	}
	return bytes.NewReader(data), nil
}

// decodeInto checks the response status and decodes the body into v.
// Always closes the body.
func decodeInto(response *http.Response, operation string, v any) error {
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusFault(response, operation)
	}
	if v == nil {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, v); err != nil {
		return fmt.Errorf("orchestrator: %s: decode response: %w", operation, err)
	}
	return nil
}

// discard checks the response status and drains the body. Always
// closes the body.
func discard(response *http.Response, operation string) error {
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusFault(response, operation)
	}
	io.Copy(io.Discard, io.LimitReader(response.Body, netutil.MaxResponseSize))
	return nil
}

// statusFault converts a non-2xx orchestrator response into a fault.
// The endpoint reports operator-facing problems (bad image reference,
// missing object) alongside real transport failures, so the status
// code picks the kind.
func statusFault(response *http.Response, operation string) error {
	detail := strings.TrimSpace(netutil.ErrorBody(response.Body))
	if len(detail) > 300 {
		detail = detail[:300]
	}
	switch response.StatusCode {
	case http.StatusNotFound:
		return fault.NotFoundf("%s: %s", operation, messageOr(detail, "not found"))
	case http.StatusConflict:
		return fault.Conflictf("%s: %s", operation, messageOr(detail, "conflict"))
	case http.StatusBadRequest:
		return fault.Validationf("%s: %s", operation, messageOr(detail, "rejected"))
	default:
		return fault.Transportf("%s: endpoint returned %d: %s",
			operation, response.StatusCode, messageOr(detail, "no detail"))
	}
}

// messageOr extracts the "message" field the endpoint wraps its error
// bodies in, falling back to the raw detail or a default.
func messageOr(detail, fallback string) string {
	if detail == "" {
		return fallback
	}
	var wrapper struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(detail), &wrapper); err == nil && wrapper.Message != "" {
		return wrapper.Message
	}
	return detail
}
