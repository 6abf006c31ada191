// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/garrison-ctf/garrison/lib/testutil"
)

func TestServerServesAndShutsDown(t *testing.T) {
	server := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "hello")
		}),
		ShutdownTimeout: time.Second,
		Logger:          testutil.Logger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server never became ready")

	response, err := http.Get("http://" + server.Addr().String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}

	cancel()
	err = testutil.RequireReceive(t, done, 5*time.Second, "server did not stop")
	if err != nil {
		t.Errorf("Serve returned %v", err)
	}
}

func TestNewServerValidation(t *testing.T) {
	expectPanic := func(name string, cfg ServerConfig) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: NewServer did not panic", name)
			}
		}()
		NewServer(cfg)
	}

	ok := ServerConfig{
		Address: "127.0.0.1:0",
		Handler: http.NewServeMux(),
		Logger:  testutil.Logger(),
	}

	missingAddress := ok
	missingAddress.Address = ""
	expectPanic("missing address", missingAddress)

	halfKeypair := ok
	halfKeypair.CertFile = "cert.pem"
	expectPanic("cert without key", halfKeypair)
}
