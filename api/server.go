// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves Garrison's HTTP API on a TCP listener, optionally
// with TLS. The server manages listener lifecycle and graceful
// shutdown; the handler (routing, auth, responses) is built
// separately with NewHandler.
//
// Serve(ctx) blocks until the context is cancelled and active
// requests drain.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// certFile and keyFile enable TLS when both are set.
	certFile string
	keyFile  string

	// shutdownTimeout is the maximum time to wait for active
	// requests to complete after the context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound and the server
	// is accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after ready is
	// closed.
	addr net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g., "127.0.0.1:8400").
	// Required.
	Address string

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// CertFile and KeyFile are paths to a PEM certificate and key.
	// Both set enables TLS; both empty serves plaintext, for
	// deployments that terminate TLS in front of Garrison.
	CertFile string
	KeyFile  string

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during graceful shutdown. Defaults to
	// 10 seconds if zero.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a server that will listen on the configured TCP
// address. Call Serve to start accepting connections.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		panic("api.Server: Address is required")
	}
	if config.Handler == nil {
		panic("api.Server: Handler is required")
	}
	if config.Logger == nil {
		panic("api.Server: Logger is required")
	}
	if (config.CertFile == "") != (config.KeyFile == "") {
		panic("api.Server: CertFile and KeyFile must be set together")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		certFile:        config.CertFile,
		keyFile:         config.KeyFile,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound
// and accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed. Useful when the configured address uses port 0 (OS-
// assigned port) — the resolved address contains the actual port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve starts accepting HTTP connections. Blocks until ctx is
// cancelled, then performs graceful shutdown: stops accepting new
// connections and waits up to ShutdownTimeout for active requests
// to complete.
func (s *Server) Serve(ctx context.Context) error {
	// Bind the listener early so we can extract the resolved
	// address and signal readiness before entering the serve loop.
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Requests are small JSON bodies; the only large payloads are
		// PEM certificates in the endpoint configuration, still well
		// under these limits.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("api server listening",
		"address", s.addr.String(), "tls", s.certFile != "")

	// Serve in a goroutine so we can wait for the context.
	serveDone := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = server.ServeTLS(listener, s.certFile, s.keyFile)
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	// Wait for context cancellation or serve error.
	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	// Graceful shutdown: stop accepting new connections, wait for
	// in-flight requests to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
		return fmt.Errorf("api server shutdown: %w", err)
	}

	s.logger.Info("api server stopped")
	return nil
}
