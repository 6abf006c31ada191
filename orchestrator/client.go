// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements Garrison's client for the container
// orchestration endpoint's HTTP API. It covers the two provisioning
// shapes (standalone containers and replicated services), image
// metadata, port occupancy snapshots, and the secret store.
//
// The client re-reads the persisted endpoint configuration on every
// call, so an admin pointing Garrison at a different endpoint takes
// effect immediately without a restart. Mutual-TLS credentials are
// held sealed at rest: the client private key is unsealed into a
// locked memory buffer only for the duration of building one
// transport, then zeroed.
package orchestrator

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/sealed"
	"github.com/garrison-ctf/garrison/store"
)

// ConfigSource supplies the current orchestration endpoint
// configuration. *store.Store satisfies this.
type ConfigSource interface {
	GetEndpointConfig(ctx context.Context) (store.EndpointConfig, error)
}

// Client talks to the orchestration endpoint. Safe for concurrent
// use.
type Client struct {
	source   ConfigSource
	identity *sealed.Identity
	timeout  time.Duration
	logger   *slog.Logger
}

// Config holds the parameters for NewClient.
type Config struct {
	// Source supplies the endpoint configuration per call. Required.
	Source ConfigSource

	// Identity unseals the client TLS key. Required when the
	// configured endpoint uses TLS.
	Identity *sealed.Identity

	// Timeout bounds each orchestrator call. Defaults to 20 seconds.
	Timeout time.Duration

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// NewClient creates an orchestrator client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("orchestrator: Source is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("orchestrator: Logger is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		source:   cfg.Source,
		identity: cfg.Identity,
		timeout:  timeout,
		logger:   cfg.Logger,
	}, nil
}

// endpoint is one resolved configuration: a base URL plus an HTTP
// client whose transport already carries the right credentials.
type endpoint struct {
	base string
	http *http.Client
}

// resolve reads the current configuration and builds a transport for
// it. Each call gets a fresh transport; connection reuse across calls
// is deliberately not attempted so that credential and address
// changes are picked up immediately.
func (c *Client) resolve(ctx context.Context) (*endpoint, error) {
	cfg, err := c.source.GetEndpointConfig(ctx)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{}
	var base string
	switch {
	case strings.HasPrefix(cfg.Address, "unix://"):
		socketPath := strings.TrimPrefix(cfg.Address, "unix://")
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		}
		base = "http://orchestrator"
	case strings.HasPrefix(cfg.Address, "tcp://"):
		host := strings.TrimPrefix(cfg.Address, "tcp://")
		scheme := "http"
		if cfg.TLSEnabled {
			scheme = "https"
			tlsConfig, err := c.buildTLSConfig(cfg)
			if err != nil {
				return nil, err
			}
			transport.TLSClientConfig = tlsConfig
		}
		base = scheme + "://" + host
	default:
		return nil, fault.Validationf("unsupported endpoint address %q", cfg.Address)
	}

	return &endpoint{
		base: base,
		http: &http.Client{Transport: transport, Timeout: c.timeout},
	}, nil
}

func (c *Client) buildTLSConfig(cfg store.EndpointConfig) (*tls.Config, error) {
	if c.identity == nil {
		return nil, fault.Validationf("endpoint requires TLS but no deployment identity is loaded")
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM([]byte(cfg.CACert)) {
		return nil, fault.Validationf("endpoint CA certificate is not valid PEM")
	}

	// The client key exists in the clear only inside this scope.
	keyBuffer, err := sealed.Unseal(cfg.SealedClientKey, c.identity)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: unseal client key: %w", err)
	}
	defer keyBuffer.Close()

	certificate, err := tls.X509KeyPair([]byte(cfg.ClientCert), keyBuffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load client certificate: %w", err)
	}

	return &tls.Config{
		RootCAs:      caPool,
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// do issues one request against the endpoint. Non-nil body values are
// JSON-encoded. The response is returned for the caller to decode;
// callers own closing it.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	ep, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return c.doAt(ctx, ep, method, path, query, body)
}

func (c *Client) doAt(ctx context.Context, ep *endpoint, method, path string, query url.Values, body any) (*http.Response, error) {
	// ep.http.Timeout bounds the request through the body read, so no
	// per-call context deadline is layered on top.
	target := ep.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	reader, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := ep.http.Do(request)
	if err != nil {
		return nil, fault.Transport(err, fmt.Sprintf("orchestration endpoint unreachable: %s %s", method, path))
	}
	return response, nil
}
