// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// garrison-service is the Garrison daemon: it serves the participant
// and admin HTTP APIs, tracks sandbox instances in SQLite, and runs
// the background stale-sandbox sweep.
//
// All runtime state lives in the configured database; the daemon can
// be restarted at any time without losing track of running sandboxes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/garrison-ctf/garrison/api"
	"github.com/garrison-ctf/garrison/lib/clock"
	"github.com/garrison-ctf/garrison/lib/config"
	"github.com/garrison-ctf/garrison/lib/process"
	"github.com/garrison-ctf/garrison/lib/sealed"
	"github.com/garrison-ctf/garrison/lib/version"
	"github.com/garrison-ctf/garrison/lifecycle"
	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/store"
	"github.com/garrison-ctf/garrison/vault"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		auditDir    string
		logLevel    string
		showVersion bool
	)

	flags := pflag.NewFlagSet("garrison-service", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (required)")
	flags.StringVar(&listen, "listen", "", "listen address override (default from config file)")
	flags.StringVar(&auditDir, "audit-dir", "audit", "directory for the secret audit trail")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("garrison-service %s\n", version.Info())
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := loadIdentity(cfg.DeploymentKey, logger)
	if err != nil {
		return err
	}
	defer identity.Close()

	s, err := store.Open(store.Config{
		Path:   cfg.Database,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening instance store: %w", err)
	}
	defer s.Close()

	orc, err := orchestrator.NewClient(orchestrator.Config{
		Source:   s,
		Identity: identity,
		Timeout:  cfg.Lifecycle.RequestTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:          s,
		Orchestrator:   orc,
		Clock:          clock.Real(),
		Logger:         logger,
		StaleAfter:     cfg.Lifecycle.StaleAfter,
		RevertCooldown: cfg.Lifecycle.RevertCooldown,
		PortMin:        cfg.Lifecycle.PortMin,
		PortMax:        cfg.Lifecycle.PortMax,
		SweepInterval:  cfg.Lifecycle.SweepInterval,
	})
	if err != nil {
		return err
	}

	v, err := vault.New(vault.Config{
		Store:        s,
		Orchestrator: orc,
		Clock:        clock.Real(),
		Logger:       logger,
		AuditDir:     auditDir,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.HandlerConfig{
		Lifecycle:    manager,
		Vault:        v,
		Store:        s,
		Orchestrator: orc,
		Identity:     identity,
		AdminToken:   cfg.AdminToken,
		Logger:       logger,
	})
	server := api.NewServer(api.ServerConfig{
		Address:  cfg.Listen,
		Handler:  handler,
		CertFile: cfg.TLSCert,
		KeyFile:  cfg.TLSKey,
		Logger:   logger,
	})

	var wg sync.WaitGroup
	if cfg.Lifecycle.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.Run(ctx)
		}()
	}

	logger.Info("garrison service starting",
		"listen", cfg.Listen,
		"database", cfg.Database,
		"version", version.Info(),
	)

	err = server.Serve(ctx)
	stop()
	wg.Wait()
	return err
}

// loadIdentity loads the deployment key, or generates an ephemeral one
// when no key file is configured. With an ephemeral identity, sealed
// orchestrator credentials do not survive a restart: the admin must
// re-submit the client key after recovery.
func loadIdentity(path string, logger *slog.Logger) (*sealed.Identity, error) {
	if path == "" {
		logger.Warn("no deployment_key configured; sealed orchestrator credentials will not survive restart")
		return sealed.GenerateIdentity()
	}
	identity, err := sealed.LoadIdentityFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading deployment key: %w", err)
	}
	return identity, nil
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
