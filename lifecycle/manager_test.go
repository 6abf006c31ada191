// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/internal/enginetest"
	"github.com/garrison-ctf/garrison/lib/clock"
	"github.com/garrison-ctf/garrison/lib/testutil"
	"github.com/garrison-ctf/garrison/orchestrator"
	"github.com/garrison-ctf/garrison/store"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

type testHarness struct {
	manager *Manager
	store   *store.Store
	engine  *enginetest.Engine
	clock   *clock.FakeClock
}

func newHarness(t *testing.T, adjust func(*Config)) *testHarness {
	t.Helper()
	engine := enginetest.New(t)

	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "garrison.db"),
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.SetEndpointConfig(ctx, store.EndpointConfig{Address: engine.Address()}); err != nil {
		t.Fatalf("SetEndpointConfig: %v", err)
	}

	orc, err := orchestrator.NewClient(orchestrator.Config{
		Source: s,
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("orchestrator.NewClient: %v", err)
	}

	fakeClock := clock.Fake(testEpoch)
	cfg := Config{
		Store:        s,
		Orchestrator: orc,
		Clock:        fakeClock,
		Logger:       testutil.Logger(),
	}
	if adjust != nil {
		adjust(&cfg)
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testHarness{manager: manager, store: s, engine: engine, clock: fakeClock}
}

func (h *testHarness) putChallenge(t *testing.T, challenge store.Challenge) {
	t.Helper()
	if err := h.store.PutChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("PutChallenge: %v", err)
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})
	team := store.Participant{Kind: store.ParticipantTeam, ID: 5}

	instance, created, err := h.manager.Provision(ctx, team, 3)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !created {
		t.Error("first provision did not report created")
	}
	if len(instance.Ports) != 1 || !strings.HasSuffix(instance.Ports[0], "->80/tcp") {
		t.Errorf("ports = %v", instance.Ports)
	}
	published, _ := strconv.Atoi(strings.SplitN(instance.Ports[0], "->", 2)[0])
	if published < 30000 || published > 60000 {
		t.Errorf("published port %d outside range", published)
	}
	if instance.Host != "127.0.0.1" {
		t.Errorf("host = %q", instance.Host)
	}
	if !instance.RevertEligibleAt.Equal(testEpoch.Add(5 * time.Minute)) {
		t.Errorf("revert eligible at %v", instance.RevertEligibleAt)
	}

	// The second request joins the running instance instead of
	// building another.
	again, created, err := h.manager.Provision(ctx, team, 3)
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if created {
		t.Error("second provision claimed to create")
	}
	if again.Handle != instance.Handle || again.Ports[0] != instance.Ports[0] {
		t.Errorf("second provision diverged: %+v vs %+v", again, instance)
	}
	if h.engine.ContainerCount() != 1 {
		t.Errorf("engine has %d containers, want 1", h.engine.ContainerCount())
	}
}

func TestProvisionUnionsDeclaredAndImagePorts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Declared 80/tcp overlaps the image's exposure; 443/tcp comes
	// from the image alone. The published set is the union.
	h.engine.SetImagePorts("garrison/multi:latest", "80/tcp", "443/tcp")
	h.putChallenge(t, store.Challenge{
		ID: 4, Kind: store.SandboxContainer, Image: "garrison/multi:latest",
		ExposedPorts: "80/tcp",
	})

	instance, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: 1}, 4)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(instance.Ports) != 2 {
		t.Fatalf("ports = %v, want 2 mappings", instance.Ports)
	}
	if !strings.HasSuffix(instance.Ports[0], "->80/tcp") || !strings.HasSuffix(instance.Ports[1], "->443/tcp") {
		t.Errorf("ports = %v", instance.Ports)
	}
}

func TestProvisionFallsBackToImagePorts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.engine.SetImagePorts("garrison/multi:latest", "80/tcp", "1337/udp")
	h.putChallenge(t, store.Challenge{
		ID: 4, Kind: store.SandboxContainer, Image: "garrison/multi:latest",
	})

	instance, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: 1}, 4)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(instance.Ports) != 2 {
		t.Fatalf("ports = %v, want 2 mappings", instance.Ports)
	}
	if !strings.HasSuffix(instance.Ports[0], "->80/tcp") || !strings.HasSuffix(instance.Ports[1], "->1337/udp") {
		t.Errorf("ports = %v", instance.Ports)
	}
}

func TestProvisionRejectsPortlessChallenge(t *testing.T) {
	h := newHarness(t, nil)
	h.putChallenge(t, store.Challenge{
		ID: 5, Kind: store.SandboxContainer, Image: "garrison/dark:latest",
	})

	_, _, err := h.manager.Provision(context.Background(),
		store.Participant{Kind: store.ParticipantUser, ID: 1}, 5)
	if !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("got %v, want validation fault", err)
	}
}

func TestProvisionAvoidsOccupiedPorts(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.PortMin = 30000
		cfg.PortMax = 30001
	})
	h.engine.AddBoundContainer("squatter", 30000)
	h.putChallenge(t, store.Challenge{
		ID: 1, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})

	instance, _, err := h.manager.Provision(context.Background(),
		store.Participant{Kind: store.ParticipantUser, ID: 1}, 1)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !strings.HasPrefix(instance.Ports[0], "30001->") {
		t.Errorf("ports = %v, want the only free port 30001", instance.Ports)
	}
}

func TestRevertCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})
	team := store.Participant{Kind: store.ParticipantTeam, ID: 5}

	original, _, err := h.manager.Provision(ctx, team, 3)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	// Just inside the cooldown: denied, instance untouched.
	h.clock.Advance(5*time.Minute - time.Second)
	_, err = h.manager.Revert(ctx, team, 3)
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("early revert: got %v, want conflict fault", err)
	}
	current, err := h.manager.Status(ctx, team, 3)
	if err != nil || current.Handle != original.Handle {
		t.Fatalf("denied revert disturbed the instance: %+v, %v", current, err)
	}

	// At the boundary the cooldown has elapsed.
	h.clock.Advance(time.Second)
	fresh, err := h.manager.Revert(ctx, team, 3)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if fresh.Handle == original.Handle {
		t.Error("revert returned the old sandbox")
	}
	if h.engine.ContainerCount() != 1 {
		t.Errorf("engine has %d containers after revert, want 1", h.engine.ContainerCount())
	}
	wantEligible := testEpoch.Add(5*time.Minute + 5*time.Minute)
	if !fresh.RevertEligibleAt.Equal(wantEligible) {
		t.Errorf("new cooldown: %v, want %v", fresh.RevertEligibleAt, wantEligible)
	}
}

func TestHandleSolveReclaims(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})
	user := store.Participant{Kind: store.ParticipantUser, ID: 9}

	if _, _, err := h.manager.Provision(ctx, user, 3); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := h.manager.HandleSolve(ctx, user, 3); err != nil {
		t.Fatalf("HandleSolve: %v", err)
	}
	if h.engine.ContainerCount() != 0 {
		t.Errorf("engine still has %d containers", h.engine.ContainerCount())
	}
	if _, err := h.manager.Status(ctx, user, 3); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("status after solve: got %v, want not-found fault", err)
	}

	// Solving again with nothing running is not an error.
	if err := h.manager.HandleSolve(ctx, user, 3); err != nil {
		t.Errorf("repeat HandleSolve: %v", err)
	}
}

func TestForceKill(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})

	instance, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: 1}, 3)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := h.manager.ForceKill(ctx, instance.Handle); err != nil {
		t.Fatalf("ForceKill: %v", err)
	}
	if h.engine.ContainerCount() != 0 {
		t.Error("container survived force kill")
	}

	if err := h.manager.ForceKill(ctx, "nosuch"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("unknown handle: got %v, want not-found fault", err)
	}
}

func TestKillAllContinuesPastFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})

	var handles []string
	for id := int64(1); id <= 3; id++ {
		instance, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: id}, 3)
		if err != nil {
			t.Fatalf("Provision %d: %v", id, err)
		}
		handles = append(handles, instance.Handle)
	}
	h.engine.MarkRemoveFailing(handles[1])

	killed, failed, err := h.manager.KillAll(ctx)
	if err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	if killed != 2 || failed != 1 {
		t.Errorf("killed=%d failed=%d, want 2/1", killed, failed)
	}

	// The failed sandbox is still tracked for a later retry.
	if _, err := h.store.GetInstanceByHandle(ctx, handles[1]); err != nil {
		t.Errorf("failed sandbox dropped from tracker: %v", err)
	}
}

func TestCleanupStale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})

	// Two sandboxes at t0, one an hour later.
	for id := int64(1); id <= 2; id++ {
		if _, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: id}, 3); err != nil {
			t.Fatalf("Provision: %v", err)
		}
	}
	h.clock.Advance(time.Hour)
	young, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: 3}, 3)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	// At t0+2h1m the first two crossed the 2 hour threshold.
	h.clock.Advance(time.Hour + time.Minute)
	reclaimed, err := h.manager.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if reclaimed != 2 {
		t.Errorf("reclaimed %d, want 2", reclaimed)
	}
	if h.engine.ContainerCount() != 1 {
		t.Errorf("engine has %d containers, want 1", h.engine.ContainerCount())
	}
	if _, err := h.store.GetInstanceByHandle(ctx, young.Handle); err != nil {
		t.Errorf("young sandbox reclaimed early: %v", err)
	}
}

func TestProvisionReclaimsOwnStaleSandboxes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})
	h.putChallenge(t, store.Challenge{
		ID: 4, Kind: store.SandboxContainer,
		Image: "garrison/db:latest", ExposedPorts: "5432/tcp",
	})
	team := store.Participant{Kind: store.ParticipantTeam, ID: 5}
	rival := store.Participant{Kind: store.ParticipantTeam, ID: 6}

	old, _, err := h.manager.Provision(ctx, team, 3)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, _, err := h.manager.Provision(ctx, rival, 3); err != nil {
		t.Fatalf("rival Provision: %v", err)
	}

	// Past the staleness threshold, asking for another challenge
	// sweeps the requester's dead sandbox on the way in. The rival's
	// equally old sandbox is out of scope.
	h.clock.Advance(2*time.Hour + time.Minute)
	if _, _, err := h.manager.Provision(ctx, team, 4); err != nil {
		t.Fatalf("Provision after staleness: %v", err)
	}
	if _, err := h.store.GetInstanceByHandle(ctx, old.Handle); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("stale sandbox still tracked: %v", err)
	}
	if _, err := h.manager.Status(ctx, rival, 3); err != nil {
		t.Errorf("rival's sandbox reclaimed out of scope: %v", err)
	}

	// Re-requesting the swept challenge builds a fresh sandbox.
	fresh, created, err := h.manager.Provision(ctx, team, 3)
	if err != nil {
		t.Fatalf("re-Provision: %v", err)
	}
	if !created || fresh.Handle == old.Handle {
		t.Errorf("created=%v handle=%q, want new sandbox (old %q)", created, fresh.Handle, old.Handle)
	}
}

func TestSweepLoop(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.SweepInterval = 10 * time.Minute
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.putChallenge(t, store.Challenge{
		ID: 3, Kind: store.SandboxContainer,
		Image: "garrison/web:latest", ExposedPorts: "80/tcp",
	})
	if _, _, err := h.manager.Provision(ctx, store.Participant{Kind: store.ParticipantUser, ID: 1}, 3); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.manager.Run(ctx)
	}()
	h.clock.WaitForTimers(1)

	// Crossing the stale threshold and releasing a tick reclaims the
	// sandbox.
	h.clock.Advance(2*time.Hour + time.Minute)
	deadline := time.Now().Add(5 * time.Second)
	for h.engine.ContainerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep never reclaimed the stale sandbox")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "sweep loop did not stop on cancel")
}

func TestServiceProvisioning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.engine.SetSwarm(true)

	if err := h.store.InsertSecret(ctx, store.Secret{ID: "sec1", Name: "flagkey", Protected: true}); err != nil {
		t.Fatalf("InsertSecret: %v", err)
	}
	h.putChallenge(t, store.Challenge{
		ID: 7, Kind: store.SandboxService,
		Image: "garrison/king:latest", ExposedPorts: "80/tcp",
		SecretRefs: []store.SecretRef{{ID: "sec1", Protected: true}},
	})
	team := store.Participant{Kind: store.ParticipantTeam, ID: 2}

	instance, created, err := h.manager.Provision(ctx, team, 7)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !created || instance.Kind != store.SandboxService {
		t.Errorf("instance = %+v", instance)
	}
	if !strings.HasPrefix(instance.Handle, "svc") {
		t.Errorf("handle = %q", instance.Handle)
	}

	service := h.engine.ServiceByHandle(instance.Handle)
	if service == nil {
		t.Fatal("service not created on engine")
	}
	if !strings.HasPrefix(service.Name, "svc_") {
		t.Errorf("service name = %q", service.Name)
	}
	if len(service.Secrets) != 1 {
		t.Fatalf("service secrets = %v", service.Secrets)
	}
	file := service.Secrets[0]["File"].(map[string]any)
	if file["Name"] != "/run/secrets/flagkey" {
		t.Errorf("secret mount = %v", service.Secrets[0])
	}

	// Teardown picks the service removal path even after the
	// challenge definition changes.
	if err := h.store.DeleteChallenge(ctx, 7); err != nil {
		t.Fatalf("DeleteChallenge: %v", err)
	}
	if err := h.manager.ForceKill(ctx, instance.Handle); err != nil {
		t.Fatalf("ForceKill: %v", err)
	}
	if h.engine.ServiceCount() != 0 {
		t.Error("service survived teardown")
	}
}

func TestServiceRequiresClusterMode(t *testing.T) {
	h := newHarness(t, nil)
	h.putChallenge(t, store.Challenge{
		ID: 7, Kind: store.SandboxService,
		Image: "garrison/king:latest", ExposedPorts: "80/tcp",
	})

	_, _, err := h.manager.Provision(context.Background(),
		store.Participant{Kind: store.ParticipantTeam, ID: 2}, 7)
	if !fault.IsKind(err, fault.KindPolicy) {
		t.Errorf("got %v, want policy fault", err)
	}
}
