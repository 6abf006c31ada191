// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package enginetest provides an in-memory stand-in for the container
// orchestration endpoint, implementing just enough of its HTTP API
// for Garrison's tests: container and service lifecycle, the secret
// store, image metadata, and the cluster-state probe.
package enginetest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// Engine is the fake endpoint. All state access is mutex-guarded, so
// it tolerates Garrison's concurrent requests.
type Engine struct {
	mu sync.Mutex

	swarm      bool
	nextID     int
	containers map[string]*Container
	services   map[string]*Service
	secrets    map[string]string // id -> name
	imagePorts map[string][]string
	images     []string

	// failRemove holds handles whose removal returns a server error.
	failRemove map[string]bool

	address string
}

// Container is the fake's record of one created container.
type Container struct {
	Name    string
	Started bool
	Ports   []int
}

// Service is the fake's record of one created service.
type Service struct {
	Name    string
	Ports   []int
	Secrets []map[string]any
}

// New starts a fake engine on a TCP loopback listener. The server is
// torn down with the test.
func New(tb testing.TB) *Engine {
	tb.Helper()
	engine := newEngine()
	server := httptest.NewServer(http.HandlerFunc(engine.handle))
	tb.Cleanup(server.Close)
	engine.address = "tcp://" + strings.TrimPrefix(server.URL, "http://")
	return engine
}

// NewUnix starts a fake engine on a unix socket, for tests exercising
// behavior that depends on a socket endpoint (the secret transport
// policy treats sockets as local, not network).
func NewUnix(tb testing.TB) *Engine {
	tb.Helper()
	engine := newEngine()

	socket := filepath.Join(tb.TempDir(), "engine.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		tb.Fatalf("enginetest: listen on socket: %v", err)
	}
	server := httptest.NewUnstartedServer(http.HandlerFunc(engine.handle))
	server.Listener.Close()
	server.Listener = listener
	server.Start()
	tb.Cleanup(server.Close)
	engine.address = "unix://" + socket
	return engine
}

func newEngine() *Engine {
	return &Engine{
		containers: make(map[string]*Container),
		services:   make(map[string]*Service),
		secrets:    make(map[string]string),
		imagePorts: make(map[string][]string),
		failRemove: make(map[string]bool),
	}
}

// Address returns the engine's address in endpoint-config form.
func (e *Engine) Address() string { return e.address }

// SetSwarm flips whether the engine reports as a cluster manager.
func (e *Engine) SetSwarm(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swarm = active
}

// SetImagePorts sets the exposed-port metadata for an image.
func (e *Engine) SetImagePorts(image string, declared ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.imagePorts[image] = declared
}

// SetImages sets the tags returned by the image listing.
func (e *Engine) SetImages(tags ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images = tags
}

// AddBoundContainer seeds a pre-existing container occupying the
// given host ports, as if an operator had started it out of band.
func (e *Engine) AddBoundContainer(name string, ports ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := fmt.Sprintf("ctr%d", e.nextID)
	e.nextID++
	e.containers[id] = &Container{Name: name, Started: true, Ports: ports}
}

// MarkRemoveFailing makes removal of the given handle return a server
// error.
func (e *Engine) MarkRemoveFailing(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failRemove[handle] = true
}

// ContainerCount returns how many containers exist.
func (e *Engine) ContainerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

// ServiceCount returns how many services exist.
func (e *Engine) ServiceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.services)
}

// SecretCount returns how many secrets exist.
func (e *Engine) SecretCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.secrets)
}

// ServiceByHandle returns a copy of the service record, or nil.
func (e *Engine) ServiceByHandle(handle string) *Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	service, ok := e.services[handle]
	if !ok {
		return nil
	}
	copied := *service
	return &copied
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/_ping":
		w.Write([]byte("OK"))
	case path == "/version":
		json.NewEncoder(w).Encode(map[string]string{"Version": "27.3.1-fake"})
	case path == "/containers/create" && r.Method == http.MethodPost:
		e.createContainer(w, r)
	case path == "/containers/json":
		e.listContainers(w, r)
	case strings.HasPrefix(path, "/containers/") && strings.HasSuffix(path, "/start"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/start")
		if container, ok := e.containers[id]; ok {
			container.Started = true
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case strings.HasPrefix(path, "/containers/") && r.Method == http.MethodDelete:
		e.remove(w, strings.TrimPrefix(path, "/containers/"), "container")
	case path == "/swarm":
		if e.swarm {
			w.Write([]byte("{}"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	case path == "/services" && r.Method == http.MethodGet:
		e.listServices(w)
	case path == "/services/create":
		e.createService(w, r)
	case strings.HasPrefix(path, "/services/") && r.Method == http.MethodDelete:
		e.remove(w, strings.TrimPrefix(path, "/services/"), "service")
	case path == "/secrets" && r.Method == http.MethodGet:
		e.listSecrets(w)
	case path == "/secrets/create":
		var body struct {
			Name string `json:"Name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		id := fmt.Sprintf("sec%d", e.nextID)
		e.nextID++
		e.secrets[id] = body.Name
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"ID": id})
	case strings.HasPrefix(path, "/secrets/") && r.Method == http.MethodDelete:
		e.remove(w, strings.TrimPrefix(path, "/secrets/"), "secret")
	case path == "/images/json":
		listed := []map[string][]string{}
		for _, tag := range e.images {
			listed = append(listed, map[string][]string{"RepoTags": {tag}})
		}
		json.NewEncoder(w).Encode(listed)
	case strings.HasPrefix(path, "/images/") && strings.HasSuffix(path, "/json"):
		image := strings.TrimSuffix(strings.TrimPrefix(path, "/images/"), "/json")
		exposed := make(map[string]struct{})
		for _, declared := range e.imagePorts[image] {
			exposed[declared] = struct{}{}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Config": map[string]any{"ExposedPorts": exposed},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "page not found"})
	}
}

func (e *Engine) createContainer(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	for _, container := range e.containers {
		if container.Name == name {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": "name already in use"})
			return
		}
	}

	var body struct {
		HostConfig struct {
			PortBindings map[string][]struct {
				HostPort string `json:"HostPort"`
			} `json:"PortBindings"`
		} `json:"HostConfig"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	var published []int
	for _, entries := range body.HostConfig.PortBindings {
		for _, entry := range entries {
			var port int
			fmt.Sscanf(entry.HostPort, "%d", &port)
			published = append(published, port)
		}
	}

	id := fmt.Sprintf("ctr%d", e.nextID)
	e.nextID++
	e.containers[id] = &Container{Name: name, Ports: published}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"Id": id})
}

func (e *Engine) listContainers(w http.ResponseWriter, r *http.Request) {
	var nameFilter string
	if raw := r.URL.Query().Get("filters"); raw != "" {
		var filters map[string][]string
		json.Unmarshal([]byte(raw), &filters)
		if names := filters["name"]; len(names) > 0 {
			nameFilter = names[0]
		}
	}

	listed := []map[string]any{}
	for id, container := range e.containers {
		if nameFilter != "" && container.Name != nameFilter {
			continue
		}
		portEntries := []map[string]int{}
		for _, port := range container.Ports {
			portEntries = append(portEntries, map[string]int{"PublicPort": port})
		}
		listed = append(listed, map[string]any{"Id": id, "Ports": portEntries})
	}
	json.NewEncoder(w).Encode(listed)
}

func (e *Engine) createService(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"Name"`
		TaskTemplate struct {
			ContainerSpec struct {
				Secrets []map[string]any `json:"Secrets"`
			} `json:"ContainerSpec"`
		} `json:"TaskTemplate"`
		EndpointSpec struct {
			Ports []struct {
				PublishedPort int `json:"PublishedPort"`
			} `json:"Ports"`
		} `json:"EndpointSpec"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	var published []int
	for _, port := range body.EndpointSpec.Ports {
		published = append(published, port.PublishedPort)
	}

	id := fmt.Sprintf("svc%d", e.nextID)
	e.nextID++
	e.services[id] = &Service{
		Name:    body.Name,
		Ports:   published,
		Secrets: body.TaskTemplate.ContainerSpec.Secrets,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"ID": id})
}

func (e *Engine) listServices(w http.ResponseWriter) {
	listed := []map[string]any{}
	for _, service := range e.services {
		portEntries := []map[string]int{}
		for _, port := range service.Ports {
			portEntries = append(portEntries, map[string]int{"PublishedPort": port})
		}
		listed = append(listed, map[string]any{
			"Endpoint": map[string]any{"Ports": portEntries},
		})
	}
	json.NewEncoder(w).Encode(listed)
}

func (e *Engine) listSecrets(w http.ResponseWriter) {
	listed := []map[string]any{}
	for id, name := range e.secrets {
		listed = append(listed, map[string]any{
			"ID":   id,
			"Spec": map[string]string{"Name": name},
		})
	}
	json.NewEncoder(w).Encode(listed)
}

func (e *Engine) remove(w http.ResponseWriter, id, kind string) {
	if e.failRemove[id] {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"message": "engine exploded"})
		return
	}
	var found bool
	switch kind {
	case "container":
		_, found = e.containers[id]
		delete(e.containers, id)
	case "service":
		_, found = e.services[id]
		delete(e.services, id)
	case "secret":
		_, found = e.secrets[id]
		delete(e.secrets, id)
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "no such " + kind})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
