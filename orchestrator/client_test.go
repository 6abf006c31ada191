// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/garrison-ctf/garrison/fault"
	"github.com/garrison-ctf/garrison/lib/testutil"
	"github.com/garrison-ctf/garrison/ports"
	"github.com/garrison-ctf/garrison/store"
)

// staticSource serves a fixed endpoint configuration.
type staticSource struct {
	cfg store.EndpointConfig
}

func (s staticSource) GetEndpointConfig(context.Context) (store.EndpointConfig, error) {
	return s.cfg, nil
}

// newTestClient points a client at the given handler over plain HTTP.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	address := "tcp://" + strings.TrimPrefix(server.URL, "http://")
	client, err := NewClient(Config{
		Source: staticSource{cfg: store.EndpointConfig{Address: address}},
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestCreateContainer(t *testing.T) {
	var gotBody map[string]any
	var gotName string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/containers/create" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotName = r.URL.Query().Get("name")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"Id": "abc123"})
	}))

	handle, err := client.CreateContainer(context.Background(), ContainerSpec{
		Name:  "garrison_web_1a2b3c",
		Image: "garrison/web:latest",
		Bindings: []PortBinding{
			{Published: 30527, Target: ports.Spec{Port: 80, Protocol: ports.TCP}},
		},
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if handle != "abc123" {
		t.Errorf("handle = %q", handle)
	}
	if gotName != "garrison_web_1a2b3c" {
		t.Errorf("name = %q", gotName)
	}

	hostConfig := gotBody["HostConfig"].(map[string]any)
	bindings := hostConfig["PortBindings"].(map[string]any)
	entries := bindings["80/tcp"].([]any)
	if entries[0].(map[string]any)["HostPort"] != "30527" {
		t.Errorf("port bindings = %v", bindings)
	}
	if _, ok := gotBody["ExposedPorts"].(map[string]any)["80/tcp"]; !ok {
		t.Errorf("exposed ports = %v", gotBody["ExposedPorts"])
	}
}

func TestCreateContainerNameConflictConverges(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/containers/create":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": "name already in use"})
		case "/containers/json":
			var filters map[string][]string
			if err := json.Unmarshal([]byte(r.URL.Query().Get("filters")), &filters); err != nil {
				t.Errorf("decode filters: %v", err)
			}
			if len(filters["name"]) != 1 || filters["name"][0] != "garrison_web_1a2b3c" {
				t.Errorf("filters = %v", filters)
			}
			json.NewEncoder(w).Encode([]map[string]string{{"Id": "existing42"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	handle, err := client.CreateContainer(context.Background(), ContainerSpec{
		Name:  "garrison_web_1a2b3c",
		Image: "garrison/web:latest",
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if handle != "existing42" {
		t.Errorf("handle = %q, want the surviving container's", handle)
	}
}

func TestStartContainerAlreadyRunning(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	if err := client.StartContainer(context.Background(), "abc123"); err != nil {
		t.Errorf("StartContainer on running container: %v", err)
	}
}

func TestRemoveContainer(t *testing.T) {
	var gotForce string
	status := http.StatusNoContent
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		gotForce = r.URL.Query().Get("force")
		w.WriteHeader(status)
	}))

	if err := client.RemoveContainer(context.Background(), "abc123"); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	if gotForce != "true" {
		t.Errorf("force = %q", gotForce)
	}

	// The goal state already holds when the endpoint has forgotten
	// the handle.
	status = http.StatusNotFound
	if err := client.RemoveContainer(context.Background(), "gone"); err != nil {
		t.Errorf("RemoveContainer on missing handle: %v", err)
	}

	status = http.StatusInternalServerError
	err := client.RemoveContainer(context.Background(), "abc123")
	if !fault.IsKind(err, fault.KindTransport) {
		t.Errorf("server error: got %v, want transport fault", err)
	}
}

func TestCreateService(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/create" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"ID": "svc99"})
	}))

	handle, err := client.CreateService(context.Background(), ServiceSpec{
		Name:  "svc_web_1a2b3c",
		Image: "garrison/web:latest",
		Bindings: []PortBinding{
			{Published: 30527, Target: ports.Spec{Port: 80, Protocol: ports.TCP}},
		},
		Secrets: []SecretMount{
			{ID: "sec1", Name: "flagkey", Protected: true},
			{ID: "sec2", Name: "hint", Protected: false},
		},
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if handle != "svc99" {
		t.Errorf("handle = %q", handle)
	}

	endpointSpec := gotBody["EndpointSpec"].(map[string]any)
	if endpointSpec["Mode"] != "vip" {
		t.Errorf("endpoint mode = %v", endpointSpec["Mode"])
	}
	published := endpointSpec["Ports"].([]any)[0].(map[string]any)
	if published["PublishMode"] != "ingress" ||
		published["PublishedPort"].(float64) != 30527 ||
		published["TargetPort"].(float64) != 80 ||
		published["Protocol"] != "tcp" {
		t.Errorf("published port = %v", published)
	}

	task := gotBody["TaskTemplate"].(map[string]any)
	secrets := task["ContainerSpec"].(map[string]any)["Secrets"].([]any)
	first := secrets[0].(map[string]any)
	file := first["File"].(map[string]any)
	if file["Name"] != "/run/secrets/flagkey" || file["Mode"].(float64) != 0o600 {
		t.Errorf("protected mount = %v", first)
	}
	second := secrets[1].(map[string]any)
	if second["File"].(map[string]any)["Mode"].(float64) != 0o777 {
		t.Errorf("unprotected mount = %v", second)
	}

	replicas := gotBody["Mode"].(map[string]any)["Replicated"].(map[string]any)["Replicas"]
	if replicas.(float64) != 1 {
		t.Errorf("replicas = %v", replicas)
	}
}

func TestBoundPortsMergesContainersAndServices(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/containers/json":
			json.NewEncoder(w).Encode([]map[string]any{
				{"Ports": []map[string]int{{"PublicPort": 30001}, {"PublicPort": 30002}}},
				{"Ports": []map[string]int{{"PublicPort": 30002}, {"PublicPort": 0}}},
			})
		case "/swarm":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		case "/services":
			json.NewEncoder(w).Encode([]map[string]any{
				{"Endpoint": map[string]any{
					"Ports": []map[string]int{{"PublishedPort": 30003}},
				}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	bound, err := client.BoundPorts(context.Background())
	if err != nil {
		t.Fatalf("BoundPorts: %v", err)
	}
	want := []int{30001, 30002, 30003}
	if len(bound) != len(want) {
		t.Fatalf("bound = %v, want %v", bound, want)
	}
	for i := range want {
		if bound[i] != want[i] {
			t.Errorf("bound = %v, want %v", bound, want)
			break
		}
	}
}

func TestBoundPortsSkipsServicesOutsideCluster(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/containers/json":
			json.NewEncoder(w).Encode([]map[string]any{})
		case "/swarm":
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"message": "not part of a swarm"})
		case "/services":
			t.Error("services queried on a non-cluster endpoint")
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	bound, err := client.BoundPorts(context.Background())
	if err != nil {
		t.Fatalf("BoundPorts: %v", err)
	}
	if len(bound) != 0 {
		t.Errorf("bound = %v", bound)
	}
}

func TestImagesAllowlist(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string][]string{
			{"RepoTags": {"garrison/web:latest", "garrison/web:v2"}},
			{"RepoTags": {"garrison/pwn:latest"}},
			{"RepoTags": {"ubuntu:24.04"}},
			{"RepoTags": {"<none>:<none>"}},
		})
	}))

	tags, err := client.Images(context.Background(), []string{"garrison/web"})
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if len(tags) != 2 || tags[0] != "garrison/web:latest" || tags[1] != "garrison/web:v2" {
		t.Errorf("filtered tags = %v", tags)
	}

	// Empty allowlist admits everything tagged.
	tags, err = client.Images(context.Background(), nil)
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if len(tags) != 4 {
		t.Errorf("unfiltered tags = %v", tags)
	}
}

func TestImageExposedPorts(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/images/") || !strings.HasSuffix(r.URL.Path, "/json") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Config": map[string]any{
				"ExposedPorts": map[string]any{
					"443/tcp":  map[string]any{},
					"80/tcp":   map[string]any{},
					"514/sctp": map[string]any{},
				},
			},
		})
	}))

	specs, err := client.ImageExposedPorts(context.Background(), "garrison/web:latest")
	if err != nil {
		t.Fatalf("ImageExposedPorts: %v", err)
	}
	if len(specs) != 2 || specs[0].Port != 80 || specs[1].Port != 443 {
		t.Errorf("specs = %v", specs)
	}
}

func TestSecretLifecycle(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/secrets/create":
			var body struct {
				Name string `json:"Name"`
				Data string `json:"Data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			decoded, err := base64.StdEncoding.DecodeString(body.Data)
			if err != nil || string(decoded) != "hunter2" {
				t.Errorf("payload = %q (err %v)", body.Data, err)
			}
			if body.Name != "flagkey" {
				t.Errorf("name = %q", body.Name)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"ID": "sec1"})
		case r.URL.Path == "/secrets" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]map[string]any{
				{"ID": "sec1", "Spec": map[string]string{"Name": "flagkey"}},
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	ctx := context.Background()
	id, err := client.CreateSecret(ctx, "flagkey", []byte("hunter2"))
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}
	if id != "sec1" {
		t.Errorf("id = %q", id)
	}

	secrets, err := client.ListSecrets(ctx)
	if err != nil {
		t.Fatalf("ListSecrets: %v", err)
	}
	if len(secrets) != 1 || secrets[0].Name != "flagkey" {
		t.Errorf("secrets = %+v", secrets)
	}

	// Endpoint already dropped it: success.
	if err := client.RemoveSecret(ctx, "sec1"); err != nil {
		t.Errorf("RemoveSecret on missing id: %v", err)
	}
}

func TestPingAndVersion(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/_ping":
			w.Write([]byte("OK"))
		case "/version":
			json.NewEncoder(w).Encode(map[string]string{"Version": "27.3.1"})
		}
	}))

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	version, err := client.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != "27.3.1" {
		t.Errorf("version = %q", version)
	}
}

func TestUnreachableEndpointIsTransportFault(t *testing.T) {
	client, err := NewClient(Config{
		Source: staticSource{cfg: store.EndpointConfig{Address: "tcp://127.0.0.1:1"}},
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Ping(context.Background()); !fault.IsKind(err, fault.KindTransport) {
		t.Errorf("got %v, want transport fault", err)
	}
}

func TestStatusFaultExtractsMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "no such image: garrison/missing"})
	}))

	_, err := client.ImageExposedPorts(context.Background(), "garrison/missing")
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("got %v, want not-found fault", err)
	}
	if !strings.Contains(err.Error(), "no such image") {
		t.Errorf("message not surfaced: %v", err)
	}
}
