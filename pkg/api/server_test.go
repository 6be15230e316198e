package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vjranagit/heartwatch/pkg/coordinator"
	"github.com/vjranagit/heartwatch/pkg/source"
	"github.com/vjranagit/heartwatch/pkg/storage"
	"github.com/vjranagit/heartwatch/pkg/types"
)

type testEnv struct {
	store  storage.SampleStore
	writer *storage.Writer
	src    *source.Source
	coord  *coordinator.Coordinator
	gate   *coordinator.PermissionGate
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewStorage(&storage.Config{
		Path:          t.TempDir(),
		RetentionDays: 30,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	writer := storage.NewWriter(store, nil, 64, logger)

	client := source.NewSimulatedClient(source.WithInterval(time.Hour))
	src := source.New(client, types.HeartRateBPM, logger)
	gate := coordinator.NewPermissionGate(false)
	coord := coordinator.New(src, writer, gate, logger)

	srv := NewServer(":0", store, writer, coord, gate, logger)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		writer.Close()
		client.Close()
		store.Close()
	})

	return &testEnv{
		store:  store,
		writer: writer,
		src:    src,
		coord:  coord,
		gate:   gate,
		server: ts,
	}
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.writer.Wait(ctx); err != nil {
		t.Fatalf("Writer wait failed: %v", err)
	}
}

func TestSamplesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, s := range []types.Sample{
		{Timestamp: "100", Value: 72.0},
		{Timestamp: "200", Value: 75.5},
		{Timestamp: "150", Value: 68.0},
	} {
		if err := env.store.Insert(ctx, s); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}

	resp, err := http.Get(env.server.URL + "/api/v1/samples")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var samples []types.Sample
	if err := json.NewDecoder(resp.Body).Decode(&samples); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(samples) != 3 || samples[0].Timestamp != "100" || samples[2].Timestamp != "200" {
		t.Errorf("Unexpected history: %v", samples)
	}
}

func TestLatestEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/samples/latest")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on empty store, got %d", resp.StatusCode)
	}

	if err := env.store.Insert(context.Background(), types.Sample{Timestamp: "300", Value: 80}); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	resp, err = http.Get(env.server.URL + "/api/v1/samples/latest")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var sample types.Sample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if sample.Timestamp != "300" || sample.Value != 80 {
		t.Errorf("Unexpected latest sample: %v", sample)
	}
}

func TestDeleteSamplesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.Insert(context.Background(), types.Sample{Timestamp: "1", Value: 60}); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/v1/samples", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	env.wait(t)

	all, err := env.store.AllOrdered(context.Background())
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected empty history, got %v", all)
	}
}

func TestPermissionAndReadingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/v1/permission", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing field, got %d", resp.StatusCode)
	}

	resp, err = http.Post(env.server.URL+"/api/v1/permission", "application/json", strings.NewReader(`{"granted":true}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !env.gate.Granted() {
		t.Fatal("Expected permission to be granted")
	}

	// resolve capability, then run a tick with data available
	deadline := time.Now().Add(5 * time.Second)
	for env.src.CapabilitySupported(context.Background()) != types.CapabilitySupported {
		if time.Now().After(deadline) {
			t.Fatal("capability never resolved")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.src.OnData([]types.DataPoint{{Value: 77}})
	env.coord.Tick(context.Background())
	env.wait(t)

	resp, err = http.Get(env.server.URL + "/api/v1/reading")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var reading struct {
		Live               float64 `json:"live"`
		Last               float64 `json:"last"`
		HasLast            bool    `json:"has_last"`
		PermissionRequired bool    `json:"permission_required"`
		Capability         string  `json:"capability"`
		Availability       string  `json:"availability"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if reading.Live != 77 || !reading.HasLast || reading.Last != 77 {
		t.Errorf("Unexpected reading: %+v", reading)
	}
	if reading.PermissionRequired {
		t.Error("Expected no permission prompt")
	}
	if reading.Capability != "supported" {
		t.Errorf("Expected capability supported, got %q", reading.Capability)
	}
	if reading.Availability != "unknown" && reading.Availability != "available" {
		t.Errorf("Unexpected availability %q", reading.Availability)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{
		"heartwatch_live_bpm",
		"heartwatch_last_stored_bpm",
		"heartwatch_permission_required",
		"heartwatch_store_ops_applied_total",
		"heartwatch_store_ops_failed_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected metric %s in output", name)
		}
	}
}

func TestHealthAndMethods(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", resp.StatusCode)
	}

	resp, err = http.Post(env.server.URL+"/api/v1/samples/latest", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
