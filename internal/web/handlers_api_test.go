package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/zwave"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubTransport records writes and can reject them.
type stubTransport struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (s *stubTransport) SetValue(nodeID uint8, label string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, fmt.Sprintf("%d/%s=%v", nodeID, label, data))
	return nil
}

func (s *stubTransport) RefreshValue(uint8, string) error { return nil }

func (s *stubTransport) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type testEnv struct {
	srv       *Server
	coord     *coordinator.Coordinator
	net       *zwave.Network
	transport *stubTransport
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	tr := &stubTransport{}
	net := zwave.NewNetwork(tr, logger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		net.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	coord := coordinator.New(net, db, nil, coordinator.NewEventBus(logger), coordinator.Config{}, logger)
	err = coord.SeedNodes([]store.Node{
		{ID: 2, Name: "Hall", CommandClasses: []int{0x26}},
		{ID: 3, Name: "Bulb", ManufacturerID: "0x0086", ProductID: "0x0062", CommandClasses: []int{0x26, 0x33}},
	})
	if err != nil {
		t.Fatal(err)
	}
	startCtx, startCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer startCancel()
	if err := coord.Start(startCtx); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, coord: coord, net: net, transport: tr}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAPIListLights(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/lights", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	lights := decode[[]coordinator.LightSnapshot](t, w)
	if len(lights) != 2 {
		t.Fatalf("lights = %d, want 2", len(lights))
	}
	if lights[0].NodeID != 2 || lights[0].State.Name != "Hall" {
		t.Errorf("lights[0] = %+v", lights[0])
	}
	if lights[1].State.Features != 19 {
		t.Errorf("bulb features = %d, want 19", lights[1].State.Features)
	}
}

func TestAPIGetLight(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/api/lights/2", http.StatusOK},
		{"/api/lights/9", http.StatusNotFound},
		{"/api/lights/0", http.StatusBadRequest},
		{"/api/lights/300", http.StatusBadRequest},
		{"/api/lights/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := env.do(t, "GET", tt.path, ""); w.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.code)
		}
	}
}

func TestAPIGetLightColorDetails(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/lights/3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	snap := decode[coordinator.LightSnapshot](t, w)
	if snap.State.Temps == nil || snap.State.Temps.Mid != 327 {
		t.Errorf("color_temps = %+v, want mid 327", snap.State.Temps)
	}
	if snap.State.Channels == "" {
		t.Error("channels missing")
	}

	w = env.do(t, "GET", "/api/lights/2", "")
	hall := decode[coordinator.LightSnapshot](t, w)
	if hall.State.Temps != nil || hall.State.ColorMode != "brightness" {
		t.Errorf("dimmer state = %+v", hall.State)
	}
}

func TestAPILightValues(t *testing.T) {
	env := setupTestServer(t)
	env.net.Report(3, zwave.LabelColor, "#ff000000ff")

	// Reports are applied on the loop; a Light call after Report is
	// ordered behind it.
	w := env.do(t, "GET", "/api/lights/3/values", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	values := decode[map[string]any](t, w)
	if values[zwave.LabelColor] != "#ff000000ff" {
		t.Errorf("values = %v", values)
	}
	if values[zwave.LabelLevel] != float64(0) {
		t.Errorf("level = %v", values[zwave.LabelLevel])
	}
}

func TestAPITurnOn(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/lights/2/on", `{"brightness": 128}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	snap := decode[coordinator.LightSnapshot](t, w)
	if !snap.State.On || snap.State.Brightness != 128 {
		t.Errorf("state = %+v", snap.State)
	}
	if got := env.transport.snapshot(); len(got) != 1 || got[0] != "2/level=49" {
		t.Errorf("writes = %v, want [2/level=49]", got)
	}
}

func TestAPITurnOnNoBody(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/lights/2/on", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := env.transport.snapshot(); len(got) != 1 || got[0] != "2/level=255" {
		t.Errorf("writes = %v, want restore level", got)
	}
}

func TestAPITurnOnColorTemp(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/lights/3/on", `{"color_temp": 400}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	want := []string{"3/color=#000000ff00", "3/level=255"}
	got := env.transport.snapshot()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestAPITurnOnBadBody(t *testing.T) {
	env := setupTestServer(t)

	for _, body := range []string{`{"brightness": 300}`, `{"brightness":`, `[]`} {
		if w := env.do(t, "POST", "/api/lights/2/on", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
	if got := env.transport.snapshot(); len(got) != 0 {
		t.Errorf("writes = %v, want none", got)
	}
}

func TestAPITurnOffRejected(t *testing.T) {
	env := setupTestServer(t)

	if w := env.do(t, "POST", "/api/lights/2/on", ""); w.Code != http.StatusOK {
		t.Fatalf("turn on status = %d", w.Code)
	}
	env.transport.mu.Lock()
	env.transport.err = fmt.Errorf("radio busy")
	env.transport.mu.Unlock()

	// A rejected command is not an HTTP error: the state shows the light
	// stayed on.
	w := env.do(t, "POST", "/api/lights/2/off", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if snap := decode[coordinator.LightSnapshot](t, w); !snap.State.On {
		t.Error("light should still be on")
	}
}

func TestAPINodes(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/nodes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	nodes := decode[[]store.Node](t, w)
	if len(nodes) != 2 || nodes[1].ManufacturerID != "0x0086" {
		t.Errorf("nodes = %+v", nodes)
	}

	if w := env.do(t, "GET", "/api/nodes/3", ""); w.Code != http.StatusOK {
		t.Errorf("GET node 3 = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/nodes/7", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET node 7 = %d", w.Code)
	}
}

func TestAPIRenameNode(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "PATCH", "/api/nodes/2", `{"name": "  Porch  "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if n := decode[store.Node](t, w); n.Name != "Porch" {
		t.Errorf("name = %q", n.Name)
	}

	w = env.do(t, "GET", "/api/lights/2", "")
	if snap := decode[coordinator.LightSnapshot](t, w); snap.State.Name != "Porch" {
		t.Errorf("light name = %q", snap.State.Name)
	}

	tests := []struct {
		path, body string
		code       int
	}{
		{"/api/nodes/2", `{"name": " "}`, http.StatusBadRequest},
		{"/api/nodes/2", `not json`, http.StatusBadRequest},
		{"/api/nodes/9", `{"name": "Ghost"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := env.do(t, "PATCH", tt.path, tt.body); w.Code != tt.code {
			t.Errorf("PATCH %s %s = %d, want %d", tt.path, tt.body, w.Code, tt.code)
		}
	}
}

func TestAPIDevices(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if defs := decode[[]coordinator.DeviceDefinition](t, w); len(defs) != 0 {
		t.Errorf("devices = %v", defs)
	}
}

func TestAPIKey(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"), WithVersion("1.2.3"))

	if w := env.do(t, "GET", "/api/version", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", w.Code)
	}
	if w := env.do(t, "GET", "/api/version", "", "X-API-Key", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", w.Code)
	}
	w := env.do(t, "GET", "/api/version", "", "X-API-Key", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("good key = %d", w.Code)
	}
	if v := decode[map[string]string](t, w); v["version"] != "1.2.3" {
		t.Errorf("version = %v", v)
	}

	// Metrics are outside /api/.
	if w := env.do(t, "GET", "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://ui.local"}))

	w := env.do(t, "OPTIONS", "/api/lights/2/on", "", "Origin", "http://ui.local")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", w.Code)
	}
	if w := env.do(t, "OPTIONS", "/api/lights/2/on", "", "Origin", "http://evil"); w.Code != http.StatusForbidden {
		t.Errorf("bad preflight = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/lights/2/off", "", "Origin", "http://evil"); w.Code != http.StatusForbidden {
		t.Errorf("cross-origin POST = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/lights", "", "Origin", "http://evil"); w.Code != http.StatusOK {
		t.Errorf("cross-origin GET = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, "POST", "/api/lights/2/on", "")

	w := env.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"zwave_home_http_requests_total", "zwave_home_light_commands_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}
