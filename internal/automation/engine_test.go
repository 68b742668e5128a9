//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/color"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLights serves two lights, Hall (2) and Bulb (3), and records commands.
type fakeLights struct {
	events *coordinator.EventBus

	mu    sync.Mutex
	snaps map[uint8]coordinator.LightSnapshot
	calls []string
	opts  []light.TurnOnOptions
}

func newFakeLights() *fakeLights {
	return &fakeLights{
		events: coordinator.NewEventBus(testLogger()),
		snaps: map[uint8]coordinator.LightSnapshot{
			2: {NodeID: 2, State: light.State{Name: "Hall", On: true, Brightness: 255, Features: light.SupportBrightness}},
			3: {NodeID: 3, State: light.State{Name: "Bulb", Features: light.SupportBrightness | light.SupportRGBColor}},
		},
	}
}

func (f *fakeLights) LookupName(_ context.Context, name string) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.snaps {
		if strings.EqualFold(s.State.Name, name) {
			return id, nil
		}
	}
	return 0, coordinator.ErrUnknownLight
}

func (f *fakeLights) Light(_ context.Context, id uint8) (coordinator.LightSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	if !ok {
		return s, coordinator.ErrUnknownLight
	}
	return s, nil
}

func (f *fakeLights) TurnOn(_ context.Context, id uint8, opts light.TurnOnOptions) (coordinator.LightSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snaps[id]
	s.State.On = true
	s.State.Brightness = 255
	if opts.Brightness != nil {
		s.State.Brightness = *opts.Brightness
	}
	f.snaps[id] = s
	f.opts = append(f.opts, opts)
	f.calls = append(f.calls, fmt.Sprintf("on %d %d", id, s.State.Brightness))
	return s, nil
}

func (f *fakeLights) TurnOff(_ context.Context, id uint8) (coordinator.LightSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snaps[id]
	s.State.On = false
	s.State.Brightness = 0
	f.snaps[id] = s
	f.calls = append(f.calls, fmt.Sprintf("off %d", id))
	return s, nil
}

func (f *fakeLights) Events() *coordinator.EventBus { return f.events }

func (f *fakeLights) waitCall(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, c := range f.calls {
			if c == want {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Fatalf("call %q not seen, got %v", want, f.calls)
}

func newTestEngine(t *testing.T, scripts map[string]string) (*Engine, *fakeLights, string) {
	t.Helper()
	dir := t.TempDir()
	for name, code := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(code), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mgr, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	fl := newFakeLights()
	return NewEngine(fl, mgr, testLogger()), fl, dir
}

func TestRunLuaCodeLogs(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`light.log("hi") system.log("warn", "careful")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"hi", "[warn] careful"}
	if len(res.Logs) != len(want) {
		t.Fatalf("logs = %v, want %v", res.Logs, want)
	}
	for i := range want {
		if res.Logs[i] != want[i] {
			t.Errorf("logs[%d] = %q, want %q", i, res.Logs[i], want[i])
		}
	}
}

func TestRunLuaCodeError(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`error("boom")`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`, `dofile("/etc/passwd")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: expected failure", code)
		}
	}
}

func TestRunLuaCodeTurnOn(t *testing.T) {
	e, fl, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`
local s = light.turn_on("bulb", {brightness = 300, rgb = {255, 128, -4}, color_temp = 300})
light.log(tostring(s.on) .. " " .. tostring(s.brightness) .. " " .. tostring(s.node_id))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "true 255 3" {
		t.Errorf("logs = %v", res.Logs)
	}

	if len(fl.opts) != 1 {
		t.Fatalf("turn_on calls = %d, want 1", len(fl.opts))
	}
	opts := fl.opts[0]
	if opts.Brightness == nil || *opts.Brightness != 255 {
		t.Errorf("brightness = %v, want clamped 255", opts.Brightness)
	}
	if opts.RGB == nil || *opts.RGB != (color.RGB{R: 255, G: 128, B: 0}) {
		t.Errorf("rgb = %v", opts.RGB)
	}
	if opts.ColorTemp == nil || *opts.ColorTemp != 300 {
		t.Errorf("color_temp = %v", opts.ColorTemp)
	}
}

func TestRunLuaCodeNamedRGB(t *testing.T) {
	e, fl, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`light.turn_on("Bulb", {rgb = {r = 1, g = 2, b = 3}})`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(fl.opts) != 1 || fl.opts[0].RGB == nil || *fl.opts[0].RGB != (color.RGB{R: 1, G: 2, B: 3}) {
		t.Errorf("opts = %+v", fl.opts)
	}
	if fl.opts[0].Brightness != nil {
		t.Error("brightness should be unset")
	}
}

func TestRunLuaCodeUnknownLight(t *testing.T) {
	e, fl, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`
if light.turn_on("Nope") == nil and light.state("Nope") == nil then
  light.log("missing")
end`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "missing" {
		t.Errorf("logs = %v", res.Logs)
	}
	if len(fl.calls) != 0 {
		t.Errorf("calls = %v", fl.calls)
	}
}

func TestRunLuaCodeCallsNamedHandlers(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`
light.on_change("HALL", function(s) light.log(s.name .. " " .. tostring(s.brightness)) end)
light.on_change("*", function(s) light.log("any") end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "Hall 255" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestOnChangeHandlerLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	res := e.RunLuaCode(`for i = 1, 101 do light.on_change("*", function() end) end`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestChangeHandlerMatches(t *testing.T) {
	tests := []struct {
		handler string
		light   string
		want    bool
	}{
		{"*", "Hall", true},
		{"hall", "Hall", true},
		{"hall", "HALL", true},
		{"hall", "Bulb", false},
	}
	for _, tt := range tests {
		if got := (changeHandler{light: tt.handler}).matches(tt.light); got != tt.want {
			t.Errorf("%q matches %q = %v, want %v", tt.handler, tt.light, got, tt.want)
		}
	}
}

func TestEngineStartsEnabledScripts(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"follow.lua": "-- {\"name\": \"Follow hall\"}\nlight.log(\"loaded\")\n",
		"off.lua":    "-- {\"enabled\": false}\nlight.log(\"never\")\n",
		"broken.lua": "this is not lua",
	})
	e.Start()
	defer e.Stop()

	running := e.Running()
	if len(running) != 1 || running[0] != "follow" {
		t.Errorf("running = %v, want [follow]", running)
	}
}

func TestEngineDispatchesLightChanges(t *testing.T) {
	e, fl, _ := newTestEngine(t, map[string]string{
		"follow.lua": `
light.on_change("Hall", function(s)
  if s.on then light.turn_on("Bulb", {brightness = s.brightness}) end
end)
`,
	})
	e.Start()
	defer e.Stop()

	fl.events.Emit(coordinator.Event{Type: coordinator.EventLightState, Data: coordinator.LightSnapshot{
		NodeID: 3,
		State:  light.State{Name: "Bulb", On: true, Brightness: 10},
	}})
	fl.events.Emit(coordinator.Event{Type: coordinator.EventLightState, Data: coordinator.LightSnapshot{
		NodeID: 2,
		State:  light.State{Name: "Hall", On: true, Brightness: 128},
	}})

	fl.waitCall(t, "on 3 128")

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.calls) != 1 {
		t.Errorf("calls = %v, want only the Hall follow-up", fl.calls)
	}
}

func TestEngineStopUnsubscribes(t *testing.T) {
	e, fl, _ := newTestEngine(t, map[string]string{
		"follow.lua": `light.on_change("*", function(s) light.turn_off("Bulb") end)`,
	})
	e.Start()
	e.Stop()

	if len(e.Running()) != 0 {
		t.Errorf("running = %v", e.Running())
	}
	fl.events.Emit(coordinator.Event{Type: coordinator.EventLightState, Data: coordinator.LightSnapshot{
		NodeID: 2,
		State:  light.State{Name: "Hall"},
	}})
	time.Sleep(20 * time.Millisecond)

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.calls) != 0 {
		t.Errorf("calls after stop = %v", fl.calls)
	}
}

func TestLightAfter(t *testing.T) {
	e, fl, _ := newTestEngine(t, map[string]string{
		"later.lua": `light.after(0.01, function() light.turn_off("Bulb") end)`,
	})
	e.Start()
	defer e.Stop()

	fl.waitCall(t, "off 3")
}

func TestReloadScript(t *testing.T) {
	e, _, dir := newTestEngine(t, map[string]string{
		"toggle.lua": `light.log("v1")`,
	})
	e.Start()
	defer e.Stop()

	if got := e.Running(); len(got) != 1 {
		t.Fatalf("running = %v", got)
	}

	path := filepath.Join(dir, "toggle.lua")
	if err := os.WriteFile(path, []byte("-- {\"enabled\": false}\nlight.log(\"v2\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("toggle"); err != nil {
		t.Fatal(err)
	}
	if got := e.Running(); len(got) != 0 {
		t.Errorf("running after disable = %v", got)
	}

	if err := os.WriteFile(path, []byte(`light.log("v3")`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("toggle"); err != nil {
		t.Fatal(err)
	}
	if got := e.Running(); len(got) != 1 || got[0] != "toggle" {
		t.Errorf("running after enable = %v", got)
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}
