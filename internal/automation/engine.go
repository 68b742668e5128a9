//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// commandTimeout bounds every call a script makes into the coordinator.
const commandTimeout = 5 * time.Second

// Lights is the part of the coordinator scripts drive.
type Lights interface {
	LookupName(ctx context.Context, name string) (uint8, error)
	Light(ctx context.Context, id uint8) (coordinator.LightSnapshot, error)
	TurnOn(ctx context.Context, id uint8, opts light.TurnOnOptions) (coordinator.LightSnapshot, error)
	TurnOff(ctx context.Context, id uint8) (coordinator.LightSnapshot, error)
	Events() *coordinator.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// changeHandler is a light.on_change registration. light is the lowercased
// light name, or "*" for every light.
type changeHandler struct {
	light string
	fn    *lua.LFunction
}

func (h changeHandler) matches(name string) bool {
	return h.light == "*" || h.light == strings.ToLower(name)
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	ctx      context.Context
	cancel   context.CancelFunc

	// logf receives light.log output.
	logf func(msg string)

	mu       sync.Mutex
	handlers []changeHandler
}

func (vm *scriptVM) snapshotHandlers() []changeHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]changeHandler(nil), vm.handlers...)
}

// Engine runs enabled scripts and feeds them light changes.
type Engine struct {
	lights  Lights
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(lights Lights, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		lights:  lights,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to light changes and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.lights.Events().On(coordinator.EventLightState, e.dispatch)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", len(e.Running()))
}

// Stop cancels all VMs and unsubscribes from light changes.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scripts lists the scripts on disk.
func (e *Engine) Scripts() ([]*Script, error) {
	return e.manager.List()
}

// ReloadScript stops the old VM, if any, and starts the script again when it
// is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newSandbox returns a Lua state without file, process or module access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := newSandbox()
	L.SetContext(ctx)
	logger := e.logger.With("script", id)
	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf:     func(msg string) { logger.Info("script log", "msg", msg) },
	}
	registerLightModule(L, vm, e)
	registerSystemModule(L, vm)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if prev, ok := e.vms[s.ID]; ok {
		prev.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshotHandlers()))
	return nil
}

// RunLuaCode executes code in a temporary VM and captures its log output.
// Handlers registered for a named light are called once with the light's
// current state.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vm := e.newVM(ctx, cancel, "run")
	L := vm.state
	defer L.Close()

	var logs []string
	vm.logf = func(msg string) { logs = append(logs, msg) }

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		return &RunResult{Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	for _, h := range vm.snapshotHandlers() {
		if h.light == "*" {
			continue
		}
		snap, err := e.lookup(ctx, h.light)
		if err != nil {
			return fail(err)
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, stateToLua(L, snap)); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

// dispatch routes a light change to every matching handler. It runs on the
// network loop and never blocks.
func (e *Engine) dispatch(event coordinator.Event) {
	snap, ok := event.Data.(coordinator.LightSnapshot)
	if !ok {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !h.matches(snap.State.Name) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(vm, L, fn, snap) }:
			default:
				e.logger.Warn("script command channel full, dropping change", "script", vm.id, "light", snap.State.Name)
			}
		}
	}
}

func (e *Engine) callHandler(vm *scriptVM, L *lua.LState, fn *lua.LFunction, snap coordinator.LightSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "script", vm.id, "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, stateToLua(L, snap)); err != nil {
		e.logger.Error("lua handler error", "script", vm.id, "err", err)
	}
}

// lookup resolves a light by name and returns its snapshot.
func (e *Engine) lookup(ctx context.Context, name string) (coordinator.LightSnapshot, error) {
	id, err := e.lights.LookupName(ctx, name)
	if err != nil {
		return coordinator.LightSnapshot{}, err
	}
	return e.lights.Light(ctx, id)
}
