//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/color"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

const maxHandlersPerScript = 100

// registerLightModule registers the `light` global table in a Lua state.
func registerLightModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"turn_on":   func(L *lua.LState) int { return lightTurnOn(L, vm, e) },
		"turn_off":  func(L *lua.LState) int { return lightTurnOff(L, vm, e) },
		"state":     func(L *lua.LState) int { return lightState(L, vm, e) },
		"on_change": func(L *lua.LState) int { return lightOnChange(L, vm) },
		"after":     func(L *lua.LState) int { return lightAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			vm.logf(L.CheckString(1))
			return 0
		},
	})
	L.SetGlobal("light", mod)
}

func (vm *scriptVM) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, commandTimeout)
}

// light.turn_on(name, {brightness=, rgb={r=,g=,b=}, color_temp=}) returns the
// resulting state, or nil for an unknown light.
func lightTurnOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	opts := turnOnOptions(L.OptTable(2, nil))

	ctx, cancel := vm.callCtx()
	defer cancel()
	id, err := e.lights.LookupName(ctx, name)
	if err != nil {
		e.logger.Warn("turn_on from script", "script", vm.id, "light", name, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	snap, err := e.lights.TurnOn(ctx, id, opts)
	if err != nil {
		e.logger.Warn("turn_on from script", "script", vm.id, "light", name, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(stateToLua(L, snap))
	return 1
}

// light.turn_off(name) returns the resulting state, or nil.
func lightTurnOff(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)

	ctx, cancel := vm.callCtx()
	defer cancel()
	id, err := e.lights.LookupName(ctx, name)
	if err == nil {
		var snap coordinator.LightSnapshot
		if snap, err = e.lights.TurnOff(ctx, id); err == nil {
			L.Push(stateToLua(L, snap))
			return 1
		}
	}
	e.logger.Warn("turn_off from script", "script", vm.id, "light", name, "err", err)
	L.Push(lua.LNil)
	return 1
}

// light.state(name) returns the current state, or nil.
func lightState(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)

	ctx, cancel := vm.callCtx()
	defer cancel()
	snap, err := e.lookup(ctx, name)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(stateToLua(L, snap))
	return 1
}

// light.on_change(name_or_star, fn)
func lightOnChange(L *lua.LState, vm *scriptVM) int {
	name := strings.ToLower(strings.TrimSpace(L.CheckString(1)))
	fn := L.CheckFunction(2)
	if name == "" {
		L.ArgError(1, "light name required")
		return 0
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, changeHandler{light: name, fn: fn})
	return 0
}

// light.after(seconds, fn) runs fn on the script's VM after a delay.
func lightAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full", "script", vm.id)
		}
	}()
	return 0
}

// turnOnOptions reads the optional turn_on table. Out of range numbers are
// clamped.
func turnOnOptions(tbl *lua.LTable) light.TurnOnOptions {
	var opts light.TurnOnOptions
	if tbl == nil {
		return opts
	}
	if n, ok := tbl.RawGetString("brightness").(lua.LNumber); ok {
		b := clampByte(float64(n))
		opts.Brightness = &b
	}
	if rgb, ok := tbl.RawGetString("rgb").(*lua.LTable); ok {
		c := color.RGB{
			R: channelByte(rgb, "r", 1),
			G: channelByte(rgb, "g", 2),
			B: channelByte(rgb, "b", 3),
		}
		opts.RGB = &c
	}
	if n, ok := tbl.RawGetString("color_temp").(lua.LNumber); ok {
		ct := float64(n)
		opts.ColorTemp = &ct
	}
	return opts
}

// channelByte reads a color component by key or array position.
func channelByte(tbl *lua.LTable, key string, pos int) uint8 {
	v := tbl.RawGetString(key)
	if v == lua.LNil {
		v = tbl.RawGetInt(pos)
	}
	n, _ := v.(lua.LNumber)
	return clampByte(float64(n))
}

func clampByte(f float64) uint8 {
	switch {
	case f <= 0:
		return 0
	case f >= 255:
		return 255
	default:
		return uint8(f)
	}
}

// stateToLua builds the table handed to scripts for a light.
func stateToLua(L *lua.LState, snap coordinator.LightSnapshot) *lua.LTable {
	s := snap.State
	t := L.NewTable()
	t.RawSetString("node_id", lua.LNumber(snap.NodeID))
	t.RawSetString("name", lua.LString(s.Name))
	t.RawSetString("on", lua.LBool(s.On))
	t.RawSetString("brightness", lua.LNumber(s.Brightness))
	t.RawSetString("supported_features", lua.LNumber(s.Features))
	if s.ColorMode != "" {
		t.RawSetString("color_mode", lua.LString(s.ColorMode))
	}
	if s.RGB != nil {
		rgb := L.NewTable()
		rgb.RawSetString("r", lua.LNumber(s.RGB.R))
		rgb.RawSetString("g", lua.LNumber(s.RGB.G))
		rgb.RawSetString("b", lua.LNumber(s.RGB.B))
		t.RawSetString("rgb", rgb)
	}
	if s.ColorTemp != nil {
		t.RawSetString("color_temp", lua.LNumber(*s.ColorTemp))
	}
	return t
}
