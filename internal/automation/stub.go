//go:build no_automation

package automation

import (
	"context"
	"log/slog"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// Lights is the part of the coordinator scripts drive.
type Lights interface {
	LookupName(ctx context.Context, name string) (uint8, error)
	Light(ctx context.Context, id uint8) (coordinator.LightSnapshot, error)
	TurnOn(ctx context.Context, id uint8, opts light.TurnOnOptions) (coordinator.LightSnapshot, error)
	TurnOff(ctx context.Context, id uint8) (coordinator.LightSnapshot, error)
	Events() *coordinator.EventBus
}

// ScriptMeta holds script metadata.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is an automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get returns nil.
func (m *Manager) Get(_ string) (*Script, error) { return nil, nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Lights, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Running returns nil.
func (e *Engine) Running() []string { return nil }

// Scripts returns nil.
func (e *Engine) Scripts() ([]*Script, error) { return nil, nil }

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}
