// Package light models Z-Wave multilevel dimmers and color switch lights.
//
// A light reads its node's values (primary level, color string, color
// channel mask), exposes the normalized brightness, on/off, RGB and color
// temperature, and translates turn_on/turn_off into dimmer commands and
// color writes. Lights are not safe for concurrent use: every call must
// come from the network's event loop.
package light

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"zwave-go-home/internal/color"
)

// CommandClassSwitchColor marks nodes that carry a color value.
const CommandClassSwitchColor uint8 = 0x33

// RestoreLevel asks a multilevel switch to return to its previous level.
const RestoreLevel = 255

// ErrDeviceWriteRejected is logged when the node refuses a dimmer command.
var ErrDeviceWriteRejected = errors.New("device write rejected")

// Feature is a bitset of supported light features.
type Feature int

// Feature flags, using the platform's numbering.
const (
	SupportBrightness Feature = 1
	SupportColorTemp  Feature = 2
	SupportRGBColor   Feature = 16
)

// Node is the mesh node owning a light's values.
type Node interface {
	ManufacturerID() string
	ProductID() string
	HasCommandClass(cc uint8) bool
	// SetDimmer sends a multilevel switch set. level is 0-99, or 255 to
	// restore the previous level. It reports whether the node accepted it.
	SetDimmer(valueID uint64, level int) bool
}

// Value is a single node value.
type Value interface {
	ID() uint64
	Data() any
	Set(data any) error
	Refresh() error
}

// Values groups the node values a light reads. Color and Channels are nil
// for nodes without them.
type Values struct {
	Primary  Value
	Color    Value
	Channels Value
}

// Poster queues a function onto the loop that owns the light.
type Poster interface {
	Post(fn func()) bool
}

// Config holds per-light settings.
type Config struct {
	Name string

	// Refresh re-reads the primary value Delay after a change and only
	// applies the change once the re-read is reported back.
	Refresh bool
	Delay   time.Duration
	Poster  Poster

	// Color temperature range of the device in mireds. Zero values fall
	// back to the platform bounds.
	ColorMin float64
	ColorMax float64

	Workarounds *WorkaroundTable
	Logger      *slog.Logger
}

// Color modes a light can report.
const (
	ColorModeBrightness = "brightness"
	ColorModeRGB        = "rgb"
	ColorModeColorTemp  = "color_temp"
)

// State is a snapshot of a light's normalized attributes.
type State struct {
	Name       string     `json:"name"`
	On         bool       `json:"on"`
	Brightness uint8      `json:"brightness"`
	RGB        *color.RGB `json:"rgb_color,omitempty"`
	ColorTemp  *float64   `json:"color_temp,omitempty"`
	Features   Feature    `json:"supported_features"`

	// ColorMode is the attribute that last set the light's color: one of
	// the ColorMode constants.
	ColorMode string      `json:"color_mode,omitempty"`
	Channels  string      `json:"channels,omitempty"`
	Temps     *ColorTemps `json:"color_temps,omitempty"`
}

// TurnOnOptions are the optional attributes of a turn_on command.
type TurnOnOptions struct {
	Brightness *uint8
	RGB        *color.RGB
	ColorTemp  *float64
}

// Light is the common surface of dimmers and color lights.
type Light interface {
	Name() string
	Brightness() uint8
	IsOn() bool
	RGBColor() (color.RGB, bool)
	ColorTemp() (float64, bool)
	SupportedFeatures() Feature
	Workaround() Workaround
	State() State

	TurnOn(opts TurnOnOptions)
	TurnOff()
	ValueChanged()

	// OnUpdate registers fn to receive a snapshot after every state change.
	OnUpdate(fn func(State))
	// Close cancels any pending deferred refresh.
	Close()
}

// New builds a light for node: a ColorLight when the node supports the
// color switch command class, a Dimmer otherwise.
func New(node Node, values Values, cfg Config) (Light, error) {
	if node == nil {
		return nil, fmt.Errorf("light %q: nil node", cfg.Name)
	}
	if values.Primary == nil {
		return nil, fmt.Errorf("light %q: missing primary value", cfg.Name)
	}
	if cfg.Refresh && cfg.Poster == nil {
		return nil, fmt.Errorf("light %q: refresh enabled without a poster", cfg.Name)
	}
	if node.HasCommandClass(CommandClassSwitchColor) {
		return newColorLight(node, values, cfg), nil
	}
	return newDimmer(node, values, cfg), nil
}

// brightnessState maps a 0-99 multilevel switch level to 0-255 brightness.
func brightnessState(raw int) (uint8, bool) {
	if raw <= 0 {
		return 0, false
	}
	b := math.RoundToEven(float64(raw) / 99 * 255)
	if b > 255 {
		b = 255
	}
	return uint8(b), true
}

// rawLevel maps 0-255 brightness to the 0-99 switch domain. 255 is passed
// through as the restore-previous-level request. Any non-zero brightness
// maps to at least level 1 so it never switches the light off.
func rawLevel(brightness uint8) int {
	switch brightness {
	case 0:
		return 0
	case 255:
		return RestoreLevel
	}
	return max(int(float64(brightness)/255*99), 1)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}
