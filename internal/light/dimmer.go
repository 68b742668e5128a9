package light

import (
	"log/slog"

	"zwave-go-home/internal/color"
)

// Dimmer is a multilevel switch exposing brightness only. ColorLight wraps
// one and plugs its own decode and snapshot into it.
type Dimmer struct {
	name       string
	node       Node
	values     Values
	workaround Workaround
	logger     *slog.Logger
	refresh    *refresher

	brightness uint8
	on         bool

	observers []func(State)

	// Overridden by ColorLight.
	update   func()
	snapshot func() State
}

func newDimmer(node Node, values Values, cfg Config) *Dimmer {
	d := newDimmerCore(node, values, cfg)
	d.update()
	return d
}

// newDimmerCore builds a dimmer without running the initial decode.
func newDimmerCore(node Node, values Values, cfg Config) *Dimmer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := cfg.Workarounds
	if table == nil {
		table = DefaultWorkarounds
	}

	d := &Dimmer{
		name:   cfg.Name,
		node:   node,
		values: values,
		logger: logger,
	}
	d.update = d.updateBrightness
	d.snapshot = d.dimmerState

	d.workaround = table.Lookup(node.ManufacturerID(), node.ProductID())
	if d.workaround != WorkaroundNone {
		logger.Debug("workaround enabled", "light", d.name, "workaround", d.workaround,
			"manufacturer_id", node.ManufacturerID(), "product_id", node.ProductID())
	}

	if cfg.Refresh {
		d.refresh = &refresher{
			name:      cfg.Name,
			delay:     cfg.Delay,
			value:     values.Primary,
			poster:    cfg.Poster,
			afterFunc: realAfterFunc,
			logger:    logger,
		}
	}
	logger.Debug("light created", "light", d.name, "refresh", cfg.Refresh, "delay", cfg.Delay)
	return d
}

func (d *Dimmer) updateBrightness() {
	d.brightness, d.on = brightnessState(toInt(d.values.Primary.Data()))
}

// Name returns the light's configured name.
func (d *Dimmer) Name() string { return d.name }

// Brightness returns the brightness between 0 and 255.
func (d *Dimmer) Brightness() uint8 { return d.brightness }

// IsOn reports whether the light is on.
func (d *Dimmer) IsOn() bool { return d.on }

// RGBColor is never available on a plain dimmer.
func (d *Dimmer) RGBColor() (color.RGB, bool) { return color.RGB{}, false }

// ColorTemp is never available on a plain dimmer.
func (d *Dimmer) ColorTemp() (float64, bool) { return 0, false }

// SupportedFeatures returns SupportBrightness.
func (d *Dimmer) SupportedFeatures() Feature { return SupportBrightness }

// Workaround returns the workaround assigned at construction.
func (d *Dimmer) Workaround() Workaround { return d.workaround }

// State returns a snapshot of the light.
func (d *Dimmer) State() State { return d.snapshot() }

func (d *Dimmer) dimmerState() State {
	return State{
		Name:       d.name,
		On:         d.on,
		Brightness: d.brightness,
		Features:   d.SupportedFeatures(),
		ColorMode:  ColorModeBrightness,
	}
}

// OnUpdate registers an observer.
func (d *Dimmer) OnUpdate(fn func(State)) {
	d.observers = append(d.observers, fn)
}

func (d *Dimmer) notify() {
	if len(d.observers) == 0 {
		return
	}
	s := d.snapshot()
	for _, fn := range d.observers {
		fn(s)
	}
}

// ValueChanged handles a change of one of the node's values.
func (d *Dimmer) ValueChanged() {
	if d.refresh != nil && !d.refresh.consumeEcho() {
		d.refresh.arm()
		return
	}
	d.update()
	d.notify()
}

// TurnOn switches the light on. Without a brightness the node restores its
// previous level. A brightness of 0 switches it off.
func (d *Dimmer) TurnOn(opts TurnOnOptions) { d.turnOn(opts) }

// turnOn reports whether the node accepted the command. Observers are only
// notified on success.
func (d *Dimmer) turnOn(opts TurnOnOptions) bool {
	if opts.Brightness != nil && *opts.Brightness == 0 {
		return d.turnOff()
	}
	level := RestoreLevel
	if opts.Brightness != nil {
		level = rawLevel(*opts.Brightness)
	}
	if !d.setDimmer("turn_on", level) {
		return false
	}
	if opts.Brightness != nil {
		d.brightness = *opts.Brightness
	}
	d.on = true
	d.notify()
	return true
}

// TurnOff switches the light off.
func (d *Dimmer) TurnOff() { d.turnOff() }

func (d *Dimmer) turnOff() bool {
	if !d.setDimmer("turn_off", 0) {
		return false
	}
	d.on = false
	d.notify()
	return true
}

func (d *Dimmer) setDimmer(command string, level int) bool {
	if !d.node.SetDimmer(d.values.Primary.ID(), level) {
		metricCommands.WithLabelValues(d.name, command, "rejected").Inc()
		d.logger.Warn("dimmer command failed", "light", d.name, "command", command,
			"level", level, "err", ErrDeviceWriteRejected)
		return false
	}
	metricCommands.WithLabelValues(d.name, command, "ok").Inc()
	return true
}

// Close cancels a pending deferred refresh.
func (d *Dimmer) Close() {
	if d.refresh != nil {
		d.refresh.stop()
		d.refresh.gen++
	}
}
