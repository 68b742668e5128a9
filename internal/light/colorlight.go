package light

import (
	"zwave-go-home/internal/channel"
	"zwave-go-home/internal/color"
)

// ColorTemps are the fixed color temperature points, in mireds, used by
// lights that only know a warm and a cold white.
type ColorTemps struct {
	Mid  float64 `json:"mid"`
	Warm float64 `json:"warm"`
	Cold float64 `json:"cold"`
}

// NewColorTemps derives the midpoint, the warm point (two thirds toward the
// warm end) and the cold point (one third) of a mired range.
func NewColorTemps(lo, hi float64) ColorTemps {
	span := hi - lo
	return ColorTemps{
		Mid:  span/2 + lo,
		Warm: span/3*2 + lo,
		Cold: span/3 + lo,
	}
}

// ColorLight is a dimmer with a color switch value.
type ColorLight struct {
	dim   *Dimmer
	temps ColorTemps

	mask   channel.Bitmask
	rgb    color.RGB
	hasRGB bool
	ct     float64
	hasCT  bool
}

func newColorLight(node Node, values Values, cfg Config) *ColorLight {
	lo, hi := cfg.ColorMin, cfg.ColorMax
	if lo <= 0 {
		lo = color.HassMin
	}
	if hi <= 0 {
		hi = color.HassMax
	}

	c := &ColorLight{temps: NewColorTemps(lo, hi)}
	c.dim = newDimmerCore(node, values, cfg)
	c.dim.update = c.updateProperties
	c.dim.snapshot = c.State
	c.updateProperties()
	return c
}

func (c *ColorLight) updateProperties() {
	c.dim.updateBrightness()

	v := c.dim.values
	if v.Color == nil || v.Channels == nil {
		return
	}
	c.mask = channel.Bitmask(toInt(v.Channels.Data()))

	payload, _ := v.Color.Data().(string)
	d, err := channel.Decode(payload, c.mask)
	if err != nil {
		metricMalformedPayloads.WithLabelValues(c.dim.name).Inc()
		c.dim.logger.Warn("decode color value", "light", c.dim.name, "err", err)
		return
	}

	c.rgb = d.RGB
	if c.dim.workaround == WorkaroundZW098 {
		// The white channel levels select one of two fixed temperatures.
		c.hasCT = true
		switch {
		case d.Warm > 0:
			c.ct = c.temps.Warm
			c.rgb = color.MiredToRGB(c.ct)
		case d.Cold > 0:
			c.ct = c.temps.Cold
			c.rgb = color.MiredToRGB(c.ct)
		default:
			c.ct = c.temps.Mid
		}
	} else {
		c.rgb = d.Composite()
	}
	c.hasRGB = c.mask.HasRGB()
}

// Name returns the light's configured name.
func (c *ColorLight) Name() string { return c.dim.Name() }

// Brightness returns the brightness between 0 and 255.
func (c *ColorLight) Brightness() uint8 { return c.dim.Brightness() }

// IsOn reports whether the light is on.
func (c *ColorLight) IsOn() bool { return c.dim.IsOn() }

// RGBColor returns the current color. It is absent when the node declares no
// red, green or blue channel.
func (c *ColorLight) RGBColor() (color.RGB, bool) {
	if !c.hasRGB {
		return color.RGB{}, false
	}
	return c.rgb, true
}

// ColorTemp returns the color temperature in mireds, when known.
func (c *ColorLight) ColorTemp() (float64, bool) { return c.ct, c.hasCT }

// Temps returns the derived fixed color temperature points.
func (c *ColorLight) Temps() ColorTemps { return c.temps }

// Channels returns the node's color channel mask.
func (c *ColorLight) Channels() channel.Bitmask { return c.mask }

// SupportedFeatures reports brightness and RGB, plus color temperature for
// two-point white lights.
func (c *ColorLight) SupportedFeatures() Feature {
	if c.dim.workaround == WorkaroundZW098 {
		return SupportBrightness | SupportRGBColor | SupportColorTemp
	}
	return SupportBrightness | SupportRGBColor
}

// Workaround returns the workaround assigned at construction.
func (c *ColorLight) Workaround() Workaround { return c.dim.Workaround() }

// State returns a snapshot of the light.
func (c *ColorLight) State() State {
	s := c.dim.dimmerState()
	s.Features = c.SupportedFeatures()
	s.ColorMode = c.colorMode()
	s.Channels = c.Channels().String()
	if rgb, ok := c.RGBColor(); ok {
		s.RGB = &rgb
	}
	if ct, ok := c.ColorTemp(); ok {
		s.ColorTemp = &ct
		temps := c.Temps()
		s.Temps = &temps
	}
	return s
}

// colorMode reports which attribute drives the color. Two-point white lights
// sit at the midpoint while RGB is in use.
func (c *ColorLight) colorMode() string {
	switch {
	case c.hasCT && c.ct != c.Temps().Mid:
		return ColorModeColorTemp
	case c.hasRGB:
		return ColorModeRGB
	default:
		return ColorModeBrightness
	}
}

// OnUpdate registers an observer.
func (c *ColorLight) OnUpdate(fn func(State)) { c.dim.OnUpdate(fn) }

// ValueChanged handles a change of one of the node's values.
func (c *ColorLight) ValueChanged() { c.dim.ValueChanged() }

// TurnOff switches the light off.
func (c *ColorLight) TurnOff() { c.dim.TurnOff() }

// Close cancels a pending deferred refresh.
func (c *ColorLight) Close() { c.dim.Close() }

// TurnOn writes the requested color, if any, then switches the light on.
// A color temperature takes precedence over an RGB color and is only
// honored by two-point white lights. The color is kept only once the write
// succeeds, and observers hear of it even if the dimmer command fails.
func (c *ColorLight) TurnOn(opts TurnOnOptions) {
	changed := c.writeColor(opts)
	if !c.dim.turnOn(opts) && changed {
		c.dim.notify()
	}
}

// writeColor sends the color part of opts and reports whether the light's
// color state changed.
func (c *ColorLight) writeColor(opts TurnOnOptions) bool {
	var (
		payload string
		rgb     = c.rgb
		hasRGB  = c.hasRGB
		ct      = c.ct
		hasCT   = c.hasCT
	)

	switch {
	case opts.ColorTemp != nil:
		if c.dim.workaround != WorkaroundZW098 {
			return false
		}
		warm := *opts.ColorTemp > c.temps.Mid
		ct = c.temps.Cold
		if warm {
			ct = c.temps.Warm
		}
		hasCT = true
		rgb = color.MiredToRGB(ct)
		payload = channel.TwoPoint(warm)
	case opts.RGB != nil:
		rgb = *opts.RGB
		hasRGB = c.mask.HasRGB()
		if c.dim.workaround == WorkaroundZW098 {
			ct, hasCT = c.temps.Mid, true
		}
		payload = c.encodeRGB(rgb)
	}

	if payload == "" || c.dim.values.Color == nil {
		return false
	}
	if err := c.dim.values.Color.Set(payload); err != nil {
		c.dim.logger.Warn("write color value", "light", c.dim.name, "payload", payload, "err", err)
		return false
	}

	changed := rgb != c.rgb || hasRGB != c.hasRGB || ct != c.ct || hasCT != c.hasCT
	c.rgb, c.hasRGB, c.ct, c.hasCT = rgb, hasRGB, ct, hasCT
	return changed
}

// encodeRGB builds the color payload for rgb. Lights with a white channel
// get the common white component moved into the first white channel, warm
// before cold; two-point white lights take the plain RGB bytes.
func (c *ColorLight) encodeRGB(rgb color.RGB) string {
	var (
		payload string
		err     error
	)
	if c.dim.workaround == WorkaroundNone && c.mask.HasWhite() {
		w := color.RGBToRGBW(rgb)
		ch := channel.WarmWhite
		if !c.mask.Has(channel.WarmWhite) {
			ch = channel.ColdWhite
		}
		payload, err = channel.Encode(color.RGB{R: w.R, G: w.G, B: w.B}, &channel.White{Channel: ch, Level: w.W}, c.mask)
	} else {
		payload, err = channel.Encode(rgb, nil, c.mask)
	}
	if err != nil {
		c.dim.logger.Error("encode color value", "light", c.dim.name, "err", err)
		return ""
	}
	return payload
}
