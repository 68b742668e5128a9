// Package color holds the color conversions shared by light platforms:
// mired/Kelvin conversion, the black-body temperature curve and RGB/RGBW
// composition. The numeric formulas match the Home Assistant color utility
// so that round-tripped colors agree with other integrations.
package color

import "math"

// Bounds of the color temperature scale exposed to the platform, in mireds.
const (
	HassMin = 154
	HassMax = 500
)

// RGB is an 8-bit red/green/blue triple.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// RGBW is an RGB triple plus a white channel level.
type RGBW struct {
	R, G, B, W uint8
}

// MiredToKelvin converts mireds to Kelvin, rounding down.
func MiredToKelvin(mired float64) float64 {
	if mired <= 0 {
		return 0
	}
	return math.Floor(1_000_000 / mired)
}

// KelvinToMired converts Kelvin to mireds, rounding down.
func KelvinToMired(kelvin float64) float64 {
	if kelvin <= 0 {
		return 0
	}
	return math.Floor(1_000_000 / kelvin)
}

// TemperatureToRGB returns the (unrounded) RGB components of a black-body
// radiator at the given Kelvin temperature, clamped to 1000..40000 K.
func TemperatureToRGB(kelvin float64) (r, g, b float64) {
	if kelvin < 1000 {
		kelvin = 1000
	} else if kelvin > 40000 {
		kelvin = 40000
	}
	t := kelvin / 100.0
	return tempRed(t), tempGreen(t), tempBlue(t)
}

// MiredToRGB converts a mired color temperature to an RGB triple.
// Components are truncated, not rounded.
func MiredToRGB(mired float64) RGB {
	r, g, b := TemperatureToRGB(MiredToKelvin(mired))
	return RGB{R: uint8(r), G: uint8(g), B: uint8(b)}
}

func tempRed(t float64) float64 {
	if t <= 66 {
		return 255
	}
	return bound(329.698727446 * math.Pow(t-60, -0.1332047592))
}

func tempGreen(t float64) float64 {
	var g float64
	if t <= 66 {
		g = 99.4708025861*math.Log(t) - 161.1195681661
	} else {
		g = 288.1221695283 * math.Pow(t-60, -0.0755148492)
	}
	return bound(g)
}

func tempBlue(t float64) float64 {
	if t >= 66 {
		return 255
	}
	if t <= 19 {
		return 0
	}
	return bound(138.5177312231*math.Log(t-10) - 305.0447927307)
}

func bound(v float64) float64 {
	return math.Min(math.Max(v, 0), 255)
}

// RGBToRGBW extracts the common white component of an RGB color into a
// white channel, then rescales so the brightest channel keeps its level.
func RGBToRGBW(c RGB) RGBW {
	w := min(c.R, c.G, c.B)
	out := matchMaxScale(
		[]uint8{c.R, c.G, c.B},
		[]int{int(c.R - w), int(c.G - w), int(c.B - w), int(w)},
	)
	return RGBW{R: out[0], G: out[1], B: out[2], W: out[3]}
}

// RGBWToRGB adds the white channel back into RGB, rescaled so the output
// never exceeds the brightest input channel.
func RGBWToRGB(c RGBW) RGB {
	out := matchMaxScale(
		[]uint8{c.R, c.G, c.B, c.W},
		[]int{int(c.R) + int(c.W), int(c.G) + int(c.W), int(c.B) + int(c.W)},
	)
	return RGB{R: out[0], G: out[1], B: out[2]}
}

func matchMaxScale(in []uint8, out []int) []uint8 {
	maxIn := 0
	for _, v := range in {
		maxIn = max(maxIn, int(v))
	}
	maxOut := 0
	for _, v := range out {
		maxOut = max(maxOut, v)
	}
	factor := 0.0
	if maxOut != 0 {
		factor = float64(maxIn) / float64(maxOut)
	}
	res := make([]uint8, len(out))
	for i, v := range out {
		res[i] = uint8(math.RoundToEven(float64(v) * factor))
	}
	return res
}
