// Package channel encodes and decodes the Z-Wave color switch value as
// reported by OpenZWave: a '#'-prefixed hex string holding one byte per
// color channel, described by the node's color channel bitmask.
//
// Byte layout after the '#' marker: R, G, B (always present), then the warm
// white byte if WarmWhite is set, then the cold white byte if ColdWhite is set.
package channel

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"zwave-go-home/internal/color"
)

// Bitmask is the color channel capability mask of a node.
type Bitmask uint8

// Color channel bits.
const (
	WarmWhite Bitmask = 0x01
	ColdWhite Bitmask = 0x02
	Red       Bitmask = 0x04
	Green     Bitmask = 0x08
	Blue      Bitmask = 0x10

	whiteChannels = WarmWhite | ColdWhite
	rgbChannels   = Red | Green | Blue
)

const marker = '#'

var (
	// ErrMalformedPayload is returned when a payload is shorter than its
	// bitmask requires or contains non-hex digits.
	ErrMalformedPayload = errors.New("malformed color payload")

	// ErrEncodeLengthMismatch is returned when a white level is supplied for
	// a channel the bitmask does not carry.
	ErrEncodeLengthMismatch = errors.New("color payload length mismatch")
)

// Has reports whether all bits of c are set in m.
func (m Bitmask) Has(c Bitmask) bool {
	return m&c == c && c != 0
}

// HasRGB reports whether any of the red, green or blue channels is present.
func (m Bitmask) HasRGB() bool {
	return m&rgbChannels != 0
}

// HasWhite reports whether any white channel is present.
func (m Bitmask) HasWhite() bool {
	return m&whiteChannels != 0
}

// PayloadLen returns the number of bytes a payload for m carries, excluding
// the marker.
func (m Bitmask) PayloadLen() int {
	return 3 + bits.OnesCount8(uint8(m&whiteChannels))
}

// String renders the set channels, e.g. "WW|R|G|B".
func (m Bitmask) String() string {
	names := []struct {
		bit  Bitmask
		name string
	}{
		{WarmWhite, "WW"}, {ColdWhite, "CW"}, {Red, "R"}, {Green, "G"}, {Blue, "B"},
	}
	var parts []string
	for _, n := range names {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Decoded is the structured content of a color payload.
type Decoded struct {
	RGB    color.RGB
	HasRGB bool // false when the node declares no red, green or blue channel
	Warm   uint8
	Cold   uint8
	Mask   Bitmask
}

// Decode parses payload according to mask. The RGB triple is returned as
// carried on the wire; use Composite to fold the white channels in.
func Decode(payload string, mask Bitmask) (Decoded, error) {
	need := 1 + 2*mask.PayloadLen()
	if len(payload) < need {
		return Decoded{}, fmt.Errorf("%w: %q is %d chars, mask %s needs %d",
			ErrMalformedPayload, payload, len(payload), mask, need)
	}

	// The marker itself is not validated; OpenZWave always sends '#'.
	idx := 1
	next := func() (uint8, error) {
		v, err := strconv.ParseUint(payload[idx:idx+2], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: byte at offset %d: %v", ErrMalformedPayload, idx, err)
		}
		idx += 2
		return uint8(v), nil
	}

	d := Decoded{Mask: mask, HasRGB: mask.HasRGB()}
	var err error
	if d.RGB.R, err = next(); err != nil {
		return Decoded{}, err
	}
	if d.RGB.G, err = next(); err != nil {
		return Decoded{}, err
	}
	if d.RGB.B, err = next(); err != nil {
		return Decoded{}, err
	}
	if mask&WarmWhite != 0 {
		if d.Warm, err = next(); err != nil {
			return Decoded{}, err
		}
	}
	if mask&ColdWhite != 0 {
		if d.Cold, err = next(); err != nil {
			return Decoded{}, err
		}
	}
	return d, nil
}

// Composite returns the effective RGB color with one white channel blended
// in. Warm white wins when the mask carries both white channels; the cold
// level is then ignored.
func (d Decoded) Composite() color.RGB {
	switch {
	case d.Mask&WarmWhite != 0:
		return color.RGBWToRGB(color.RGBW{R: d.RGB.R, G: d.RGB.G, B: d.RGB.B, W: d.Warm})
	case d.Mask&ColdWhite != 0:
		return color.RGBWToRGB(color.RGBW{R: d.RGB.R, G: d.RGB.G, B: d.RGB.B, W: d.Cold})
	default:
		return d.RGB
	}
}

// White is a level destined for a single white channel.
type White struct {
	Channel Bitmask // WarmWhite or ColdWhite
	Level   uint8
}

// Encode builds a payload for mask: the RGB bytes followed by one byte per
// white channel in the mask. The white level, if any, lands in its own
// channel's slot; other white slots are zero.
func Encode(rgb color.RGB, white *White, mask Bitmask) (string, error) {
	if white != nil {
		if white.Channel != WarmWhite && white.Channel != ColdWhite {
			return "", fmt.Errorf("%w: %s is not a white channel", ErrEncodeLengthMismatch, white.Channel)
		}
		if mask&white.Channel == 0 {
			return "", fmt.Errorf("%w: mask %s has no %s channel", ErrEncodeLengthMismatch, mask, white.Channel)
		}
	}

	var b strings.Builder
	b.Grow(1 + 2*mask.PayloadLen())
	b.WriteByte(marker)
	writeHex(&b, rgb.R)
	writeHex(&b, rgb.G)
	writeHex(&b, rgb.B)
	for _, ch := range []Bitmask{WarmWhite, ColdWhite} {
		if mask&ch == 0 {
			continue
		}
		var level uint8
		if white != nil && white.Channel == ch {
			level = white.Level
		}
		writeHex(&b, level)
	}
	return b.String(), nil
}

// Fixed payloads for lights that only expose two white points: full warm
// white or full cold white with the RGB channels off.
const (
	warmPayload = "#000000ff00"
	coldPayload = "#00000000ff"
)

// TwoPoint returns the fixed all-warm or all-cold payload.
func TwoPoint(warm bool) string {
	if warm {
		return warmPayload
	}
	return coldPayload
}

func writeHex(b *strings.Builder, v uint8) {
	const digits = "0123456789abcdef"
	b.WriteByte(digits[v>>4])
	b.WriteByte(digits[v&0x0f])
}
