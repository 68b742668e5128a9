package light

import (
	"fmt"
	"strconv"
	"strings"
)

// Workaround names a vendor-specific deviation from the color switch
// semantics.
type Workaround string

const (
	WorkaroundNone Workaround = ""
	// WorkaroundZW098 covers the Aeotec ZW098 LED bulb, whose white output
	// is limited to one warm and one cold point driven by the white channel
	// levels.
	WorkaroundZW098 Workaround = "zw098"
)

// Well-known device identifiers.
const (
	ManufacturerAeotec uint16 = 0x86
	ProductZW098Bulb   uint16 = 0x62
)

// ParseWorkaround validates a workaround name from configuration.
func ParseWorkaround(name string) (Workaround, error) {
	switch w := Workaround(strings.ToLower(strings.TrimSpace(name))); w {
	case WorkaroundNone, WorkaroundZW098:
		return w, nil
	default:
		return WorkaroundNone, fmt.Errorf("unknown workaround %q", name)
	}
}

// DeviceKey identifies a device model by manufacturer and product id.
type DeviceKey struct {
	Manufacturer uint16
	Product      uint16
}

// WorkaroundTable maps device models to workarounds. It is built once and
// never mutated afterwards.
type WorkaroundTable struct {
	entries map[DeviceKey]Workaround
}

var builtinWorkarounds = map[DeviceKey]Workaround{
	{Manufacturer: ManufacturerAeotec, Product: ProductZW098Bulb}: WorkaroundZW098,
}

// DefaultWorkarounds holds only the built-in entries.
var DefaultWorkarounds = NewWorkaroundTable(nil)

// NewWorkaroundTable returns the built-in entries overlaid with extra.
func NewWorkaroundTable(extra map[DeviceKey]Workaround) *WorkaroundTable {
	t := &WorkaroundTable{entries: make(map[DeviceKey]Workaround, len(builtinWorkarounds)+len(extra))}
	for k, v := range builtinWorkarounds {
		t.entries[k] = v
	}
	for k, v := range extra {
		t.entries[k] = v
	}
	return t
}

// Len returns the number of entries.
func (t *WorkaroundTable) Len() int {
	return len(t.entries)
}

// Lookup resolves hex manufacturer and product id strings as reported by the
// node. Blank or unparsable ids yield WorkaroundNone.
func (t *WorkaroundTable) Lookup(manufacturerID, productID string) Workaround {
	m, ok := ParseDeviceID(manufacturerID)
	if !ok {
		return WorkaroundNone
	}
	p, ok := ParseDeviceID(productID)
	if !ok {
		return WorkaroundNone
	}
	return t.entries[DeviceKey{Manufacturer: m, Product: p}]
}

// ParseDeviceID parses a hex id such as "0x0086" or "86".
func ParseDeviceID(s string) (uint16, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
