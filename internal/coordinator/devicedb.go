package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"zwave-go-home/internal/light"
)

// ManufacturerGroup groups device models under one manufacturer.
type ManufacturerGroup struct {
	Name   string             `json:"name"`
	ID     string             `json:"id"`
	Models []DeviceDefinition `json:"models"`
}

// DeviceDefinition holds per-model defaults for light nodes.
type DeviceDefinition struct {
	Manufacturer   string `json:"manufacturer,omitempty"`
	ManufacturerID string `json:"manufacturer_id"`
	ProductID      string `json:"product_id"`
	Model          string `json:"model,omitempty"`
	FriendlyName   string `json:"friendly_name,omitempty"`

	// Workaround names a vendor workaround ("zw098").
	Workaround string `json:"workaround,omitempty"`

	// Refresh and Delay are used when a node does not set its own.
	Refresh *bool `json:"refresh_value,omitempty"`
	Delay   *int  `json:"delay,omitempty"`

	ColorMin float64 `json:"color_min,omitempty"`
	ColorMax float64 `json:"color_max,omitempty"`
}

// DeviceDB holds device definitions keyed by manufacturer and product id.
// It is filled at startup and read-only afterwards.
type DeviceDB struct {
	defs map[light.DeviceKey]*DeviceDefinition
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[light.DeviceKey]*DeviceDefinition)}
}

// Add validates and inserts a definition.
func (db *DeviceDB) Add(def DeviceDefinition) error {
	key, err := definitionKey(def)
	if err != nil {
		return err
	}
	if _, err := light.ParseWorkaround(def.Workaround); err != nil {
		return fmt.Errorf("device %s/%s: %w", def.ManufacturerID, def.ProductID, err)
	}
	cp := def
	db.defs[key] = &cp
	return nil
}

func definitionKey(def DeviceDefinition) (light.DeviceKey, error) {
	m, ok := light.ParseDeviceID(def.ManufacturerID)
	if !ok {
		return light.DeviceKey{}, fmt.Errorf("device %q: invalid manufacturer_id %q", def.Model, def.ManufacturerID)
	}
	p, ok := light.ParseDeviceID(def.ProductID)
	if !ok {
		return light.DeviceKey{}, fmt.Errorf("device %q: invalid product_id %q", def.Model, def.ProductID)
	}
	return light.DeviceKey{Manufacturer: m, Product: p}, nil
}

// Lookup finds a definition by the hex id strings a node reports.
func (db *DeviceDB) Lookup(manufacturerID, productID string) *DeviceDefinition {
	m, ok := light.ParseDeviceID(manufacturerID)
	if !ok {
		return nil
	}
	p, ok := light.ParseDeviceID(productID)
	if !ok {
		return nil
	}
	return db.defs[light.DeviceKey{Manufacturer: m, Product: p}]
}

// Len returns the number of device definitions.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// All returns every definition ordered by manufacturer and product id.
func (db *DeviceDB) All() []DeviceDefinition {
	keys := make([]light.DeviceKey, 0, len(db.defs))
	for k := range db.defs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Manufacturer != keys[j].Manufacturer {
			return keys[i].Manufacturer < keys[j].Manufacturer
		}
		return keys[i].Product < keys[j].Product
	})
	out := make([]DeviceDefinition, 0, len(keys))
	for _, k := range keys {
		out = append(out, *db.defs[k])
	}
	return out
}

// Workarounds builds the workaround table: built-in entries overlaid with
// every definition naming a workaround.
func (db *DeviceDB) Workarounds() *light.WorkaroundTable {
	extra := make(map[light.DeviceKey]light.Workaround)
	for key, def := range db.defs {
		// Add already validated the name.
		w, _ := light.ParseWorkaround(def.Workaround)
		if w != light.WorkaroundNone {
			extra[key] = w
		}
	}
	return light.NewWorkaroundTable(extra)
}

// deviceFile is the JSON structure for files in the devices directory.
type deviceFile struct {
	Devices       []DeviceDefinition  `json:"devices,omitempty"`
	Manufacturers []ManufacturerGroup `json:"manufacturers,omitempty"`
}

// LoadDeviceDir reads all *.json files from dir into a DeviceDB. A missing
// or empty directory yields an empty DeviceDB.
func LoadDeviceDir(dir string, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		count := 0
		for _, d := range df.Devices {
			if err := db.Add(d); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
			count++
		}
		for _, mg := range df.Manufacturers {
			for _, d := range mg.Models {
				d.Manufacturer = mg.Name
				if d.ManufacturerID == "" {
					d.ManufacturerID = mg.ID
				}
				if err := db.Add(d); err != nil {
					return db, fmt.Errorf("%s: %w", path, err)
				}
				count++
			}
		}
		logger.Info("loaded device file", "path", filepath.Base(path), "devices", count)
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
