//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zwave-go-home/internal/color"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/zwave_3/light/config"
	Payload []byte // JSON
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Via         string   `json:"via_device,omitempty"`
}

// haLight is a JSON-schema light discovery payload.
type haLight struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	Device              haDevice `json:"device"`
}

// nodeIdentifier returns the unique identifier for HA device registry.
func nodeIdentifier(nodeID uint8) string {
	return fmt.Sprintf("zwave_%d", nodeID)
}

// lightTopicName returns the topic name for a light: its sanitized name, or
// the node identifier when the name has nothing usable.
func lightTopicName(snap coordinator.LightSnapshot) string {
	name := strings.ToLower(strings.TrimSpace(snap.State.Name))
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if strings.Trim(name, "_") == "" {
		return nodeIdentifier(snap.NodeID)
	}
	return name
}

// colorModes maps supported features to HA color modes.
func colorModes(f light.Feature) []string {
	var modes []string
	if f&light.SupportColorTemp != 0 {
		modes = append(modes, "color_temp")
	}
	if f&light.SupportRGBColor != 0 {
		modes = append(modes, "rgb")
	}
	if len(modes) == 0 {
		modes = []string{"brightness"}
	}
	return modes
}

// buildDiscovery generates the HA discovery message for a light.
func buildDiscovery(snap coordinator.LightSnapshot, prefix string) discoveryMsg {
	nodeID := nodeIdentifier(snap.NodeID)
	stateTopic := prefix + "/" + lightTopicName(snap)

	payload := haLight{
		Name:                snap.State.Name,
		UniqueID:            nodeID + "_light",
		Schema:              "json",
		StateTopic:          stateTopic,
		CommandTopic:        stateTopic + "/set",
		AvailabilityTopic:   prefix + "/bridge/state",
		Brightness:          true,
		BrightnessScale:     255,
		SupportedColorModes: colorModes(snap.State.Features),
		Device: haDevice{
			Identifiers: []string{nodeID},
			Name:        snap.State.Name,
		},
	}
	if snap.State.Features&light.SupportColorTemp != 0 {
		payload.MinMireds = color.HassMin
		payload.MaxMireds = color.HassMax
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", nodeID),
		Payload: mustJSON(payload),
	}
}
