//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zwave-go-home/internal/color"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Lights is the part of the coordinator the bridge drives.
type Lights interface {
	Lights(ctx context.Context) ([]coordinator.LightSnapshot, error)
	TurnOn(ctx context.Context, id uint8, opts light.TurnOnOptions) (coordinator.LightSnapshot, error)
	TurnOff(ctx context.Context, id uint8) (coordinator.LightSnapshot, error)
	Events() *coordinator.EventBus
}

// Bridge publishes light state to MQTT with HA autodiscovery and accepts
// JSON commands.
type Bridge struct {
	client pahomqtt.Client
	lights Lights
	prefix string
	logger *slog.Logger
	unsubs []func()

	mu     sync.Mutex
	topics map[uint8]string // node id -> subscribed command topic
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(lights Lights, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		lights: lights,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		topics: make(map[uint8]string),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID("bridge")).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to light events.
func (b *Bridge) Start() {
	events := b.lights.Events()
	b.unsubs = append(b.unsubs,
		events.On(coordinator.EventLightAdded, b.handleAdded),
		events.On(coordinator.EventLightState, b.handleState),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// handleAdded runs on the network loop when a light is built or rebuilt.
func (b *Bridge) handleAdded(event coordinator.Event) {
	snap, ok := event.Data.(coordinator.LightSnapshot)
	if !ok {
		return
	}
	b.publishLight(snap)
}

// handleState runs on the network loop; publishing does not block it.
func (b *Bridge) handleState(event coordinator.Event) {
	snap, ok := event.Data.(coordinator.LightSnapshot)
	if !ok {
		return
	}
	b.publish(b.stateTopic(snap), mustJSON(statePayload(snap.State)), true)
}

func (b *Bridge) publishAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lights, err := b.lights.Lights(ctx)
	if err != nil {
		b.logger.Error("list lights for discovery", "err", err)
		return
	}
	b.mu.Lock()
	clear(b.topics)
	b.mu.Unlock()
	for _, snap := range lights {
		b.publishLight(snap)
	}
}

// publishLight sends discovery and state for a light and subscribes its
// command topic, moving the subscription when the name changed.
func (b *Bridge) publishLight(snap coordinator.LightSnapshot) {
	msg := buildDiscovery(snap, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.publish(b.stateTopic(snap), mustJSON(statePayload(snap.State)), true)

	cmdTopic := b.stateTopic(snap) + "/set"
	b.mu.Lock()
	prev := b.topics[snap.NodeID]
	b.topics[snap.NodeID] = cmdTopic
	b.mu.Unlock()
	if prev == cmdTopic {
		return
	}
	if prev != "" {
		b.client.Unsubscribe(prev)
	}
	id := snap.NodeID
	b.client.Subscribe(cmdTopic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		b.handleCommand(id, m.Payload())
	})
	b.logger.Info("published HA discovery", "node", id, "name", snap.State.Name)
}

func (b *Bridge) handleCommand(id uint8, payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "node", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cmd.off {
		_, err = b.lights.TurnOff(ctx, id)
	} else {
		_, err = b.lights.TurnOn(ctx, id, cmd.opts)
	}
	if err != nil {
		b.logger.Warn("command failed", "node", id, "err", err)
	}
}

func (b *Bridge) stateTopic(snap coordinator.LightSnapshot) string {
	return b.prefix + "/" + lightTopicName(snap)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// command is a parsed JSON-schema light command.
type command struct {
	off  bool
	opts light.TurnOnOptions
}

type rgbJSON struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// parseCommand reads {"state":"ON","brightness":..,"color":{..},"color_temp":..}.
// A missing state with attributes means ON. color_temp_kelvin is accepted
// when color_temp is absent.
func parseCommand(payload []byte) (command, error) {
	var raw struct {
		State      string   `json:"state"`
		Brightness *float64 `json:"brightness"`
		Color      *rgbJSON `json:"color"`
		ColorTemp  *float64 `json:"color_temp"`
		Kelvin     *float64 `json:"color_temp_kelvin"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return command{}, fmt.Errorf("parse command: %w", err)
	}

	var cmd command
	switch strings.ToUpper(raw.State) {
	case "OFF":
		cmd.off = true
		return cmd, nil
	case "ON", "":
	default:
		return command{}, fmt.Errorf("unsupported state %q", raw.State)
	}
	if raw.Brightness != nil {
		v := clampByte(*raw.Brightness)
		cmd.opts.Brightness = &v
	}
	if raw.Color != nil {
		c := color.RGB{R: clampByte(raw.Color.R), G: clampByte(raw.Color.G), B: clampByte(raw.Color.B)}
		cmd.opts.RGB = &c
	}
	switch {
	case raw.ColorTemp != nil:
		ct := *raw.ColorTemp
		cmd.opts.ColorTemp = &ct
	case raw.Kelvin != nil && *raw.Kelvin > 0:
		ct := color.KelvinToMired(*raw.Kelvin)
		cmd.opts.ColorTemp = &ct
	}
	return cmd, nil
}

// statePayload renders a light state in the HA JSON schema.
func statePayload(s light.State) map[string]any {
	out := map[string]any{
		"state":      "OFF",
		"brightness": s.Brightness,
	}
	if s.On {
		out["state"] = "ON"
	}
	if s.ColorMode != "" {
		out["color_mode"] = s.ColorMode
	}
	if s.ColorTemp != nil {
		out["color_temp"] = int(*s.ColorTemp + 0.5)
	}
	if s.RGB != nil {
		out["color"] = map[string]uint8{"r": s.RGB.R, "g": s.RGB.G, "b": s.RGB.B}
	}
	return out
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

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
