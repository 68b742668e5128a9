package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zwave-go-home/internal/zwave"
)

// ErrTimeout is returned when the broker does not acknowledge a request
// in time.
var ErrTimeout = errors.New("mqtt timeout")

// GatewayConfig holds the Z-Wave gateway connection settings.
type GatewayConfig struct {
	Broker   string
	Username string
	Password string
	// Topic is the gateway's base topic. Reports arrive on
	// <topic>/<node>/<label>, writes go to <topic>/<node>/<label>/set.
	Topic   string
	Timeout time.Duration
}

// Reporter receives value reports. zwave.Network implements it.
type Reporter interface {
	Report(nodeID uint8, label string, data any) bool
}

// Gateway is the zwave.Transport that talks to a Z-Wave to MQTT gateway.
type Gateway struct {
	client  pahomqtt.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	reporter Reporter
}

var _ zwave.Transport = (*Gateway)(nil)

// NewGateway connects to the gateway's broker.
func NewGateway(cfg GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	g := &Gateway{
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		timeout: cfg.Timeout,
		logger:  logger.With("component", "gateway"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID("gw")).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			g.logger.Info("gateway connected", "topic", g.topic)
			g.subscribe(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			g.logger.Warn("gateway connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("gateway connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}
	g.client = client
	return g, nil
}

// clientID builds a unique MQTT client id.
func clientID(role string) string {
	return "zwave-go-home-" + role + "-" + uuid.NewString()[:8]
}

// Start subscribes to value reports and forwards them to r. Retained reports
// seed the node values right away.
func (g *Gateway) Start(r Reporter) error {
	g.mu.Lock()
	g.reporter = r
	g.mu.Unlock()

	token := g.client.Subscribe(g.topic+"/+/+", 1, g.handleMessage)
	if !token.WaitTimeout(g.timeout) {
		return fmt.Errorf("subscribe %s: %w", g.topic, ErrTimeout)
	}
	return token.Error()
}

// subscribe re-subscribes after a reconnect.
func (g *Gateway) subscribe(c pahomqtt.Client) {
	g.mu.Lock()
	started := g.reporter != nil
	g.mu.Unlock()
	if started {
		c.Subscribe(g.topic+"/+/+", 1, g.handleMessage)
	}
}

// Stop disconnects from the broker.
func (g *Gateway) Stop() {
	g.client.Disconnect(1000)
	g.logger.Info("gateway disconnected")
}

func (g *Gateway) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	nodeID, label, ok := parseReportTopic(g.topic, msg.Topic())
	if !ok {
		return
	}
	data, err := decodeReport(label, msg.Payload())
	if err != nil {
		g.logger.Warn("bad value report", "topic", msg.Topic(), "err", err)
		return
	}

	g.mu.Lock()
	r := g.reporter
	g.mu.Unlock()
	if r == nil {
		return
	}
	if !r.Report(nodeID, label, data) {
		g.logger.Warn("report dropped", "node", nodeID, "label", label)
	}
}

// SetValue publishes a write for a node value.
func (g *Gateway) SetValue(nodeID uint8, label string, data any) error {
	payload, err := encodeValue(data)
	if err != nil {
		return err
	}
	return g.publish(valueTopic(g.topic, nodeID, label)+"/set", payload)
}

// RefreshValue asks the gateway to poll a node value.
func (g *Gateway) RefreshValue(nodeID uint8, label string) error {
	return g.publish(valueTopic(g.topic, nodeID, label)+"/refresh", nil)
}

// publish runs on the network loop, so it waits at most the configured
// timeout.
func (g *Gateway) publish(topic string, payload []byte) error {
	token := g.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(g.timeout) {
		return fmt.Errorf("%s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func valueTopic(base string, nodeID uint8, label string) string {
	return base + "/" + strconv.Itoa(int(nodeID)) + "/" + label
}

// parseReportTopic splits <base>/<node>/<label>. Labels the lights do not
// read are ignored.
func parseReportTopic(base, topic string) (uint8, string, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return 0, "", false
	}
	node, label, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(label, "/") {
		return 0, "", false
	}
	switch label {
	case zwave.LabelLevel, zwave.LabelColor, zwave.LabelColorChannels:
	default:
		return 0, "", false
	}
	id, err := strconv.ParseUint(node, 10, 8)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return uint8(id), label, true
}

// decodeReport accepts either a bare value or a {"value": ...} object, the
// two shapes Z-Wave gateways publish.
func decodeReport(label string, payload []byte) (any, error) {
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		var wrapped struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("decode %s: %w", label, err)
		}
		if len(wrapped.Value) == 0 {
			return nil, fmt.Errorf("decode %s: missing value", label)
		}
		raw = string(wrapped.Value)
	}

	switch label {
	case zwave.LabelColor:
		if s, err := strconv.Unquote(raw); err == nil {
			return s, nil
		}
		return raw, nil
	default:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", label, err)
		}
		return int(n), nil
	}
}

// encodeValue renders a write payload: strings as-is, numbers as decimal.
func encodeValue(data any) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case uint8:
		return []byte(strconv.Itoa(int(v))), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return b, nil
	}
}
