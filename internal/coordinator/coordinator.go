package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"zwave-go-home/internal/light"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/zwave"
)

var (
	// ErrUnknownLight is returned for node ids or names without a light.
	ErrUnknownLight = errors.New("unknown light")
	// ErrEmptyName rejects renaming a node to a blank name.
	ErrEmptyName = errors.New("empty name")
)

// DefaultRefreshDelay applies when neither the node nor its device
// definition sets a delay.
const DefaultRefreshDelay = 5 * time.Second

// Config holds coordinator configuration.
type Config struct {
	RefreshDelay time.Duration
}

// LightSnapshot is a light's state together with its node id.
type LightSnapshot struct {
	NodeID uint8       `json:"node_id"`
	State  light.State `json:"state"`
}

type entry struct {
	node  *zwave.Node
	light light.Light
}

// Coordinator owns the lights built on top of the network's nodes. Lights
// live on the network loop; the exported methods hop onto it with Do.
type Coordinator struct {
	network     *zwave.Network
	store       store.Store
	deviceDB    *DeviceDB
	workarounds *light.WorkaroundTable
	events      *EventBus
	logger      *slog.Logger
	config      Config

	lights map[uint8]*entry
}

// New creates a coordinator. Start must run before any other method.
func New(network *zwave.Network, st store.Store, deviceDB *DeviceDB, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	return &Coordinator{
		network:     network,
		store:       st,
		deviceDB:    deviceDB,
		workarounds: deviceDB.Workarounds(),
		events:      events,
		logger:      logger.With("component", "coordinator"),
		config:      cfg,
		lights:      make(map[uint8]*entry),
	}
}

// SeedNodes stores configured nodes. Nodes already in the store keep their
// name; everything else follows the configuration.
func (c *Coordinator) SeedNodes(nodes []store.Node) error {
	for i := range nodes {
		cfg := nodes[i]
		err := c.store.UpdateNode(cfg.ID, func(n *store.Node) error {
			name := n.Name
			added := n.AddedAt
			*n = cfg
			if name != "" {
				n.Name = name
			}
			n.AddedAt = added
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			cfg.AddedAt = time.Now()
			cfg.UpdatedAt = cfg.AddedAt
			err = c.store.SaveNode(&cfg)
		}
		if err != nil {
			return fmt.Errorf("seed node %d: %w", cfg.ID, err)
		}
	}
	return nil
}

// Start builds a light for every stored node.
func (c *Coordinator) Start(ctx context.Context) error {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	var startErr error
	err = c.network.Do(ctx, func() {
		c.network.OnValueChanged(c.handleValue)
		for _, n := range nodes {
			if err := c.addNode(n); err != nil {
				startErr = errors.Join(startErr, err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("start lights: %w", err)
	}
	if startErr != nil {
		return startErr
	}
	c.logger.Info("lights started", "count", len(nodes))
	return nil
}

// Stop cancels pending refreshes. The network loop must still be running.
func (c *Coordinator) Stop(ctx context.Context) {
	err := c.network.Do(ctx, func() {
		for _, e := range c.lights {
			e.light.Close()
		}
	})
	if err != nil {
		c.logger.Warn("stop lights", "err", err)
	}
}

func (c *Coordinator) addNode(n *store.Node) error {
	info := zwave.NodeInfo{
		ID:             n.ID,
		ManufacturerID: n.ManufacturerID,
		ProductID:      n.ProductID,
	}
	for _, cc := range n.CommandClasses {
		info.CommandClasses = append(info.CommandClasses, uint8(cc))
	}
	zn, err := c.network.AddNode(info)
	if err != nil {
		return err
	}
	if err := c.buildLight(zn, n); err != nil {
		c.network.RemoveNode(n.ID)
		return err
	}
	return nil
}

// buildLight creates the light for zn, replacing any previous one.
func (c *Coordinator) buildLight(zn *zwave.Node, n *store.Node) error {
	values := light.Values{Primary: zn.Value(zwave.LabelLevel)}
	// Typed nil pointers must not end up in the interface fields.
	if v := zn.Value(zwave.LabelColor); v != nil {
		values.Color = v
	}
	if v := zn.Value(zwave.LabelColorChannels); v != nil {
		values.Channels = v
	}

	l, err := light.New(zn, values, c.lightConfig(n))
	if err != nil {
		return fmt.Errorf("node %d: %w", n.ID, err)
	}

	if prev := c.lights[n.ID]; prev != nil {
		prev.light.Close()
	}
	id := n.ID
	l.OnUpdate(func(s light.State) {
		c.events.Emit(Event{Type: EventLightState, Data: LightSnapshot{NodeID: id, State: s}})
	})
	c.lights[id] = &entry{node: zn, light: l}

	c.logger.Info("light ready", "node", zn.String(), "name", l.Name(), "workaround", l.Workaround())
	c.events.Emit(Event{Type: EventLightAdded, Data: LightSnapshot{NodeID: id, State: l.State()}})
	return nil
}

func (c *Coordinator) lightConfig(n *store.Node) light.Config {
	def := c.deviceDB.Lookup(n.ManufacturerID, n.ProductID)

	cfg := light.Config{
		Name:        n.Name,
		Refresh:     n.Refresh,
		Delay:       time.Duration(n.DelaySeconds) * time.Second,
		Poster:      c.network,
		ColorMin:    n.ColorMin,
		ColorMax:    n.ColorMax,
		Workarounds: c.workarounds,
		Logger:      c.logger.With("node", n.ID),
	}
	if def != nil {
		if cfg.Name == "" {
			cfg.Name = def.FriendlyName
		}
		if !cfg.Refresh && def.Refresh != nil {
			cfg.Refresh = *def.Refresh
		}
		if cfg.Delay == 0 && def.Delay != nil {
			cfg.Delay = time.Duration(*def.Delay) * time.Second
		}
		if cfg.ColorMin == 0 {
			cfg.ColorMin = def.ColorMin
		}
		if cfg.ColorMax == 0 {
			cfg.ColorMax = def.ColorMax
		}
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("node %d", n.ID)
	}
	if cfg.Delay <= 0 {
		cfg.Delay = c.config.RefreshDelay
	}
	return cfg
}

func (c *Coordinator) handleValue(node *zwave.Node, v *zwave.Value) {
	c.events.Emit(Event{Type: EventValueChanged, Data: ValueEvent{NodeID: node.ID(), Label: v.Label(), Data: v.Data()}})
	if e := c.lights[node.ID()]; e != nil {
		e.light.ValueChanged()
	}
}

// do runs fn on the loop against the light for id.
func (c *Coordinator) do(ctx context.Context, id uint8, fn func(e *entry)) error {
	var found bool
	err := c.network.Do(ctx, func() {
		e := c.lights[id]
		if e == nil {
			return
		}
		found = true
		fn(e)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("node %d: %w", id, ErrUnknownLight)
	}
	return nil
}

// Lights returns snapshots of all lights ordered by node id.
func (c *Coordinator) Lights(ctx context.Context) ([]LightSnapshot, error) {
	var out []LightSnapshot
	err := c.network.Do(ctx, func() {
		out = make([]LightSnapshot, 0, len(c.lights))
		for id, e := range c.lights {
			out = append(out, LightSnapshot{NodeID: id, State: e.light.State()})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Light returns the snapshot of one light.
func (c *Coordinator) Light(ctx context.Context, id uint8) (LightSnapshot, error) {
	var snap LightSnapshot
	err := c.do(ctx, id, func(e *entry) {
		snap = LightSnapshot{NodeID: id, State: e.light.State()}
	})
	return snap, err
}

// LookupName resolves a light name, case-insensitively, to its node id.
func (c *Coordinator) LookupName(ctx context.Context, name string) (uint8, error) {
	var (
		id    uint8
		found bool
	)
	err := c.network.Do(ctx, func() {
		for nid, e := range c.lights {
			if strings.EqualFold(e.light.Name(), name) {
				id, found = nid, true
				return
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("light %q: %w", name, ErrUnknownLight)
	}
	return id, nil
}

// TurnOn sends turn_on to a light and returns the resulting snapshot. A
// rejected dimmer command is not an error: the snapshot shows the state the
// light kept.
func (c *Coordinator) TurnOn(ctx context.Context, id uint8, opts light.TurnOnOptions) (LightSnapshot, error) {
	var snap LightSnapshot
	err := c.do(ctx, id, func(e *entry) {
		e.light.TurnOn(opts)
		snap = LightSnapshot{NodeID: id, State: e.light.State()}
	})
	return snap, err
}

// TurnOff sends turn_off to a light and returns the resulting snapshot.
func (c *Coordinator) TurnOff(ctx context.Context, id uint8) (LightSnapshot, error) {
	var snap LightSnapshot
	err := c.do(ctx, id, func(e *entry) {
		e.light.TurnOff()
		snap = LightSnapshot{NodeID: id, State: e.light.State()}
	})
	return snap, err
}

// Values returns the last reported values of a light's node.
func (c *Coordinator) Values(ctx context.Context, id uint8) (map[string]any, error) {
	var values map[string]any
	err := c.do(ctx, id, func(e *entry) {
		values = e.node.Snapshot()
	})
	return values, err
}

// RenameNode stores a new name and rebuilds the node's light under it.
func (c *Coordinator) RenameNode(ctx context.Context, id uint8, name string) (*store.Node, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	var updated store.Node
	err := c.store.UpdateNode(id, func(n *store.Node) error {
		n.Name = name
		updated = *n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rename node %d: %w", id, err)
	}

	var buildErr error
	err = c.do(ctx, id, func(e *entry) {
		buildErr = c.buildLight(e.node, &updated)
	})
	if err != nil && !errors.Is(err, ErrUnknownLight) {
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}
	c.logger.Info("node renamed", "node", id, "name", name)
	return &updated, nil
}

// Store returns the node inventory.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// DeviceDB returns the device definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
