package zwave

import (
	"fmt"
	"sort"
	"strings"
)

// Command classes a light node can carry.
const (
	CommandClassSwitchMultilevel uint8 = 0x26
	CommandClassSwitchColor      uint8 = 0x33
)

// Value labels as published by the gateway.
const (
	LabelLevel         = "level"
	LabelColor         = "color"
	LabelColorChannels = "color_channels"
)

// NodeInfo describes a configured node.
type NodeInfo struct {
	ID             uint8
	ManufacturerID string
	ProductID      string
	CommandClasses []uint8
}

// Node is a mesh node and its values.
type Node struct {
	net     *Network
	info    NodeInfo
	classes map[uint8]bool
	values  map[string]*Value
	byID    map[uint64]*Value
}

func newNode(net *Network, info NodeInfo) *Node {
	node := &Node{
		net:     net,
		info:    info,
		classes: make(map[uint8]bool, len(info.CommandClasses)),
		values:  make(map[string]*Value),
		byID:    make(map[uint64]*Value),
	}
	for _, cc := range info.CommandClasses {
		node.classes[cc] = true
	}

	// Every light node has a multilevel level; the color pair only comes
	// with the color switch class.
	node.addValue(CommandClassSwitchMultilevel, 0, LabelLevel, 0)
	if node.classes[CommandClassSwitchColor] {
		node.addValue(CommandClassSwitchColor, 0, LabelColor, "#000000")
		node.addValue(CommandClassSwitchColor, 1, LabelColorChannels, 0)
	}
	return node
}

func (n *Node) addValue(cc, index uint8, label string, initial any) {
	v := &Value{
		node:  n,
		id:    ValueID(n.info.ID, cc, index),
		label: label,
		data:  initial,
	}
	n.values[label] = v
	n.byID[v.id] = v
}

// ValueID builds the identifier of a node value.
func ValueID(node, cc, index uint8) uint64 {
	return uint64(node)<<16 | uint64(cc)<<8 | uint64(index)
}

// ID returns the node id.
func (n *Node) ID() uint8 { return n.info.ID }

// Info returns the node's configuration.
func (n *Node) Info() NodeInfo { return n.info }

// ManufacturerID returns the hex manufacturer id string.
func (n *Node) ManufacturerID() string { return n.info.ManufacturerID }

// ProductID returns the hex product id string.
func (n *Node) ProductID() string { return n.info.ProductID }

// HasCommandClass reports whether the node supports cc.
func (n *Node) HasCommandClass(cc uint8) bool { return n.classes[cc] }

// Value returns the value with label, or nil.
func (n *Node) Value(label string) *Value { return n.values[label] }

// Snapshot copies the current value data, keyed by label.
func (n *Node) Snapshot() map[string]any {
	out := make(map[string]any, len(n.values))
	for label, v := range n.values {
		out[label] = v.data
	}
	return out
}

// SetDimmer writes level to the multilevel value with valueID.
func (n *Node) SetDimmer(valueID uint64, level int) bool {
	v, ok := n.byID[valueID]
	if !ok {
		n.net.logger.Warn("set dimmer on unknown value", "node", n.info.ID, "value_id", valueID)
		return false
	}
	if err := v.Set(level); err != nil {
		n.net.logger.Warn("set dimmer", "node", n.info.ID, "level", level, "err", err)
		return false
	}
	return true
}

// String renders the node for logs.
func (n *Node) String() string {
	ccs := make([]string, 0, len(n.classes))
	for cc := range n.classes {
		ccs = append(ccs, fmt.Sprintf("0x%02x", cc))
	}
	sort.Strings(ccs)
	return fmt.Sprintf("node %d [%s] %s/%s", n.info.ID, strings.Join(ccs, ","), n.info.ManufacturerID, n.info.ProductID)
}

// Value is a single node value. Data is the last reported payload; writes
// go to the gateway and only change Data once reported back.
type Value struct {
	node  *Node
	id    uint64
	label string
	data  any
}

// ID returns the value id.
func (v *Value) ID() uint64 { return v.id }

// Label returns the value label.
func (v *Value) Label() string { return v.label }

// Data returns the last reported data.
func (v *Value) Data() any { return v.data }

// Set sends data to the node.
func (v *Value) Set(data any) error {
	if err := v.node.net.transport.SetValue(v.node.info.ID, v.label, data); err != nil {
		return fmt.Errorf("set %s on node %d: %w", v.label, v.node.info.ID, err)
	}
	return nil
}

// Refresh asks the node to report the value again.
func (v *Value) Refresh() error {
	if err := v.node.net.transport.RefreshValue(v.node.info.ID, v.label); err != nil {
		return fmt.Errorf("refresh %s on node %d: %w", v.label, v.node.info.ID, err)
	}
	return nil
}
