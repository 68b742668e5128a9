// Package zwave holds the in-process view of the Z-Wave mesh: the configured
// nodes, their last reported values and the event loop that every light
// runs on.
package zwave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("network stopped")
	// ErrUnknownNode is returned for node ids that were never added.
	ErrUnknownNode = errors.New("unknown node")
)

// Transport carries value writes and refresh requests to the gateway that
// talks to the controller.
type Transport interface {
	SetValue(nodeID uint8, label string, data any) error
	RefreshValue(nodeID uint8, label string) error
}

// ValueChangedFunc is called on the loop after a value report was applied.
type ValueChangedFunc func(node *Node, value *Value)

const defaultQueueSize = 256

// Network serializes all node and light activity onto one goroutine. Nodes,
// values and handlers are owned by that goroutine: outside callers go
// through Post, Do or Report.
type Network struct {
	transport Transport
	logger    *slog.Logger
	queue     chan func()
	done      chan struct{}

	nodes    map[uint8]*Node
	handlers []ValueChangedFunc
}

// NewNetwork creates a network writing through transport.
func NewNetwork(transport Transport, logger *slog.Logger) *Network {
	return &Network{
		transport: transport,
		logger:    logger.With("component", "zwave"),
		queue:     make(chan func(), defaultQueueSize),
		done:      make(chan struct{}),
		nodes:     make(map[uint8]*Node),
	}
}

// Run drains the queue until ctx is cancelled. It must be called once.
func (n *Network) Run(ctx context.Context) error {
	defer close(n.done)
	n.logger.Info("network loop started")
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("network loop stopped")
			return nil
		case fn := <-n.queue:
			n.call(fn)
		}
	}
}

func (n *Network) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("loop task panic", "panic", r)
		}
	}()
	fn()
}

// Post queues fn without waiting. It reports false when the loop has stopped
// or the queue is full.
func (n *Network) Post(fn func()) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.queue <- fn:
		return true
	default:
		n.logger.Warn("network queue full, task dropped")
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
func (n *Network) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case n.queue <- task:
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report applies a value report from the gateway. Reports for unknown nodes
// or values are dropped.
func (n *Network) Report(nodeID uint8, label string, data any) bool {
	return n.Post(func() { n.apply(nodeID, label, data) })
}

func (n *Network) apply(nodeID uint8, label string, data any) {
	node, ok := n.nodes[nodeID]
	if !ok {
		n.logger.Debug("report for unknown node", "node", nodeID, "label", label)
		return
	}
	v := node.values[label]
	if v == nil {
		n.logger.Debug("report for unknown value", "node", nodeID, "label", label)
		return
	}
	v.data = data
	// Unchanged data is still delivered: a refresh answer must reach the
	// light even when the level did not move.
	for _, h := range n.handlers {
		h(node, v)
	}
}

// OnValueChanged registers h. Loop only.
func (n *Network) OnValueChanged(h ValueChangedFunc) {
	n.handlers = append(n.handlers, h)
}

// AddNode registers a node and creates its values. Loop only.
func (n *Network) AddNode(info NodeInfo) (*Node, error) {
	if _, ok := n.nodes[info.ID]; ok {
		return nil, fmt.Errorf("node %d already added", info.ID)
	}
	node := newNode(n, info)
	n.nodes[info.ID] = node
	n.logger.Debug("node added", "node", info.ID, "values", len(node.values))
	return node, nil
}

// RemoveNode forgets a node. Loop only.
func (n *Network) RemoveNode(id uint8) {
	delete(n.nodes, id)
}

// Node returns the node with id. Loop only.
func (n *Network) Node(id uint8) (*Node, error) {
	node, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	return node, nil
}
