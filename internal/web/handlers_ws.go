package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zwave-go-home/internal/coordinator"
)

// Websocket message types besides the coordinator's light events.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

const (
	feedBuffer   = 256
	clientBuffer = 64
)

// feed fans light events out to websocket clients. The client set belongs
// to run; everything else reaches it through channels.
type feed struct {
	logger *slog.Logger

	join    chan *wsClient
	leave   chan *wsClient
	events  chan coordinator.Event
	replies chan wsReply
	count   chan chan int

	quit     chan struct{}
	stopOnce sync.Once
}

type wsReply struct {
	client *wsClient
	event  coordinator.Event
}

type wsClient struct {
	conn *websocket.Conn
	out  chan []byte

	mu    sync.Mutex
	nodes map[uint8]bool // nil means every light
}

// watch limits the client to the given node ids. An empty list restores
// every light.
func (c *wsClient) watch(ids []uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		c.nodes = nil
		return
	}
	c.nodes = make(map[uint8]bool, len(ids))
	for _, id := range ids {
		c.nodes[id] = true
	}
}

func (c *wsClient) wants(ev coordinator.Event) bool {
	snap, ok := ev.Data.(coordinator.LightSnapshot)
	if !ok {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes == nil || c.nodes[snap.NodeID]
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{
		logger:  logger,
		join:    make(chan *wsClient),
		leave:   make(chan *wsClient),
		events:  make(chan coordinator.Event, feedBuffer),
		replies: make(chan wsReply, feedBuffer),
		count:   make(chan chan int),
		quit:    make(chan struct{}),
	}
}

func (f *feed) run() {
	clients := make(map[*wsClient]bool)
	drop := func(c *wsClient) {
		if clients[c] {
			delete(clients, c)
			close(c.out)
		}
	}
	deliver := func(c *wsClient, data []byte) {
		select {
		case c.out <- data:
		default:
			f.logger.Warn("ws client too slow, disconnecting")
			drop(c)
		}
	}

	for {
		select {
		case <-f.quit:
			for c := range clients {
				drop(c)
			}
			return

		case c := <-f.join:
			clients[c] = true
			f.logger.Debug("ws client joined", "clients", len(clients))

		case c := <-f.leave:
			drop(c)
			f.logger.Debug("ws client left", "clients", len(clients))

		case reply := <-f.count:
			reply <- len(clients)

		case r := <-f.replies:
			if !clients[r.client] {
				continue
			}
			if data, ok := f.encode(r.event); ok {
				deliver(r.client, data)
			}

		case ev := <-f.events:
			data, ok := f.encode(ev)
			if !ok {
				continue
			}
			for c := range clients {
				if c.wants(ev) {
					deliver(c, data)
				}
			}
		}
	}
}

func (f *feed) encode(ev coordinator.Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("ws encode", "type", ev.Type, "err", err)
		return nil, false
	}
	return data, true
}

// publish queues ev for every interested client without blocking.
func (f *feed) publish(ev coordinator.Event) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("ws feed full, event dropped", "type", ev.Type)
	}
}

// reply queues ev for a single client.
func (f *feed) reply(c *wsClient, ev coordinator.Event) {
	select {
	case f.replies <- wsReply{client: c, event: ev}:
	default:
		f.logger.Warn("ws reply dropped", "type", ev.Type)
	}
}

// clients returns the number of connected clients.
func (f *feed) clients() int {
	reply := make(chan int, 1)
	select {
	case f.count <- reply:
		return <-reply
	case <-f.quit:
		return 0
	}
}

func (f *feed) stop() {
	f.stopOnce.Do(func() { close(f.quit) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without allowed origins nhooyr only accepts same-origin upgrades.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{conn: conn, out: make(chan []byte, clientBuffer)}
	if msg, err := s.snapshotMessage(r.Context()); err == nil {
		client.out <- msg
	} else {
		s.logger.Warn("ws snapshot", "err", err)
	}

	select {
	case s.feed.join <- client:
	case <-s.feed.quit:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriter(client)
	s.wsReader(client)
}

func (s *Server) wsWriter(client *wsClient) {
	for msg := range client.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReader(client *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		select {
		case s.feed.leave <- client:
		case <-s.feed.quit:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	go func() {
		select {
		case <-s.feed.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if err := s.handleWSCommand(ctx, client, data); err != nil {
			s.feed.reply(client, coordinator.Event{
				Type: EventError,
				Data: map[string]string{"error": err.Error()},
			})
		}
	}
}

func (s *Server) snapshotMessage(ctx context.Context) ([]byte, error) {
	lights, err := s.coord.Lights(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(coordinator.Event{Type: EventSnapshot, Data: lights})
}

// wsCommand is a message from a websocket client. Command outcomes arrive
// as light_state events; failures as an error message.
type wsCommand struct {
	Action  string `json:"action"` // turn_on, turn_off or watch
	NodeID  uint8  `json:"node_id"`
	NodeIDs []int  `json:"node_ids"`
	turnOnRequest
}

func (s *Server) handleWSCommand(ctx context.Context, client *wsClient, data []byte) error {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cmd.Action {
	case "turn_on":
		_, err := s.coord.TurnOn(ctx, cmd.NodeID, cmd.options())
		return err
	case "turn_off":
		_, err := s.coord.TurnOff(ctx, cmd.NodeID)
		return err
	case "watch":
		ids := make([]uint8, 0, len(cmd.NodeIDs))
		for _, id := range cmd.NodeIDs {
			if id < 1 || id > 255 {
				return fmt.Errorf("invalid node id %d", id)
			}
			ids = append(ids, uint8(id))
		}
		client.watch(ids)
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
