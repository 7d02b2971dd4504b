// Package realtime implements RealtimeHub: a WebSocket connection
// registry with room membership, heartbeat-based liveness, a connection
// ceiling, and fan-out broadcast that snapshots room membership under
// lock and sends outside it so a slow connection never stalls a
// broadcast to its room-mates.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/thijssvd/sommos/internal/domain"
)

const (
	// StatusCapacityExceeded is sent when the connection ceiling is reached.
	StatusCapacityExceeded websocket.StatusCode = 4001
	// StatusHeartbeatTimeout is sent when a connection misses two pongs.
	StatusHeartbeatTimeout websocket.StatusCode = 4002

	sendBufferSize = 64
	writeTimeout   = 5 * time.Second
)

// Options configures a Hub.
type Options struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 1000
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	return o
}

// conn is one live WebSocket connection's hub-side bookkeeping.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}

	missedPongs int32
	closeOnce   sync.Once
}

func (c *conn) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *conn) join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *conn) leave(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

func (c *conn) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Hub is the connection registry. It implements domain.Publisher so
// InventoryManager, PairingOrchestrator, WeatherEnricher, and
// ExperimentAllocator can broadcast without importing this package.
type Hub struct {
	opts Options
	log  zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[string]struct{} // room -> connID set

	count int64
}

var _ domain.Publisher = (*Hub)(nil)

// New builds an empty Hub.
func New(opts Options, log zerolog.Logger) *Hub {
	return &Hub{
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "realtime").Logger(),
		conns: make(map[string]*conn),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Count returns the number of currently registered connections.
func (h *Hub) Count() int {
	return int(atomic.LoadInt64(&h.count))
}

// HandleWS upgrades r to a WebSocket connection and runs it to
// completion. Callers wire this directly to the /ws route; it returns
// once the connection closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	if h.Count() >= h.opts.MaxConnections {
		_ = ws.Close(StatusCapacityExceeded, "capacity_exceeded")
		return
	}

	ctx := r.Context()
	c := &conn{
		id:    uuid.NewString(),
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	h.enqueue(c, ConnectionEstablished{ClientID: c.id})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.heartbeatLoop(connCtx, c)
	go h.writePump(connCtx, c, cancel)

	h.readPump(connCtx, c)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	atomic.AddInt64(&h.count, 1)
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for _, rooms := range c.joinedRooms() {
		if members, ok := h.rooms[rooms]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, rooms)
			}
		}
	}
	h.mu.Unlock()
	atomic.AddInt64(&h.count, -1)
}

func (h *Hub) joinRoom(c *conn, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][c.id] = struct{}{}
	h.mu.Unlock()
	c.join(room)
	h.enqueue(c, RoomJoined{Room: room})
}

func (h *Hub) leaveRoom(c *conn, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.leave(room)
}

// enqueue is a non-blocking send to one connection; a full send buffer
// means the connection is too slow and is dropped rather than letting a
// single slow reader stall a broadcast.
func (h *Hub) enqueue(c *conn, msg WireMessage) {
	payload, err := json.Marshal(newFrame(msg))
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.wireType()).Msg("failed to encode wire message")
		return
	}
	select {
	case c.send <- payload:
	default:
		h.log.Warn().Str("conn_id", c.id).Msg("send buffer full, dropping connection")
		h.dropConnection(c, websocket.StatusPolicyViolation, "backpressure")
	}
}

func (h *Hub) dropConnection(c *conn, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
}

// Publish implements domain.Publisher. eventType is either
// "inventory_action:<action>" (InventoryManager's convention) or an
// opaque category string from any other publisher, rendered as a
// system_notification.
func (h *Hub) Publish(room string, eventType string, data interface{}) {
	var msg WireMessage
	if action, ok := strings.CutPrefix(eventType, "inventory_action:"); ok {
		msg = InventoryAction{Action: action, Payload: data}
	} else if eventType == "inventory_update" {
		msg = InventoryUpdate{Payload: data}
	} else {
		msg = SystemNotification{Kind: eventType, Payload: data}
	}

	payload, err := json.Marshal(newFrame(msg))
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("failed to encode broadcast")
		return
	}

	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*conn, 0, len(members))
	for id := range members {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			h.log.Warn().Str("conn_id", c.id).Str("room", room).Msg("send buffer full, dropping connection")
			h.dropConnection(c, websocket.StatusPolicyViolation, "backpressure")
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, payload)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var cf clientFrame
		if err := json.Unmarshal(data, &cf); err != nil {
			continue
		}

		switch cf.Type {
		case "join":
			if cf.Room != "" {
				h.joinRoom(c, cf.Room)
			}
		case "leave":
			if cf.Room != "" {
				h.leaveRoom(c, cf.Room)
			}
		case "pong":
			atomic.StoreInt32(&c.missedPongs, 0)
		}
	}
}

func (h *Hub) heartbeatLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&c.missedPongs) >= 2 {
				h.dropConnection(c, StatusHeartbeatTimeout, "heartbeat_timeout")
				return
			}
			atomic.AddInt32(&c.missedPongs, 1)
			h.enqueue(c, Ping{})
		}
	}
}

// Broadcast sends msg to every connection currently in room, matching
// the RealtimeHub contract's broadcast(room, message) operation
// directly (as opposed to Publish's string-keyed dispatch used by
// narrow-interface callers).
func (h *Hub) Broadcast(room string, msg WireMessage) {
	payload, err := json.Marshal(newFrame(msg))
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.wireType()).Msg("failed to encode broadcast")
		return
	}

	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*conn, 0, len(members))
	for id := range members {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			h.dropConnection(c, websocket.StatusPolicyViolation, "backpressure")
		}
	}
}

