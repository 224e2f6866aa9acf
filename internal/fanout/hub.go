// Package fanout pushes per-device view models to viewers that joined the
// device's room.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"dustrak-core/internal/metrics"
	"dustrak-core/internal/store"
)

// Viewer events.
const (
	EventNewData = "new_data"
	EventJoined  = "joined"
	EventLeft    = "left"
)

const emitQueue = 256

// Room is the channel of one device as seen by its owner.
type Room struct {
	OwnerID  int64 `json:"owner_id"`
	DeviceID int64 `json:"device_id"`
}

// RoomOf returns the room a device's updates are emitted to.
func RoomOf(dev *store.Device) Room {
	return Room{OwnerID: dev.OwnerID, DeviceID: dev.ID}
}

// Envelope is the message format sent to viewers.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one viewer connection. Its send channel is closed by the hub
// when the client is unregistered or evicted.
type Client struct {
	ID    string
	send  chan []byte
	rooms map[Room]struct{}
}

// NewClient creates a client with the given send buffer.
func NewClient(buffer int) *Client {
	return &Client{
		ID:    uuid.NewString(),
		send:  make(chan []byte, buffer),
		rooms: make(map[Room]struct{}),
	}
}

// Send returns the channel of encoded messages for this client.
func (c *Client) Send() <-chan []byte { return c.send }

type membership struct {
	client *Client
	room   Room
}

type emission struct {
	room Room
	data []byte
}

// Hub owns room membership. Register, join, leave and emit are all applied
// by the Run goroutine, so membership changes are ordered with emissions.
type Hub struct {
	clients map[*Client]struct{}
	rooms   map[Room]map[*Client]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	emit       chan emission

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. m may be nil.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[Room]map[*Client]struct{}),
		logger:     logger.With("component", "fanout"),
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		emit:       make(chan emission, emitQueue),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			h.metrics.SetViewers(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetViewers(total)
			h.logger.Debug("viewer connected", "client", client.ID, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetViewers(total)
			h.logger.Debug("viewer disconnected", "client", client.ID, "total", total)

		case m := <-h.join:
			h.mu.Lock()
			if _, ok := h.clients[m.client]; ok {
				members := h.rooms[m.room]
				if members == nil {
					members = make(map[*Client]struct{})
					h.rooms[m.room] = members
				}
				members[m.client] = struct{}{}
				m.client.rooms[m.room] = struct{}{}
				h.deliver(m.client, EventJoined, "Joined room")
			}
			h.mu.Unlock()

		case m := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[m.client]; ok {
				h.removeFromRoom(m.client, m.room)
				h.deliver(m.client, EventLeft, "Left room")
			}
			h.mu.Unlock()

		case e := <-h.emit:
			h.mu.Lock()
			var slow []*Client
			for client := range h.rooms[e.room] {
				select {
				case client.send <- e.data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				h.drop(client)
				h.metrics.FanoutDrop()
				h.logger.Warn("viewer evicted (too slow)", "client", client.ID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if len(slow) > 0 {
				h.metrics.SetViewers(total)
			}
		}
	}
}

// deliver queues an acknowledgement without blocking. Caller holds h.mu.
func (h *Hub) deliver(client *Client, event, status string) {
	data, err := json.Marshal(Envelope{Event: event, Data: map[string]string{"status": status}})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) removeFromRoom(client *Client, room Room) {
	delete(client.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// drop removes client from every room and closes its send channel. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	delete(h.clients, client)
	close(client.send)
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Done is closed when the hub stops.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register adds a client. It returns false if the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join subscribes c to room.
func (h *Hub) Join(c *Client, room Room) {
	select {
	case h.join <- membership{client: c, room: room}:
	case <-h.done:
	}
}

// Leave unsubscribes c from room.
func (h *Hub) Leave(c *Client, room Room) {
	select {
	case h.leave <- membership{client: c, room: room}:
	case <-h.done:
	}
}

// Emit sends an event to every client in room. It never blocks: when the
// queue is full the event is dropped.
func (h *Hub) Emit(room Room, event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("fanout marshal", "err", err)
		return
	}
	select {
	case h.emit <- emission{room: room, data: payload}:
	default:
		h.metrics.FanoutDrop()
		h.logger.Warn("fanout queue full, dropping update", "device", room.DeviceID)
	}
}

// Members returns the number of clients in room.
func (h *Hub) Members(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
