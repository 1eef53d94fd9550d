// Package events fans out local notifications (peers to watch for payment,
// tunnels to revoke) to in-process subscribers and websocket clients.
package events

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caldog20/calmesh/types"
)

type Type string

const (
	// Watch asks the billing side to start watching a peer for payment.
	Watch Type = "watch"
	// Revoke asks for the tunnel of a peer that lost authorization to be
	// torn down.
	Revoke Type = "revoke"
)

type Event struct {
	Type     Type           `json:"type"`
	Identity types.Identity `json:"identity"`
	Iface    string         `json:"iface,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher is implemented by anything events can be sent to.
type Publisher interface {
	Publish(e Event)
}

const subscriberBuffer = 16

type Hub struct {
	mu      sync.Mutex
	nextID  atomic.Uint64
	subs    map[uint64]chan Event
	dropped atomic.Uint64
	log     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs: make(map[uint64]chan Event),
		log:  logger.With("component", "events"),
	}
}

// Subscribe returns a channel receiving every event published from now on
// and the id to unsubscribe with.
func (h *Hub) Subscribe() (uint64, <-chan Event) {
	id := h.nextID.Add(1)
	c := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = c
	return id, c
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.subs[id]; ok {
		close(c)
		delete(h.subs, id)
	}
}

// Publish never blocks. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.log.Info("event", "type", e.Type, "peer", e.Identity, "iface", e.Iface)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.subs {
		select {
		case c <- e:
		default:
			h.dropped.Add(1)
			h.log.Warn("subscriber is slow, dropping event", "subscriber", id, "type", e.Type)
		}
	}
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

var upgrader = websocket.Upgrader{}

func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", h.EventsHandler)
}

// EventsHandler streams events to a websocket client until either side goes
// away.
func (h *Hub) EventsHandler(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Error("error upgrading websocket connection", "error", err)
		return
	}

	id, c := h.Subscribe()
	done := make(chan struct{})

	defer func() {
		h.Unsubscribe(id)
		conn.Close()
	}()

	// reads only serve to notice the client closing
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e, ok := <-c:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				if websocket.IsCloseError(err, websocket.CloseGoingAway) {
					return
				}
				h.log.Error("error writing event", "subscriber", id, "error", err)
				return
			}
		}
	}
}
