package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a change pushed to live subscribers.
type EventType string

const (
	EventMedicationCreated EventType = "medication.created"
	EventMedicationUpdated EventType = "medication.updated"
	EventMedicationDeleted EventType = "medication.deleted"
	EventAlertDelivered    EventType = "alert.delivered"
	EventDoseTaken         EventType = "dose.taken"
	EventDoseMissed        EventType = "dose.missed"
)

// Event is one message on the live feed.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Client receives events on Outbound until it is removed from the hub.
type Client struct {
	ID       string
	Outbound chan Event
}

// Hub fans events out to connected clients. Slow clients drop events
// rather than block publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[*Client]bool), logger: logger}
}

func (h *Hub) AddClient() *Client {
	c := &Client{ID: uuid.New().String(), Outbound: make(chan Event, 16)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("Event client connected", zap.String("client_id", c.ID))
	return c
}

// RemoveClient unregisters c and closes its channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.Outbound)
	h.logger.Debug("Event client disconnected", zap.String("client_id", c.ID))
}

func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Outbound <- ev:
		default:
			h.logger.Warn("Dropping event for slow client",
				zap.String("client_id", c.ID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
