package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single authenticated WebSocket connection.
type Client struct {
	ID          string
	UserID      string
	Username    string
	Role        string
	ConnectedAt time.Time
	Topics      []string
	Send        chan []byte
	conn        Conn
}

// ClientMessage is an inbound frame from a client: room subscription changes
// and typing declarations.
type ClientMessage struct {
	Action         string          `json:"action"`
	Topics         []string        `json:"topics,omitempty"`
	EntityID       string          `json:"entityId,omitempty"`
	EntityType     EntityType      `json:"entityType,omitempty"`
	Presence       *PresenceUpdate `json:"presence,omitempty"`
	NotificationID string          `json:"notificationId,omitempty"`
}

// Hub is the central connection registry: topic -> subscriber sets plus a
// user index for targeted delivery. All operations are thread-safe via
// sync.RWMutex.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	byUser map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	logger zerolog.Logger
}

// NewHub creates a Hub ready to manage clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		byUser: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}

	if h.byUser[client.UserID] == nil {
		h.byUser[client.UserID] = make(map[*Client]struct{})
	}
	h.byUser[client.UserID][client] = struct{}{}

	for _, topic := range client.Topics {
		h.addSubscriber(topic, client)
	}
}

// Unregister removes a client from the hub and all topic subscriptions, and
// closes its send channel. Returns true when this was the user's last open
// connection.
func (h *Hub) Unregister(client *Client) (lastForUser bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return false
	}

	for _, topic := range client.Topics {
		h.dropSubscriber(topic, client)
	}

	delete(h.all, client)
	close(client.Send)

	if conns, ok := h.byUser[client.UserID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.byUser, client.UserID)
			return true
		}
	}
	return false
}

// Subscribe dynamically adds topics to an already-registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.addSubscriber(topic, client)
	}
	client.Topics = append(client.Topics, topics...)
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.dropSubscriber(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addSubscriber(topic string, client *Client) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][client] = struct{}{}
}

func (h *Hub) dropSubscriber(topic string, client *Client) {
	if subscribers, ok := h.topics[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Broadcast sends a named event to every client subscribed to any of the
// given topics. A client subscribed to several of them receives the frame
// once.
func (h *Hub) Broadcast(event string, data interface{}, topics ...string) {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal broadcast frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.topics[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			h.deliver(client, frame)
		}
	}
}

// BroadcastAll sends an event to every connected client regardless of topic.
// excludeUser, when non-empty, skips that user's connections (used so a
// client does not echo its own presence updates back to itself).
func (h *Hub) BroadcastAll(event string, data interface{}, excludeUser string) {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal broadcast frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.all {
		if excludeUser != "" && client.UserID == excludeUser {
			continue
		}
		h.deliver(client, frame)
	}
}

// SendToUser delivers an event to every open connection of a single user.
// Returns false when the user has no open connection.
func (h *Hub) SendToUser(userID, event string, data interface{}) bool {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal user frame")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.byUser[userID]
	if !ok || len(conns) == 0 {
		return false
	}
	for client := range conns {
		h.deliver(client, frame)
	}
	return true
}

// SendToClient delivers an event to one connection only.
func (h *Hub) SendToClient(client *Client, event string, data interface{}) {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal client frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.deliver(client, frame)
}

func (h *Hub) deliver(client *Client, frame []byte) {
	select {
	case client.Send <- frame:
	default:
		// Client buffer full; skip to avoid blocking the dispatch path.
	}
}

// ConnectedUsers returns the distinct users with at least one open connection,
// sorted by nothing in particular.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.byUser))
	for id := range h.byUser {
		users = append(users, id)
	}
	return users
}

// UsersWithRole returns the connected users holding one of the given roles.
func (h *Hub) UsersWithRole(roles []string) []string {
	want := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var users []string
	for client := range h.all {
		if _, ok := want[client.Role]; !ok {
			continue
		}
		if _, dup := seen[client.UserID]; dup {
			continue
		}
		seen[client.UserID] = struct{}{}
		users = append(users, client.UserID)
	}
	return users
}

// IsConnected reports whether the user has at least one open connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ClientCount returns the total number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// CloseAll closes every client connection. Used during shutdown after the
// dispatch paths have been drained.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.all))
	for client := range h.all {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.Unregister(client)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}
