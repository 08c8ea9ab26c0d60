package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recentEventLimit bounds the in-memory sync event ring. Clients that miss
// events while disconnected get no replay beyond this window.
const recentEventLimit = 50

// Options tunes the service's retention behavior.
type Options struct {
	PresenceStaleAfter    time.Duration
	SyncEventRetention    time.Duration
	NotificationRetention time.Duration
}

func (o *Options) applyDefaults() {
	if o.PresenceStaleAfter == 0 {
		o.PresenceStaleAfter = 5 * time.Minute
	}
	if o.SyncEventRetention == 0 {
		o.SyncEventRetention = 24 * time.Hour
	}
	if o.NotificationRetention == 0 {
		o.NotificationRetention = 7 * 24 * time.Hour
	}
}

// Status is a point-in-time snapshot for operational dashboards.
type Status struct {
	ConnectedUsers       int `json:"connectedUsers"`
	ActiveUsers          int `json:"activeUsers"`
	RecentSyncEvents     int `json:"recentSyncEvents"`
	PendingNotifications int `json:"pendingNotifications"`
}

// CleanupResult reports what a maintenance sweep removed.
type CleanupResult struct {
	NotificationsDeleted   int `json:"notificationsDeleted"`
	PresenceRecordsCleaned int `json:"presenceRecordsCleaned"`
}

// Service owns the presence registry, the sync event bus, and the
// notification dispatcher. It is constructed explicitly at startup and shut
// down by the application entry point; there is no package-level instance.
type Service struct {
	hub      *Hub
	presence *presenceRegistry
	verifier TokenVerifier
	logger   zerolog.Logger
	opts     Options

	eventMu sync.Mutex
	recent  []SyncEvent

	notifMu sync.Mutex
	pending map[string][]*Notification
}

// NewService wires a Service around the given hub and token verifier.
func NewService(hub *Hub, verifier TokenVerifier, logger zerolog.Logger, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		hub:      hub,
		presence: newPresenceRegistry(),
		verifier: verifier,
		logger:   logger.With().Str("component", "realtime").Logger(),
		opts:     opts,
		pending:  make(map[string][]*Notification),
	}
}

// Hub exposes the underlying hub for the transport handler.
func (s *Service) Hub() *Hub { return s.hub }

// Connect authenticates a raw connection and registers it with the hub. On
// success the client is subscribed to its role room and receives a
// `connected` acknowledgment; everyone else sees a presence broadcast. On
// authentication failure the connection is closed and ErrAuthentication
// returned.
func (s *Service) Connect(conn Conn, token string) (*Client, error) {
	identity, err := s.verifier.Verify(token)
	if err != nil {
		conn.Close()
		return nil, err
	}

	client := &Client{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		Username:    identity.Username,
		Role:        identity.Role,
		ConnectedAt: time.Now().UTC(),
		Topics:      []string{RoleRoom(identity.Role)},
		Send:        make(chan []byte, 256),
		conn:        conn,
	}

	s.hub.Register(client)
	p := s.presence.Upsert(identity.UserID, identity.Username, identity.Role)

	s.hub.SendToClient(client, EventConnected, map[string]interface{}{
		"userId":      client.UserID,
		"connectedAt": client.ConnectedAt,
		"presence":    s.presence.Snapshot(),
	})
	s.hub.BroadcastAll(EventPresenceUpdate, p, client.UserID)

	s.logger.Info().
		Str("user_id", client.UserID).
		Str("role", client.Role).
		Msg("client connected")
	return client, nil
}

// Disconnect removes the connection. When it was the user's last one, the
// user goes offline and everyone else is told. Historical sync events are
// not touched.
func (s *Service) Disconnect(client *Client) {
	last := s.hub.Unregister(client)
	if !last {
		return
	}

	if p, ok := s.presence.SetOffline(client.UserID); ok {
		s.hub.BroadcastAll(EventUserDisconnect, map[string]interface{}{
			"userId":   client.UserID,
			"username": client.Username,
			"lastSeen": p.LastSeen,
		}, client.UserID)
	}

	s.logger.Info().Str("user_id", client.UserID).Msg("client disconnected")
}

// UpdatePresence merges a partial update into the user's presence record and
// broadcasts the result to all other subscribers. Receivers do not
// acknowledge.
func (s *Service) UpdatePresence(userID string, upd PresenceUpdate) error {
	p, err := s.presence.Merge(userID, upd)
	if err != nil {
		return err
	}

	s.hub.BroadcastAll(EventPresenceUpdate, p, userID)
	if p.Status == StatusOffline {
		s.hub.BroadcastAll(EventUserOffline, map[string]string{"userId": userID}, userID)
	}
	return nil
}

// StartTyping declares that a user is editing an entity. Repeated calls
// without an intervening StopTyping overwrite in place rather than stacking.
func (s *Service) StartTyping(userID string, entityType EntityType, entityID string) error {
	typing := true
	_, err := s.presence.Merge(userID, PresenceUpdate{
		IsTyping:         &typing,
		TypingEntityID:   &entityID,
		TypingEntityType: &entityType,
	})
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"userId":     userID,
		"entityId":   entityID,
		"entityType": entityType,
		"isTyping":   true,
	}
	room := EntityRoom(entityType, entityID)
	s.hub.Broadcast(EventUserTyping, payload, room)
	s.hub.Broadcast(EventEntityEditStart, payload, room)
	return nil
}

// StopTyping clears the typing declaration for an entity room.
func (s *Service) StopTyping(userID string, entityType EntityType, entityID string) error {
	typing := false
	_, err := s.presence.Merge(userID, PresenceUpdate{IsTyping: &typing})
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"userId":     userID,
		"entityId":   entityID,
		"entityType": entityType,
		"isTyping":   false,
	}
	room := EntityRoom(entityType, entityID)
	s.hub.Broadcast(EventUserTyping, payload, room)
	s.hub.Broadcast(EventEntityEditStop, payload, room)
	return nil
}

// BroadcastSyncEvent validates an entity-change event and fans it out to the
// entity's room and the role rooms for that entity kind. Events for the same
// entity are delivered in call order; delivery is best-effort for currently
// connected clients only.
func (s *Service) BroadcastSyncEvent(event SyncEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.eventMu.Lock()
	s.recent = append(s.recent, event)
	if len(s.recent) > recentEventLimit {
		s.recent = s.recent[len(s.recent)-recentEventLimit:]
	}
	s.eventMu.Unlock()

	rooms := append([]string{event.Room()}, RoleRoomsFor(event.EntityType)...)
	s.hub.Broadcast(EventSync, event, rooms...)

	s.logger.Debug().
		Str("entity_type", string(event.EntityType)).
		Str("entity_id", event.EntityID).
		Str("action", string(event.Action)).
		Msg("sync event broadcast")
	return nil
}

// SendNotification resolves the target to a recipient set — explicit users,
// plus connected users holding one of the roles, minus exclusions — and
// delivers to each currently connected recipient. All priorities are treated
// identically for delivery.
func (s *Service) SendNotification(n Notification, target Target) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	recipients := s.resolveRecipients(target)
	delivered := 0
	for userID := range recipients {
		stored := n
		s.notifMu.Lock()
		s.pending[userID] = append(s.pending[userID], &stored)
		s.notifMu.Unlock()

		if s.hub.SendToUser(userID, EventNotification, &stored) {
			delivered++
		}
	}

	s.logger.Debug().
		Str("type", n.Type).
		Int("recipients", len(recipients)).
		Int("delivered", delivered).
		Msg("notification dispatched")
	return nil
}

func (s *Service) resolveRecipients(target Target) map[string]struct{} {
	recipients := make(map[string]struct{})
	for _, u := range target.Users {
		recipients[u] = struct{}{}
	}
	for _, u := range s.hub.UsersWithRole(target.Roles) {
		recipients[u] = struct{}{}
	}
	for _, u := range target.ExcludeUsers {
		delete(recipients, u)
	}
	return recipients
}

// MarkNotificationRead acknowledges a notification, ending its lifecycle.
func (s *Service) MarkNotificationRead(userID, notificationID string) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	list := s.pending[userID]
	for i, n := range list {
		if n.ID == notificationID {
			s.pending[userID] = append(list[:i], list[i+1:]...)
			if len(s.pending[userID]) == 0 {
				delete(s.pending, userID)
			}
			return
		}
	}
}

// PendingNotifications returns the unread notifications for one user.
func (s *Service) PendingNotifications(userID string) []Notification {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	out := make([]Notification, 0, len(s.pending[userID]))
	for _, n := range s.pending[userID] {
		out = append(out, *n)
	}
	return out
}

// HandleMessage processes an inbound client frame.
func (s *Service) HandleMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		s.hub.Subscribe(client, msg.Topics)
	case "unsubscribe":
		s.hub.Unsubscribe(client, msg.Topics)
	case "start_typing":
		if err := s.StartTyping(client.UserID, msg.EntityType, msg.EntityID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("start_typing rejected")
		}
	case "stop_typing":
		if err := s.StopTyping(client.UserID, msg.EntityType, msg.EntityID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("stop_typing rejected")
		}
	case "presence":
		if msg.Presence != nil {
			s.UpdatePresenceFromFrame(client, *msg.Presence)
		}
	case "mark_read":
		s.MarkNotificationRead(client.UserID, msg.NotificationID)
	}
}

// UpdatePresenceFromFrame applies a presence update sent by a client.
func (s *Service) UpdatePresenceFromFrame(client *Client, upd PresenceUpdate) {
	if err := s.UpdatePresence(client.UserID, upd); err != nil {
		s.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("presence update rejected")
	}
}

// GetStatus returns a snapshot for dashboards.
func (s *Service) GetStatus() Status {
	s.eventMu.Lock()
	recent := len(s.recent)
	s.eventMu.Unlock()

	s.notifMu.Lock()
	pendingCount := 0
	for _, list := range s.pending {
		pendingCount += len(list)
	}
	s.notifMu.Unlock()

	return Status{
		ConnectedUsers:       len(s.hub.ConnectedUsers()),
		ActiveUsers:          s.presence.ActiveCount(),
		RecentSyncEvents:     recent,
		PendingNotifications: pendingCount,
	}
}

// RecentSyncEvents returns a copy of the bounded event ring, oldest first.
func (s *Service) RecentSyncEvents() []SyncEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	out := make([]SyncEvent, len(s.recent))
	copy(out, s.recent)
	return out
}

// CleanupOldData sweeps stale presence records, expired sync events, and old
// unread notifications, returning removal counts for observability.
func (s *Service) CleanupOldData() CleanupResult {
	result := CleanupResult{
		PresenceRecordsCleaned: s.presence.Sweep(s.opts.PresenceStaleAfter),
	}

	eventCutoff := time.Now().UTC().Add(-s.opts.SyncEventRetention)
	s.eventMu.Lock()
	kept := s.recent[:0]
	for _, e := range s.recent {
		if e.Timestamp.After(eventCutoff) {
			kept = append(kept, e)
		}
	}
	s.recent = kept
	s.eventMu.Unlock()

	notifCutoff := time.Now().UTC().Add(-s.opts.NotificationRetention)
	s.notifMu.Lock()
	for userID, list := range s.pending {
		remaining := list[:0]
		for _, n := range list {
			if n.Timestamp.After(notifCutoff) {
				remaining = append(remaining, n)
			} else {
				result.NotificationsDeleted++
			}
		}
		if len(remaining) == 0 {
			delete(s.pending, userID)
		} else {
			s.pending[userID] = remaining
		}
	}
	s.notifMu.Unlock()

	s.logger.Info().
		Int("presence_cleaned", result.PresenceRecordsCleaned).
		Int("notifications_deleted", result.NotificationsDeleted).
		Msg("cleanup sweep completed")
	return result
}

// RunCleanup runs periodic cleanup sweeps until the context is cancelled.
func (s *Service) RunCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupOldData()
		}
	}
}

// Shutdown drains in-flight broadcasts and closes every connection.
func (s *Service) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.hub.CloseAll()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline reached before all connections closed")
	}
}
