// Package realtime provides the clinic's live synchronization layer: a
// hub-and-spoke WebSocket bus that fans entity-change events, presence
// updates, and targeted notifications out to connected staff clients.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Names of events pushed to connected clients.
const (
	EventConnected       = "connected"
	EventSync            = "sync_event"
	EventNotification    = "notification"
	EventPresenceUpdate  = "presence_update"
	EventUserOffline     = "user_offline"
	EventUserDisconnect  = "user_disconnected"
	EventUserTyping      = "user_typing"
	EventEntityEditStart = "entity_edit_start"
	EventEntityEditStop  = "entity_edit_stop"
)

// Errors returned by the realtime layer.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("invalid payload")
	ErrNotConnected   = errors.New("user is not connected")
)

// Action is the kind of domain write that produced a sync event.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// EntityType tags a sync event with the domain entity it concerns. The set is
// closed: events carrying an unknown entity type are rejected at the bus
// boundary rather than forwarded as opaque blobs.
type EntityType string

const (
	EntityPatientAssignment EntityType = "patient_assignment"
	EntityPrescription      EntityType = "prescription"
	EntityLabResult         EntityType = "lab_result"
	EntityVisit             EntityType = "visit"
	EntityPayment           EntityType = "payment"
	EntityUser              EntityType = "user"
)

// SyncEvent is an immutable record of a domain write, fanned out to every
// client subscribed to the entity's room or a relevant role room.
type SyncEvent struct {
	Type       string          `json:"type"`
	EntityID   string          `json:"entityId"`
	EntityType EntityType      `json:"entityType"`
	Action     Action          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	UserID     string          `json:"userId"`
	Username   string          `json:"username"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate rejects malformed events before broadcast. The entity-type switch
// is exhaustive over the known variants.
func (e *SyncEvent) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("%w: entityId is required", ErrValidation)
	}
	switch e.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrValidation, e.Action)
	}
	switch e.EntityType {
	case EntityPatientAssignment, EntityPrescription, EntityLabResult,
		EntityVisit, EntityPayment, EntityUser:
		return nil
	default:
		return fmt.Errorf("%w: unknown entity type %q", ErrValidation, e.EntityType)
	}
}

// Room returns the entity-scoped topic this event is published to.
func (e *SyncEvent) Room() string {
	return EntityRoom(e.EntityType, e.EntityID)
}

// EntityRoom builds the topic name for a single entity's room.
func EntityRoom(entityType EntityType, entityID string) string {
	return fmt.Sprintf("entity:%s:%s", entityType, entityID)
}

// RoleRoom builds the topic name for a role-wide room.
func RoleRoom(role string) string {
	return "role:" + role
}

// roleRooms maps each entity kind to the staff roles that always see its
// events, regardless of which record they have open.
var roleRooms = map[EntityType][]string{
	EntityPatientAssignment: {"DOCTOR", "NURSE"},
	EntityPrescription:      {"DOCTOR", "PHARMACIST"},
	EntityLabResult:         {"DOCTOR", "LAB_TECHNICIAN"},
	EntityVisit:             {"DOCTOR", "NURSE", "RECEPTIONIST"},
	EntityPayment:           {"ADMIN", "RECEPTIONIST"},
	EntityUser:              {"ADMIN"},
}

// RoleRoomsFor returns the role-wide topics an event of the given entity kind
// is mirrored to.
func RoleRoomsFor(entityType EntityType) []string {
	roles := roleRooms[entityType]
	rooms := make([]string, len(roles))
	for i, r := range roles {
		rooms[i] = RoleRoom(r)
	}
	return rooms
}

// Priority of a notification. Delivery is identical for all priorities; the
// value is a rendering hint for clients.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is a targeted message pushed to specific users or roles,
// independent of entity-sync semantics.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  Priority        `json:"priority"`
	IsRead    bool            `json:"isRead"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate rejects notifications that cannot be rendered by any client.
func (n *Notification) Validate() error {
	if n.Type == "" {
		return fmt.Errorf("%w: notification type is required", ErrValidation)
	}
	if n.Title == "" && n.Message == "" {
		return fmt.Errorf("%w: notification needs a title or message", ErrValidation)
	}
	switch n.Priority {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return nil
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, n.Priority)
	}
}

// Target selects the recipients of a notification: an explicit user list,
// every connected user holding one of the roles, minus the exclusions.
type Target struct {
	Users        []string `json:"users,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	ExcludeUsers []string `json:"excludeUsers,omitempty"`
}

// envelope is the wire frame for every outbound message.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}
