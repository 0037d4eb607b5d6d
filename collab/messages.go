package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates wire messages in both directions
type MessageType string

const (
	// Diagram room intents and events
	MessageElementUpdate MessageType = "element_update"
	MessageElementCreate MessageType = "element_create"
	MessageElementDelete MessageType = "element_delete"
	MessageCursorMove    MessageType = "cursor_move"
	MessageElementLock   MessageType = "element_lock"
	MessageElementUnlock MessageType = "element_unlock"

	// Project room intents and events
	MessageProjectUpdate  MessageType = "project_update"
	MessageDiagramCreated MessageType = "diagram_created"
	MessageDiagramDeleted MessageType = "diagram_deleted"

	// Notification room intents
	MessageMarkRead MessageType = "mark_read"

	// Server-originated events
	MessageActiveUsers  MessageType = "active_users"
	MessageError        MessageType = "error"
	MessageNotification MessageType = "notification"
)

// Intent is a client-to-server message. The Type field is the closed
// discriminant; the dispatcher matches it exhaustively.
type Intent struct {
	Type MessageType `json:"type"`

	Element   json.RawMessage `json:"element,omitempty"`
	ElementID string          `json:"element_id,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`

	Project   json.RawMessage `json:"project,omitempty"`
	Diagram   json.RawMessage `json:"diagram,omitempty"`
	DiagramID string          `json:"diagram_id,omitempty"`

	NotificationID string `json:"notification_id,omitempty"`
}

// ParseIntent decodes a client message. A malformed payload is a
// validation failure for the sender only, never a connection fault.
func ParseIntent(data []byte) (*Intent, error) {
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if intent.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &intent, nil
}

// Event is a server-to-client room message. Every broadcast event except
// cursor_move and error carries the acting user and an RFC 3339 timestamp.
type Event struct {
	Type MessageType `json:"type"`

	Element   json.RawMessage `json:"element,omitempty"`
	ElementID string          `json:"element_id,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`

	Project   json.RawMessage `json:"project,omitempty"`
	Diagram   json.RawMessage `json:"diagram,omitempty"`
	DiagramID string          `json:"diagram_id,omitempty"`

	Users        []UserSnapshot `json:"users,omitempty"`
	Message      string         `json:"message,omitempty"`
	Notification any            `json:"notification,omitempty"`

	User      string `json:"user,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Marshal serializes the event, panicking only on programmer error (all
// event fields are JSON-encodable by construction).
func (e Event) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("unencodable event %q: %v", e.Type, err))
	}
	return data
}

func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewElementUpdateEvent builds the broadcast for an element update
func NewElementUpdateEvent(element json.RawMessage, userEmail string) Event {
	return Event{Type: MessageElementUpdate, Element: element, User: userEmail, Timestamp: eventTimestamp()}
}

// NewElementCreateEvent builds the broadcast for an element creation
func NewElementCreateEvent(element json.RawMessage, userEmail string) Event {
	return Event{Type: MessageElementCreate, Element: element, User: userEmail, Timestamp: eventTimestamp()}
}

// NewElementDeleteEvent builds the broadcast for an element deletion
func NewElementDeleteEvent(elementID, userEmail string) Event {
	return Event{Type: MessageElementDelete, ElementID: elementID, User: userEmail, Timestamp: eventTimestamp()}
}

// NewCursorMoveEvent builds the cursor broadcast; no timestamp, excluded
// from the sender by the caller.
func NewCursorMoveEvent(cursor json.RawMessage, userEmail string) Event {
	return Event{Type: MessageCursorMove, Cursor: cursor, User: userEmail}
}

// NewElementLockEvent builds the broadcast for a lock acquisition
func NewElementLockEvent(elementID, userEmail string) Event {
	return Event{Type: MessageElementLock, ElementID: elementID, User: userEmail, Timestamp: eventTimestamp()}
}

// NewElementUnlockEvent builds the broadcast for a lock release, attributed
// to the owner that held it.
func NewElementUnlockEvent(elementID, userEmail string) Event {
	return Event{Type: MessageElementUnlock, ElementID: elementID, User: userEmail, Timestamp: eventTimestamp()}
}

// NewActiveUsersEvent builds the active-user list broadcast
func NewActiveUsersEvent(users []UserSnapshot) Event {
	return Event{Type: MessageActiveUsers, Users: users}
}

// NewErrorEvent builds an error reply delivered to the sender only
func NewErrorEvent(message string) Event {
	return Event{Type: MessageError, Message: message}
}

// NewProjectUpdateEvent builds the broadcast for a project update
func NewProjectUpdateEvent(project json.RawMessage, userEmail string) Event {
	return Event{Type: MessageProjectUpdate, Project: project, User: userEmail, Timestamp: eventTimestamp()}
}

// NewDiagramCreatedEvent builds the broadcast for a diagram creation
func NewDiagramCreatedEvent(diagram json.RawMessage, userEmail string) Event {
	return Event{Type: MessageDiagramCreated, Diagram: diagram, User: userEmail, Timestamp: eventTimestamp()}
}

// NewDiagramDeletedEvent builds the broadcast for a diagram deletion
func NewDiagramDeletedEvent(diagramID, userEmail string) Event {
	return Event{Type: MessageDiagramDeleted, DiagramID: diagramID, User: userEmail, Timestamp: eventTimestamp()}
}

// NewNotificationEvent wraps a serialized notification for the recipient's
// notification room.
func NewNotificationEvent(payload any) Event {
	return Event{Type: MessageNotification, Notification: payload, Timestamp: eventTimestamp()}
}
