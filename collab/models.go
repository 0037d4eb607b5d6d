// Package collab implements the real-time collaboration engine: presence
// tracking, per-element locking, room broadcast fan-out, the connection
// gateway and the notification pipeline.
package collab

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PermissionLevel is the access level checked against a project
type PermissionLevel string

const (
	PermissionView  PermissionLevel = "view"
	PermissionEdit  PermissionLevel = "edit"
	PermissionAdmin PermissionLevel = "admin"
)

// Collaborator roles
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// Project visibility values
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
	VisibilityTeam    = "team"
)

// Lock kinds
const (
	LockKindEdit   = "edit"
	LockKindMove   = "move"
	LockKindDelete = "delete"
)

// Notification types
const (
	NotificationProjectInvite        = "project_invite"
	NotificationProjectUpdate        = "project_update"
	NotificationDiagramShared        = "diagram_shared"
	NotificationCommentAdded         = "comment_added"
	NotificationMention              = "mention"
	NotificationCollaborationRequest = "collaboration_request"
	NotificationElementConflict      = "element_conflict"
	NotificationRoleChanged          = "project_role_changed"
)

// Change types recorded in the diagram change log
const (
	ChangeElementCreated      = "element_created"
	ChangeElementUpdated      = "element_updated"
	ChangeElementDeleted      = "element_deleted"
	ChangeElementMoved        = "element_moved"
	ChangeAttributeCreated    = "attribute_created"
	ChangeAttributeUpdated    = "attribute_updated"
	ChangeAttributeDeleted    = "attribute_deleted"
	ChangeMethodCreated       = "method_created"
	ChangeMethodUpdated       = "method_updated"
	ChangeMethodDeleted       = "method_deleted"
	ChangeRelationshipCreated = "relationship_created"
	ChangeRelationshipUpdated = "relationship_updated"
	ChangeRelationshipDeleted = "relationship_deleted"
	ChangeCanvasUpdated       = "canvas_updated"
)

// UserInfo is the identity attached to presence entries, locks and events
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// JSONMap is a JSON object stored in a single database column
type JSONMap map[string]any

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONMap: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// StringSlice is a JSON string array stored in a single database column
type StringSlice []string

// Value implements driver.Valuer
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal StringSlice: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported StringSlice source type %T", value)
	}
	if len(data) == 0 {
		*s = StringSlice{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// Project is a diagram project owned by one user with optional collaborators
type Project struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"size:200;not null"`
	Description string
	OwnerID     string `gorm:"type:uuid;index;not null"`
	Visibility  string `gorm:"size:10;default:private"`
	IsArchived  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectCollaborator links a user to a project with a role
type ProjectCollaborator struct {
	ID         uint   `gorm:"primaryKey"`
	ProjectID  string `gorm:"type:uuid;uniqueIndex:idx_project_user;not null"`
	UserID     string `gorm:"type:uuid;uniqueIndex:idx_project_user;not null"`
	Role       string `gorm:"size:10;default:viewer"`
	InvitedBy  *string
	InvitedAt  time.Time
	AcceptedAt *time.Time
	IsActive   bool `gorm:"default:true"`
}

// Diagram is the persisted diagram consumed by the collaboration core
type Diagram struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	ProjectID   string `gorm:"type:uuid;index;not null"`
	Name        string `gorm:"size:200;not null"`
	DiagramType string `gorm:"size:30"`
	Version     int    `gorm:"default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Notification is a durable user notification. Only is_read/read_at mutate
// after creation.
type Notification struct {
	ID          string  `gorm:"type:uuid;primaryKey" json:"id"`
	RecipientID string  `gorm:"type:uuid;index:idx_recipient_read;not null" json:"recipient_id"`
	SenderID    *string `gorm:"type:uuid" json:"sender_id,omitempty"`
	SenderEmail string  `gorm:"size:255" json:"sender_email,omitempty"`
	SenderName  string  `gorm:"size:255" json:"sender_name,omitempty"`
	Type        string  `gorm:"size:30;index;not null" json:"type"`
	Title       string  `gorm:"size:255;not null" json:"title"`
	Message     string  `json:"message"`
	Data        JSONMap `gorm:"type:text" json:"data,omitempty"`
	ProjectID   *string `gorm:"type:uuid" json:"project_id,omitempty"`
	DiagramID   *string `gorm:"type:uuid" json:"diagram_id,omitempty"`
	IsRead      bool    `gorm:"index:idx_recipient_read" json:"is_read"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// DiagramChange is an append-only change log entry, strictly ordered per
// diagram by SequenceNumber.
type DiagramChange struct {
	ID             string  `gorm:"type:uuid;primaryKey" json:"id"`
	DiagramID      string  `gorm:"type:uuid;uniqueIndex:idx_diagram_seq;not null" json:"diagram_id"`
	SessionID      *string `gorm:"type:uuid" json:"session_id,omitempty"`
	UserID         string  `gorm:"type:uuid;index;not null" json:"user_id"`
	UserEmail      string  `gorm:"size:255" json:"user_email"`
	ChangeType     string  `gorm:"size:30;not null" json:"change_type"`
	ObjectID       *string `gorm:"size:255" json:"object_id,omitempty"`
	ObjectType     *string `gorm:"size:50" json:"object_type,omitempty"`
	ChangeData     JSONMap `gorm:"type:text" json:"change_data"`
	SequenceNumber int64   `gorm:"uniqueIndex:idx_diagram_seq;not null" json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// CollaborationSession groups participants editing one diagram
type CollaborationSession struct {
	ID        string `gorm:"type:uuid;primaryKey" json:"id"`
	DiagramID string `gorm:"type:uuid;index;not null" json:"diagram_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
}

// Expired reports whether the session has passed its expiry
func (s *CollaborationSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionParticipant is one user's membership in a collaboration session
type SessionParticipant struct {
	ID               uint        `gorm:"primaryKey" json:"-"`
	SessionID        string      `gorm:"type:uuid;uniqueIndex:idx_session_user;not null" json:"session_id"`
	UserID           string      `gorm:"type:uuid;uniqueIndex:idx_session_user;not null" json:"user_id"`
	UserEmail        string      `gorm:"size:255" json:"user_email"`
	UserName         string      `gorm:"size:255" json:"user_name,omitempty"`
	JoinedAt         time.Time   `json:"joined_at"`
	LastSeen         time.Time   `gorm:"index" json:"last_seen"`
	CursorX          float64     `json:"cursor_x"`
	CursorY          float64     `json:"cursor_y"`
	SelectedElements StringSlice `gorm:"type:text" json:"selected_elements"`
	UserColor        string      `gorm:"size:7;default:#007bff" json:"user_color"`
	IsActive         bool        `gorm:"default:true" json:"is_active"`
}

// Online reports whether the participant counts as online: active and seen
// within the window.
func (p *SessionParticipant) Online(now time.Time, window time.Duration) bool {
	return p.IsActive && now.Sub(p.LastSeen) < window
}

// Comment is an element- or canvas-anchored discussion entry
type Comment struct {
	ID          string   `gorm:"type:uuid;primaryKey" json:"id"`
	DiagramID   string   `gorm:"type:uuid;index;not null" json:"diagram_id"`
	ElementID   *string  `gorm:"size:255" json:"element_id,omitempty"`
	AuthorID    string   `gorm:"type:uuid;index;not null" json:"author_id"`
	AuthorEmail string   `gorm:"size:255" json:"author_email"`
	Content     string   `gorm:"not null" json:"content"`
	PositionX   *float64 `json:"position_x,omitempty"`
	PositionY   *float64 `json:"position_y,omitempty"`
	IsResolved  bool     `json:"is_resolved"`
	ResolvedBy  *string  `gorm:"type:uuid" json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Models returns every persisted model for schema migration
func Models() []interface{} {
	return []interface{}{
		&Project{},
		&ProjectCollaborator{},
		&Diagram{},
		&Notification{},
		&DiagramChange{},
		&CollaborationSession{},
		&SessionParticipant{},
		&Comment{},
	}
}
