package collab

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/umlcdp/collab/internal/slogging"
	"gorm.io/gorm"
)

// participantColors is the palette assigned to session participants
var participantColors = []string{
	"#007bff", "#28a745", "#dc3545", "#ffc107",
	"#17a2b8", "#6f42c1", "#fd7e14", "#20c997",
}

// SessionStore manages durable collaboration sessions and their
// participants.
type SessionStore struct {
	db           *gorm.DB
	sessionTTL   time.Duration
	onlineWindow time.Duration
}

// NewSessionStore creates a session store. Sessions expire after
// sessionTTL; a participant is online while active and seen within
// onlineWindow.
func NewSessionStore(db *gorm.DB, sessionTTL, onlineWindow time.Duration) *SessionStore {
	if sessionTTL <= 0 {
		sessionTTL = 8 * time.Hour
	}
	if onlineWindow <= 0 {
		onlineWindow = 5 * time.Minute
	}
	return &SessionStore{
		db:           db,
		sessionTTL:   sessionTTL,
		onlineWindow: onlineWindow,
	}
}

// GetOrCreate returns the active unexpired session for a diagram, creating
// one when none exists.
func (s *SessionStore) GetOrCreate(ctx context.Context, diagramID string) (*CollaborationSession, error) {
	now := time.Now().UTC()

	var session CollaborationSession
	err := s.db.WithContext(ctx).
		Where("diagram_id = ? AND is_active = ? AND expires_at > ?", diagramID, true, now).
		First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up session for diagram %s: %w", diagramID, err)
	}

	session = CollaborationSession{
		ID:        uuid.New().String(),
		DiagramID: diagramID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
		IsActive:  true,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session for diagram %s: %w", diagramID, err)
	}
	return &session, nil
}

// Join upserts a participant into a session and marks them active
func (s *SessionStore) Join(ctx context.Context, sessionID string, user UserInfo) (*SessionParticipant, error) {
	now := time.Now().UTC()

	var participant SessionParticipant
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, user.ID).
		First(&participant).Error
	switch {
	case err == nil:
		participant.IsActive = true
		participant.LastSeen = now
		participant.UserEmail = user.Email
		participant.UserName = user.Name
		if err := s.db.WithContext(ctx).Save(&participant).Error; err != nil {
			return nil, fmt.Errorf("failed to rejoin session participant: %w", err)
		}
		return &participant, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		participant = SessionParticipant{
			SessionID:        sessionID,
			UserID:           user.ID,
			UserEmail:        user.Email,
			UserName:         user.Name,
			JoinedAt:         now,
			LastSeen:         now,
			SelectedElements: StringSlice{},
			UserColor:        colorForUser(user.ID),
			IsActive:         true,
		}
		if err := s.db.WithContext(ctx).Create(&participant).Error; err != nil {
			return nil, fmt.Errorf("failed to create session participant: %w", err)
		}
		return &participant, nil
	default:
		return nil, fmt.Errorf("failed to look up session participant: %w", err)
	}
}

// Touch refreshes a participant's last_seen timestamp
func (s *SessionStore) Touch(ctx context.Context, sessionID, userID string) error {
	err := s.db.WithContext(ctx).Model(&SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Update("last_seen", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to touch session participant: %w", err)
	}
	return nil
}

// Leave marks a participant inactive; their row survives for history
func (s *SessionStore) Leave(ctx context.Context, sessionID, userID string) error {
	err := s.db.WithContext(ctx).Model(&SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Updates(map[string]interface{}{
			"is_active": false,
			"last_seen": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}
	return nil
}

// ListOnline returns the session's participants that are active and were
// seen within the online window.
func (s *SessionStore) ListOnline(ctx context.Context, sessionID string) ([]SessionParticipant, error) {
	cutoff := time.Now().UTC().Add(-s.onlineWindow)

	var participants []SessionParticipant
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND is_active = ? AND last_seen >= ?", sessionID, true, cutoff).
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list online participants: %w", err)
	}
	return participants, nil
}

// DeactivateExpired marks expired sessions inactive and returns how many
// were affected.
func (s *SessionStore) DeactivateExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&CollaborationSession{}).
		Where("is_active = ? AND expires_at <= ?", true, time.Now().UTC()).
		Update("is_active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to deactivate expired sessions: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		slogging.Get().Info("deactivated %d expired collaboration sessions", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// colorForUser deterministically picks a cursor color for a user
func colorForUser(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return participantColors[h.Sum32()%uint32(len(participantColors))]
}
