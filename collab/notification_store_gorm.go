package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/umlcdp/collab/internal/slogging"
	"gorm.io/gorm"
)

// NotificationStore persists durable notification records
type NotificationStore interface {
	Create(ctx context.Context, notification *Notification) error
	// MarkRead flips is_read on matching unread notifications. With nil ids
	// all unread notifications for the recipient are marked. Returns the
	// number mutated.
	MarkRead(ctx context.Context, recipientID string, ids []string) (int64, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
	List(ctx context.Context, recipientID string, opts NotificationListOptions) ([]Notification, error)
}

// NotificationListOptions filters notification listings
type NotificationListOptions struct {
	Limit  int
	Type   string
	IsRead *bool
}

// GormNotificationStore implements NotificationStore using GORM
type GormNotificationStore struct {
	db *gorm.DB
}

// NewGormNotificationStore creates a new GORM-backed notification store
func NewGormNotificationStore(db *gorm.DB) *GormNotificationStore {
	return &GormNotificationStore{db: db}
}

// Create persists a new notification
func (s *GormNotificationStore) Create(ctx context.Context, notification *Notification) error {
	logger := slogging.Get()

	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	if notification.Data == nil {
		notification.Data = JSONMap{}
	}

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		logger.Error("failed to create notification for recipient %s: %v", notification.RecipientID, err)
		return fmt.Errorf("failed to create notification: %w", err)
	}
	metricNotificationsCreated.Inc()
	return nil
}

// MarkRead marks matching unread notifications as read. Idempotent: a
// second call over already-read ids mutates zero rows.
func (s *GormNotificationStore) MarkRead(ctx context.Context, recipientID string, ids []string) (int64, error) {
	now := time.Now().UTC()

	query := s.db.WithContext(ctx).Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}

	result := query.Updates(map[string]interface{}{
		"is_read": true,
		"read_at": now,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UnreadCount returns the number of unread notifications for a recipient
func (s *GormNotificationStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// List returns the recipient's notifications, most recent first
func (s *GormNotificationStore) List(ctx context.Context, recipientID string, opts NotificationListOptions) ([]Notification, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").
		Limit(limit)
	if opts.Type != "" {
		query = query.Where("type = ?", opts.Type)
	}
	if opts.IsRead != nil {
		query = query.Where("is_read = ?", *opts.IsRead)
	}

	var notifications []Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}
