package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CommentInput carries the fields for a new comment
type CommentInput struct {
	DiagramID string
	ElementID *string
	Author    UserInfo
	Content   string
	PositionX *float64
	PositionY *float64
}

// CommentStore persists diagram comments
type CommentStore struct {
	db *gorm.DB
}

// NewCommentStore creates a comment store
func NewCommentStore(db *gorm.DB) *CommentStore {
	return &CommentStore{db: db}
}

// Create persists a new comment anchored to an element or a canvas position
func (s *CommentStore) Create(ctx context.Context, input CommentInput) (*Comment, error) {
	if input.Content == "" {
		return nil, fmt.Errorf("comment content must not be empty")
	}

	now := time.Now().UTC()
	comment := &Comment{
		ID:          uuid.New().String(),
		DiagramID:   input.DiagramID,
		ElementID:   input.ElementID,
		AuthorID:    input.Author.ID,
		AuthorEmail: input.Author.Email,
		Content:     input.Content,
		PositionX:   input.PositionX,
		PositionY:   input.PositionY,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(comment).Error; err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	return comment, nil
}

// Get fetches a comment by ID; ErrNotFound if absent
func (s *CommentStore) Get(ctx context.Context, id string) (*Comment, error) {
	var comment Comment
	err := s.db.WithContext(ctx).First(&comment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load comment %s: %w", id, err)
	}
	return &comment, nil
}

// Resolve marks a comment resolved by the given user. Resolving an
// already-resolved comment is a no-op that keeps the original resolver.
func (s *CommentStore) Resolve(ctx context.Context, id string, resolver UserInfo) (*Comment, error) {
	comment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if comment.IsResolved {
		return comment, nil
	}

	now := time.Now().UTC()
	resolverID := resolver.ID
	comment.IsResolved = true
	comment.ResolvedBy = &resolverID
	comment.ResolvedAt = &now
	comment.UpdatedAt = now

	if err := s.db.WithContext(ctx).Save(comment).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve comment %s: %w", id, err)
	}
	return comment, nil
}

// ListForDiagram returns a diagram's comments, newest first. With
// unresolvedOnly set, resolved comments are filtered out.
func (s *CommentStore) ListForDiagram(ctx context.Context, diagramID string, unresolvedOnly bool) ([]Comment, error) {
	query := s.db.WithContext(ctx).
		Where("diagram_id = ?", diagramID).
		Order("created_at DESC")
	if unresolvedOnly {
		query = query.Where("is_resolved = ?", false)
	}

	var comments []Comment
	if err := query.Find(&comments).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}
