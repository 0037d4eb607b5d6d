package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChangeInput carries the fields for a new change log entry
type ChangeInput struct {
	DiagramID  string
	SessionID  *string
	User       UserInfo
	ChangeType string
	ObjectID   *string
	ObjectType *string
	Data       JSONMap
}

// ChangeLog appends DiagramChange records with strictly monotonic
// per-diagram sequence numbers. Entries are never mutated after creation.
type ChangeLog struct {
	db *gorm.DB

	mu sync.Mutex
	// last assigned sequence number per diagram, seeded from the database
	// on first use
	seqs map[string]int64
}

// NewChangeLog creates a change log over the given database handle
func NewChangeLog(db *gorm.DB) *ChangeLog {
	return &ChangeLog{
		db:   db,
		seqs: make(map[string]int64),
	}
}

// Record appends one change. The sequence assignment and the insert happen
// under one mutex so sequence order equals append order per diagram.
func (l *ChangeLog) Record(ctx context.Context, input ChangeInput) (*DiagramChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.seqs[input.DiagramID]
	if !ok {
		var max *int64
		err := l.db.WithContext(ctx).Model(&DiagramChange{}).
			Where("diagram_id = ?", input.DiagramID).
			Select("MAX(sequence_number)").
			Scan(&max).Error
		if err != nil {
			return nil, fmt.Errorf("failed to seed change sequence for diagram %s: %w", input.DiagramID, err)
		}
		if max != nil {
			seq = *max
		}
	}
	seq++

	change := &DiagramChange{
		ID:             uuid.New().String(),
		DiagramID:      input.DiagramID,
		SessionID:      input.SessionID,
		UserID:         input.User.ID,
		UserEmail:      input.User.Email,
		ChangeType:     input.ChangeType,
		ObjectID:       input.ObjectID,
		ObjectType:     input.ObjectType,
		ChangeData:     input.Data,
		SequenceNumber: seq,
		CreatedAt:      time.Now().UTC(),
	}
	if change.ChangeData == nil {
		change.ChangeData = JSONMap{}
	}

	if err := l.db.WithContext(ctx).Create(change).Error; err != nil {
		return nil, fmt.Errorf("failed to record diagram change: %w", err)
	}
	l.seqs[input.DiagramID] = seq
	return change, nil
}

// List returns a diagram's changes with sequence numbers greater than
// afterSeq, ordered by sequence number. Used to replay concurrent edits.
func (l *ChangeLog) List(ctx context.Context, diagramID string, afterSeq int64, limit int) ([]DiagramChange, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var changes []DiagramChange
	err := l.db.WithContext(ctx).
		Where("diagram_id = ? AND sequence_number > ?", diagramID, afterSeq).
		Order("sequence_number ASC").
		Limit(limit).
		Find(&changes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list diagram changes: %w", err)
	}
	return changes, nil
}
