package collab

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	testOwner = UserInfo{ID: uuid.New().String(), Email: "owner@example.com", Name: "Olivia Owner"}
	testAlice = UserInfo{ID: uuid.New().String(), Email: "alice@example.com", Name: "Alice"}
	testBob   = UserInfo{ID: uuid.New().String(), Email: "bob@example.com", Name: "Bob"}
)

// newTestDB opens a fresh in-memory database with the full schema. Each
// call gets its own named database so parallel tests never share state.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

// seedProject inserts a project owned by testOwner
func seedProject(t *testing.T, db *gorm.DB, visibility string) *Project {
	t.Helper()

	project := &Project{
		ID:         uuid.New().String(),
		Name:       "Order Service Design",
		OwnerID:    testOwner.ID,
		Visibility: visibility,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(project).Error)
	return project
}

// seedDiagram inserts a diagram into the given project
func seedDiagram(t *testing.T, db *gorm.DB, projectID string) *Diagram {
	t.Helper()

	diagram := &Diagram{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        "Class Diagram",
		DiagramType: "class",
		Version:     1,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(diagram).Error)
	return diagram
}

// seedCollaborator links a user to a project with a role
func seedCollaborator(t *testing.T, db *gorm.DB, projectID string, user UserInfo, role string) {
	t.Helper()

	require.NoError(t, db.Create(&ProjectCollaborator{
		ProjectID: projectID,
		UserID:    user.ID,
		Role:      role,
		InvitedAt: time.Now().UTC(),
		IsActive:  true,
	}).Error)
}

// drain reads every currently buffered payload from a subscription
func drain(sub *Subscription) [][]byte {
	var out [][]byte
	for {
		select {
		case payload, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, payload)
		default:
			return out
		}
	}
}
