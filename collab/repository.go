package collab

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// DiagramRepository resolves diagrams from the external data layer
type DiagramRepository interface {
	GetDiagram(ctx context.Context, id string) (*Diagram, error)
}

// PermissionChecker is the permission oracle consulted by the gateway and
// the REST handlers.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, projectID string, level PermissionLevel) (bool, error)
	IsOwner(ctx context.Context, userID, projectID string) (bool, error)
	CollaboratorIDs(ctx context.Context, projectID string) ([]string, error)
}

// GormRepository implements the external data-layer interfaces over the
// projects/diagrams tables.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository over the given database handle
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// GetDiagram fetches a diagram by ID; ErrNotFound if absent
func (r *GormRepository) GetDiagram(ctx context.Context, id string) (*Diagram, error) {
	var diagram Diagram
	err := r.db.WithContext(ctx).First(&diagram, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load diagram %s: %w", id, err)
	}
	return &diagram, nil
}

// GetProject fetches a project by ID; ErrNotFound if absent
func (r *GormRepository) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	return &project, nil
}

// HasPermission checks a user's access level on a project. The owner holds
// every level; public projects grant view to anyone; otherwise the
// collaborator role decides.
func (r *GormRepository) HasPermission(ctx context.Context, userID, projectID string, level PermissionLevel) (bool, error) {
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if project.OwnerID == userID {
		return true, nil
	}
	if project.Visibility == VisibilityPublic && level == PermissionView {
		return true, nil
	}

	var collaborator ProjectCollaborator
	err = r.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ? AND is_active = ?", projectID, userID, true).
		First(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load collaborator: %w", err)
	}

	return roleGrants(collaborator.Role, level), nil
}

func roleGrants(role string, level PermissionLevel) bool {
	switch level {
	case PermissionView:
		return role == RoleViewer || role == RoleEditor || role == RoleAdmin
	case PermissionEdit:
		return role == RoleEditor || role == RoleAdmin
	case PermissionAdmin:
		return role == RoleAdmin
	default:
		return false
	}
}

// IsOwner reports whether the user owns the project. Force-unlock and
// cleanup stay owner-only; the admin collaborator role deliberately does
// not qualify.
func (r *GormRepository) IsOwner(ctx context.Context, userID, projectID string) (bool, error) {
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return project.OwnerID == userID, nil
}

// CollaboratorIDs returns the user IDs of all active collaborators plus the
// owner, for notification fan-out.
func (r *GormRepository) CollaboratorIDs(ctx context.Context, projectID string) ([]string, error) {
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var collaborators []ProjectCollaborator
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND is_active = ?", projectID, true).
		Find(&collaborators).Error; err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}

	ids := []string{project.OwnerID}
	for _, c := range collaborators {
		if c.UserID != project.OwnerID {
			ids = append(ids, c.UserID)
		}
	}
	return ids, nil
}
