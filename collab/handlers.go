package collab

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/umlcdp/collab/internal/slogging"
)

// Handlers exposes the REST surface next to the WebSocket rooms:
// collaboration state queries, owner moderation, notifications, comments
// and the change log.
type Handlers struct {
	presence    *PresenceStore
	locks       *LockManager
	broadcaster Broadcaster
	repo        DiagramRepository
	perms       PermissionChecker
	notifier    *Notifier
	comments    *CommentStore
	changes     *ChangeLog
}

// HandlerOptions configures the REST handlers
type HandlerOptions struct {
	Presence    *PresenceStore
	Locks       *LockManager
	Broadcaster Broadcaster
	Repo        DiagramRepository
	Perms       PermissionChecker
	Notifier    *Notifier
	Comments    *CommentStore
	Changes     *ChangeLog
}

// NewHandlers creates the REST handlers
func NewHandlers(opts HandlerOptions) *Handlers {
	return &Handlers{
		presence:    opts.Presence,
		locks:       opts.Locks,
		broadcaster: opts.Broadcaster,
		repo:        opts.Repo,
		perms:       opts.Perms,
		notifier:    opts.Notifier,
		comments:    opts.Comments,
		changes:     opts.Changes,
	}
}

// RegisterRoutes attaches all REST routes to the given group. The group is
// expected to already carry the auth middleware.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/diagrams/:id/active-users", h.GetActiveUsers)
	r.GET("/diagrams/:id/locks", h.GetLocks)
	r.POST("/diagrams/:id/force-unlock", h.ForceUnlock)
	r.POST("/diagrams/:id/cleanup", h.Cleanup)
	r.GET("/diagrams/:id/changes", h.ListChanges)
	r.GET("/diagrams/:id/comments", h.ListComments)
	r.POST("/diagrams/:id/comments", h.CreateComment)
	r.POST("/comments/:id/resolve", h.ResolveComment)

	r.GET("/session-info", h.GetSessionInfo)

	r.GET("/notifications", h.ListNotifications)
	r.GET("/notifications/unread-count", h.GetUnreadCount)
	r.POST("/notifications/mark-read", h.MarkNotificationsRead)
}

// diagramAccess loads the diagram and verifies the caller holds the given
// permission level on its project. Writes the error response itself and
// returns ok=false on any failure.
func (h *Handlers) diagramAccess(c *gin.Context, level PermissionLevel) (*Diagram, UserInfo, bool) {
	user, ok := gatewayUser(c)
	if !ok {
		return nil, UserInfo{}, false
	}

	diagram, err := h.repo.GetDiagram(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "diagram not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load diagram"})
		}
		return nil, UserInfo{}, false
	}

	allowed, err := h.perms.HasPermission(c.Request.Context(), user.ID, diagram.ProjectID, level)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return nil, UserInfo{}, false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not have permission to access this diagram"})
		return nil, UserInfo{}, false
	}
	return diagram, user, true
}

// ownerAccess is diagramAccess plus the owner check used by moderation
// endpoints.
func (h *Handlers) ownerAccess(c *gin.Context) (*Diagram, UserInfo, bool) {
	diagram, user, ok := h.diagramAccess(c, PermissionView)
	if !ok {
		return nil, UserInfo{}, false
	}

	isOwner, err := h.perms.IsOwner(c.Request.Context(), user.ID, diagram.ProjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return nil, UserInfo{}, false
	}
	if !isOwner {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the project owner can perform this action"})
		return nil, UserInfo{}, false
	}
	return diagram, user, true
}

// GetActiveUsers returns the users currently active in a diagram.
// GET /diagrams/:id/active-users
func (h *Handlers) GetActiveUsers(c *gin.Context) {
	diagram, _, ok := h.diagramAccess(c, PermissionView)
	if !ok {
		return
	}

	users := h.presence.ListActive(diagram.ID)
	c.JSON(http.StatusOK, gin.H{
		"diagram_id":   diagram.ID,
		"active_users": users,
		"count":        len(users),
	})
}

// GetLocks returns the element locks currently held in a diagram.
// GET /diagrams/:id/locks
func (h *Handlers) GetLocks(c *gin.Context) {
	diagram, _, ok := h.diagramAccess(c, PermissionView)
	if !ok {
		return
	}

	locks := h.locks.ListLocks(diagram.ID)
	c.JSON(http.StatusOK, gin.H{
		"diagram_id": diagram.ID,
		"locks":      locks,
		"count":      len(locks),
	})
}

// ForceUnlockRequest is the body for the force-unlock endpoint
type ForceUnlockRequest struct {
	ElementID string `json:"element_id" binding:"required"`
}

// ForceUnlock releases another user's lock. Project owner only; the unlock
// is broadcast to the room attributed to the previous holder.
// POST /diagrams/:id/force-unlock
func (h *Handlers) ForceUnlock(c *gin.Context) {
	diagram, user, ok := h.ownerAccess(c)
	if !ok {
		return
	}

	var req ForceUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "element_id is required"})
		return
	}

	lock, released := h.locks.ForceRelease(diagram.ID, req.ElementID, true)
	if !released {
		c.JSON(http.StatusNotFound, gin.H{"error": "Element was not locked"})
		return
	}

	event := NewElementUnlockEvent(lock.ElementID, lock.Owner.Email)
	h.broadcaster.Publish(DiagramRoom(diagram.ID), event.Marshal(), "")

	slogging.Get().Info("owner %s force-unlocked element %s in diagram %s (was held by %s)",
		user.Email, req.ElementID, diagram.ID, lock.Owner.Email)
	c.JSON(http.StatusOK, gin.H{
		"element_id":    lock.ElementID,
		"previous_user": lock.Owner,
	})
}

// Cleanup runs an on-demand sweep of one diagram's expired locks and stale
// presence entries. Project owner only.
// POST /diagrams/:id/cleanup
func (h *Handlers) Cleanup(c *gin.Context) {
	diagram, _, ok := h.ownerAccess(c)
	if !ok {
		return
	}

	released := h.locks.SweepExpired(diagram.ID)
	for _, lock := range released {
		event := NewElementUnlockEvent(lock.ElementID, lock.Owner.Email)
		h.broadcaster.Publish(DiagramRoom(diagram.ID), event.Marshal(), "")
	}

	pruned := h.presence.PruneStale(diagram.ID)
	if len(pruned) > 0 {
		users := h.presence.ListActive(diagram.ID)
		event := NewActiveUsersEvent(users)
		h.broadcaster.Publish(DiagramRoom(diagram.ID), event.Marshal(), "")
	}

	c.JSON(http.StatusOK, gin.H{
		"released_locks":  len(released),
		"presence_pruned": len(pruned) > 0,
	})
}

// ListChanges returns the diagram change log after a sequence number.
// GET /diagrams/:id/changes?after=0&limit=50
func (h *Handlers) ListChanges(c *gin.Context) {
	diagram, _, ok := h.diagramAccess(c, PermissionView)
	if !ok {
		return
	}
	if h.changes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "change log is not available"})
		return
	}

	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	changes, err := h.changes.List(c.Request.Context(), diagram.ID, after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list changes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"diagram_id": diagram.ID,
		"changes":    changes,
		"count":      len(changes),
	})
}

// CreateCommentRequest is the body for the comment creation endpoint
type CreateCommentRequest struct {
	Content   string   `json:"content" binding:"required"`
	ElementID *string  `json:"element_id,omitempty"`
	PositionX *float64 `json:"position_x,omitempty"`
	PositionY *float64 `json:"position_y,omitempty"`
}

// CreateComment adds a comment to a diagram and notifies the project's
// other collaborators.
// POST /diagrams/:id/comments
func (h *Handlers) CreateComment(c *gin.Context) {
	diagram, user, ok := h.diagramAccess(c, PermissionView)
	if !ok {
		return
	}
	if h.comments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "comments are not available"})
		return
	}

	var req CreateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	comment, err := h.comments.Create(c.Request.Context(), CommentInput{
		DiagramID: diagram.ID,
		ElementID: req.ElementID,
		Author:    user,
		Content:   req.Content,
		PositionX: req.PositionX,
		PositionY: req.PositionY,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.notifier != nil {
		collaborators, err := h.perms.CollaboratorIDs(c.Request.Context(), diagram.ProjectID)
		if err != nil {
			slogging.Get().Error("failed to resolve collaborators for comment fan-out: %v", err)
		} else {
			h.notifier.NotifyCommentAdded(c.Request.Context(), comment, user, diagram, collaborators)
		}
	}

	c.JSON(http.StatusCreated, comment)
}

// ResolveComment marks a comment resolved. Idempotent.
// POST /comments/:id/resolve
func (h *Handlers) ResolveComment(c *gin.Context) {
	user, ok := gatewayUser(c)
	if !ok {
		return
	}
	if h.comments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "comments are not available"})
		return
	}

	comment, err := h.comments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load comment"})
		}
		return
	}

	diagram, err := h.repo.GetDiagram(c.Request.Context(), comment.DiagramID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load diagram"})
		return
	}
	allowed, err := h.perms.HasPermission(c.Request.Context(), user.ID, diagram.ProjectID, PermissionView)
	if err != nil || !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not have permission to access this diagram"})
		return
	}

	resolved, err := h.comments.Resolve(c.Request.Context(), comment.ID, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve comment"})
		return
	}
	c.JSON(http.StatusOK, resolved)
}

// ListComments returns a diagram's comments, oldest first.
// GET /diagrams/:id/comments?unresolved=true
func (h *Handlers) ListComments(c *gin.Context) {
	diagram, _, ok := h.diagramAccess(c, PermissionView)
	if !ok {
		return
	}
	if h.comments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "comments are not available"})
		return
	}

	unresolvedOnly := c.Query("unresolved") == "true"
	comments, err := h.comments.ListForDiagram(c.Request.Context(), diagram.ID, unresolvedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list comments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"diagram_id": diagram.ID,
		"comments":   comments,
		"count":      len(comments),
	})
}

// GetSessionInfo returns the caller's own collaboration state: the
// diagrams they are present in and the locks they hold.
// GET /session-info
func (h *Handlers) GetSessionInfo(c *gin.Context) {
	user, ok := gatewayUser(c)
	if !ok {
		return
	}

	presence := h.presence.ListForUser(user.ID)
	diagramIDs := make([]string, 0, len(presence))
	for _, entry := range presence {
		diagramIDs = append(diagramIDs, entry.DiagramID)
	}

	c.JSON(http.StatusOK, gin.H{
		"user":            user,
		"active_diagrams": diagramIDs,
		"held_locks":      h.locks.ListForUser(user.ID),
	})
}

// ListNotifications returns the caller's notifications, most recent first.
// GET /notifications?limit=50&type=mention&is_read=false
func (h *Handlers) ListNotifications(c *gin.Context) {
	user, ok := gatewayUser(c)
	if !ok {
		return
	}
	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications are not available"})
		return
	}

	opts := NotificationListOptions{Type: c.Query("type")}
	if limit := c.Query("limit"); limit != "" {
		opts.Limit, _ = strconv.Atoi(limit)
	}
	if isRead := c.Query("is_read"); isRead != "" {
		val := isRead == "true"
		opts.IsRead = &val
	}

	notifications, err := h.notifier.List(c.Request.Context(), user.ID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// GetUnreadCount returns the caller's unread notification count.
// GET /notifications/unread-count
func (h *Handlers) GetUnreadCount(c *gin.Context) {
	user, ok := gatewayUser(c)
	if !ok {
		return
	}
	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications are not available"})
		return
	}

	count, err := h.notifier.UnreadCount(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

// MarkReadRequest is the body for the mark-read endpoint. An empty ID list
// marks everything read.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkNotificationsRead marks the caller's notifications as read.
// POST /notifications/mark-read
func (h *Handlers) MarkNotificationsRead(c *gin.Context) {
	user, ok := gatewayUser(c)
	if !ok {
		return
	}
	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications are not available"})
		return
	}

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	updated, err := h.notifier.MarkRead(c.Request.Context(), user.ID, req.IDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark notifications as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": updated})
}
