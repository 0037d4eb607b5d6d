package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/umlcdp/collab/auth"
	"github.com/umlcdp/collab/internal/slogging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period; must be less than pongWait
	pingPeriod = 30 * time.Second
	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checking is the reverse proxy's concern in this deployment
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type roomKind int

const (
	roomKindDiagram roomKind = iota
	roomKindProject
	roomKindNotifications
)

// Hub owns the per-connection state machines and wires them to the
// presence store, lock manager and broadcaster.
type Hub struct {
	broadcaster Broadcaster
	presence    *PresenceStore
	locks       *LockManager
	repo        DiagramRepository
	perms       PermissionChecker

	// Optional durable collaborators; nil disables the feature
	sessions *SessionStore
	changes  *ChangeLog
	notifier *Notifier
}

// HubOptions configures a Hub
type HubOptions struct {
	Broadcaster Broadcaster
	Presence    *PresenceStore
	Locks       *LockManager
	Repo        DiagramRepository
	Perms       PermissionChecker
	Sessions    *SessionStore
	Changes     *ChangeLog
	Notifier    *Notifier
}

// NewHub creates a connection hub
func NewHub(opts HubOptions) *Hub {
	return &Hub{
		broadcaster: opts.Broadcaster,
		presence:    opts.Presence,
		locks:       opts.Locks,
		repo:        opts.Repo,
		perms:       opts.Perms,
		sessions:    opts.Sessions,
		changes:     opts.Changes,
		notifier:    opts.Notifier,
	}
}

// Client is one WebSocket connection. Message handling within a client is
// strictly sequential: the read pump processes intents in arrival order.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	user UserInfo
	kind roomKind

	connID    string
	room      string
	diagramID string
	projectID string
	sessionID string

	sub *Subscription

	teardownOnce sync.Once
}

// HandleDiagramWS upgrades a connection into a diagram collaboration room.
// Route: GET /ws/diagrams/:id
func (h *Hub) HandleDiagramWS(c *gin.Context) {
	logger := slogging.Get()
	diagramID := c.Param("id")

	user, ok := gatewayUser(c)
	if !ok {
		return
	}

	diagram, err := h.repo.GetDiagram(c.Request.Context(), diagramID)
	if err != nil {
		logger.Warn("diagram connection refused: %v diagram=%s user=%s", err, diagramID, user.Email)
		c.JSON(http.StatusNotFound, gin.H{"error": "diagram not found"})
		return
	}

	allowed, err := h.perms.HasPermission(c.Request.Context(), user.ID, diagram.ProjectID, PermissionView)
	if err != nil {
		logger.Error("permission check failed diagram=%s user=%s: %v", diagramID, user.Email, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return
	}
	if !allowed {
		logger.Warn("diagram connection refused: no permission diagram=%s user=%s", diagramID, user.Email)
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not have permission to access this diagram"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		user:      user,
		kind:      roomKindDiagram,
		connID:    uuid.New().String(),
		room:      DiagramRoom(diagramID),
		diagramID: diagramID,
		projectID: diagram.ProjectID,
	}
	client.sub = h.broadcaster.Subscribe(client.room, client.connID)
	metricActiveConnections.Inc()

	if h.sessions != nil {
		if session, err := h.sessions.GetOrCreate(c.Request.Context(), diagramID); err != nil {
			logger.Error("failed to resolve collaboration session diagram=%s: %v", diagramID, err)
		} else {
			client.sessionID = session.ID
			if _, err := h.sessions.Join(c.Request.Context(), session.ID, user); err != nil {
				logger.Error("failed to join collaboration session %s: %v", session.ID, err)
			}
		}
	}

	h.presence.Join(user, diagramID)
	h.BroadcastActiveUsers(diagramID)

	go client.writePump()
	go client.readPump()

	logger.Info("user %s connected to diagram %s", user.Email, diagramID)
}

// HandleProjectWS upgrades a connection into a project room.
// Route: GET /ws/projects/:id
func (h *Hub) HandleProjectWS(c *gin.Context) {
	logger := slogging.Get()
	projectID := c.Param("id")

	user, ok := gatewayUser(c)
	if !ok {
		return
	}

	allowed, err := h.perms.HasPermission(c.Request.Context(), user.ID, projectID, PermissionView)
	if err != nil {
		logger.Error("permission check failed project=%s user=%s: %v", projectID, user.Email, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return
	}
	if !allowed {
		logger.Warn("project connection refused: no permission project=%s user=%s", projectID, user.Email)
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not have permission to access this project"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		user:      user,
		kind:      roomKindProject,
		connID:    uuid.New().String(),
		room:      ProjectRoom(projectID),
		projectID: projectID,
	}
	client.sub = h.broadcaster.Subscribe(client.room, client.connID)
	metricActiveConnections.Inc()

	go client.writePump()
	go client.readPump()

	logger.Info("user %s connected to project %s", user.Email, projectID)
}

// HandleNotificationsWS upgrades a connection into the caller's own
// notification room. Route: GET /ws/notifications/:user_id
func (h *Hub) HandleNotificationsWS(c *gin.Context) {
	logger := slogging.Get()
	userID := c.Param("user_id")

	user, ok := gatewayUser(c)
	if !ok {
		return
	}
	if user.ID != userID {
		logger.Warn("notification connection refused: identity mismatch user=%s requested=%s", user.ID, userID)
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot subscribe to another user's notifications"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		user:   user,
		kind:   roomKindNotifications,
		connID: uuid.New().String(),
		room:   NotificationsRoom(userID),
	}
	client.sub = h.broadcaster.Subscribe(client.room, client.connID)
	metricActiveConnections.Inc()

	go client.writePump()
	go client.readPump()

	logger.Info("user %s connected to notifications", user.Email)
}

// BroadcastActiveUsers publishes the diagram's current active-user list
func (h *Hub) BroadcastActiveUsers(diagramID string) {
	users := h.presence.ListActive(diagramID)
	event := NewActiveUsersEvent(users)
	h.broadcaster.Publish(DiagramRoom(diagramID), event.Marshal(), "")
}

// gatewayUser resolves the authenticated identity set by the auth
// middleware; rejects the connection when absent.
func gatewayUser(c *gin.Context) (UserInfo, bool) {
	authUser, ok := auth.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return UserInfo{}, false
	}
	return UserInfo{ID: authUser.ID, Email: authUser.Email, Name: authUser.Name}, true
}

// readPump pumps messages from the WebSocket into the dispatcher. Cleanup
// is deferred so it runs on every exit path, including abnormal closes and
// panics mid-handling.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("websocket read error user=%s room=%s: %v", c.user.Email, c.room, err)
			}
			return
		}

		if c.kind == roomKindDiagram {
			c.hub.presence.Heartbeat(c.user.ID, c.diagramID)
			if c.hub.sessions != nil && c.sessionID != "" {
				if err := c.hub.sessions.Touch(context.Background(), c.sessionID, c.user.ID); err != nil {
					slogging.Get().Debug("session touch failed: %v", err)
				}
			}
		}

		c.dispatch(data)
	}
}

// writePump pumps events from the subscription to the WebSocket and keeps
// the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sub.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Subscription closed by teardown
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one intent. The match over MessageType is exhaustive for
// the connection's room kind; anything else is an error reply to the
// sender with the connection left open.
func (c *Client) dispatch(data []byte) {
	intent, err := ParseIntent(data)
	if err != nil {
		c.sendError("Invalid JSON format")
		return
	}
	metricMessagesTotal.WithLabelValues(string(intent.Type)).Inc()

	switch c.kind {
	case roomKindDiagram:
		c.dispatchDiagram(intent)
	case roomKindProject:
		c.dispatchProject(intent)
	case roomKindNotifications:
		c.dispatchNotifications(intent)
	}
}

func (c *Client) dispatchDiagram(intent *Intent) {
	switch intent.Type {
	case MessageElementUpdate:
		c.handleElementUpdate(intent)
	case MessageElementCreate:
		c.handleElementCreate(intent)
	case MessageElementDelete:
		c.handleElementDelete(intent)
	case MessageCursorMove:
		c.handleCursorMove(intent)
	case MessageElementLock:
		c.handleElementLock(intent)
	case MessageElementUnlock:
		c.handleElementUnlock(intent)
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", intent.Type))
	}
}

func (c *Client) dispatchProject(intent *Intent) {
	switch intent.Type {
	case MessageProjectUpdate:
		c.handleProjectUpdate(intent)
	case MessageDiagramCreated:
		c.handleDiagramCreated(intent)
	case MessageDiagramDeleted:
		c.handleDiagramDeleted(intent)
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", intent.Type))
	}
}

func (c *Client) dispatchNotifications(intent *Intent) {
	switch intent.Type {
	case MessageMarkRead:
		c.handleMarkRead(intent)
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", intent.Type))
	}
}

func (c *Client) handleElementUpdate(intent *Intent) {
	if len(intent.Element) == 0 {
		c.sendError("Missing element data")
		return
	}

	elementID := elementIDFromRaw(intent.Element)
	if c.hub.locks.IsLockedByOther(c.diagramID, elementID, c.user.ID) {
		c.sendError("Element is locked by another user")
		return
	}

	c.recordChange(ChangeElementUpdated, elementID, intent.Element)
	event := NewElementUpdateEvent(intent.Element, c.user.Email)
	c.publish(event)
}

func (c *Client) handleElementCreate(intent *Intent) {
	if len(intent.Element) == 0 {
		c.sendError("Missing element data")
		return
	}

	elementID := elementIDFromRaw(intent.Element)
	c.recordChange(ChangeElementCreated, elementID, intent.Element)
	event := NewElementCreateEvent(intent.Element, c.user.Email)
	c.publish(event)
}

func (c *Client) handleElementDelete(intent *Intent) {
	if intent.ElementID == "" {
		c.sendError("Missing element ID")
		return
	}

	if c.hub.locks.IsLockedByOther(c.diagramID, intent.ElementID, c.user.ID) {
		c.sendError("Element is locked by another user")
		return
	}

	c.recordChange(ChangeElementDeleted, intent.ElementID, nil)
	event := NewElementDeleteEvent(intent.ElementID, c.user.Email)
	c.publish(event)
}

// handleCursorMove broadcasts the cursor position to everyone except the
// sender; cursor positions are never persisted.
func (c *Client) handleCursorMove(intent *Intent) {
	if len(intent.Cursor) == 0 {
		return
	}
	event := NewCursorMoveEvent(intent.Cursor, c.user.Email)
	c.hub.broadcaster.Publish(c.room, event.Marshal(), c.connID)
}

func (c *Client) handleElementLock(intent *Intent) {
	if intent.ElementID == "" {
		c.sendError("Missing element ID")
		return
	}

	if !c.hub.locks.TryAcquire(c.diagramID, intent.ElementID, c.user) {
		c.sendError("Element is already locked")
		return
	}
	event := NewElementLockEvent(intent.ElementID, c.user.Email)
	c.publish(event)
}

// handleElementUnlock releases the lock and always broadcasts the unlock:
// release of an absent or foreign lock is a safe no-op upstream.
func (c *Client) handleElementUnlock(intent *Intent) {
	if intent.ElementID == "" {
		c.sendError("Missing element ID")
		return
	}

	c.hub.locks.Release(c.diagramID, intent.ElementID, c.user.ID)
	event := NewElementUnlockEvent(intent.ElementID, c.user.Email)
	c.publish(event)
}

func (c *Client) handleProjectUpdate(intent *Intent) {
	if len(intent.Project) == 0 {
		c.sendError("Missing project data")
		return
	}
	event := NewProjectUpdateEvent(intent.Project, c.user.Email)
	c.publish(event)
}

func (c *Client) handleDiagramCreated(intent *Intent) {
	if len(intent.Diagram) == 0 {
		c.sendError("Missing diagram data")
		return
	}
	event := NewDiagramCreatedEvent(intent.Diagram, c.user.Email)
	c.publish(event)
}

func (c *Client) handleDiagramDeleted(intent *Intent) {
	if intent.DiagramID == "" {
		c.sendError("Missing diagram ID")
		return
	}
	event := NewDiagramDeletedEvent(intent.DiagramID, c.user.Email)
	c.publish(event)
}

func (c *Client) handleMarkRead(intent *Intent) {
	if c.hub.notifier == nil || intent.NotificationID == "" {
		return
	}
	if _, err := c.hub.notifier.MarkRead(context.Background(), c.user.ID, []string{intent.NotificationID}); err != nil {
		slogging.Get().Error("failed to mark notification read user=%s: %v", c.user.Email, err)
		c.sendError("Failed to mark notification as read")
	}
}

// publish fans the event out to the whole room, sender included
func (c *Client) publish(event Event) {
	c.hub.broadcaster.Publish(c.room, event.Marshal(), "")
}

// sendError delivers a typed error reply to this sender only
func (c *Client) sendError(message string) {
	event := NewErrorEvent(message)
	select {
	case c.sub.C <- event.Marshal():
	default:
		metricDroppedDeliveries.Inc()
	}
}

// recordChange appends to the diagram change log, best-effort
func (c *Client) recordChange(changeType, objectID string, payload json.RawMessage) {
	if c.hub.changes == nil {
		return
	}

	var data JSONMap
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			data = JSONMap{}
		}
	}
	input := ChangeInput{
		DiagramID:  c.diagramID,
		User:       c.user,
		ChangeType: changeType,
		Data:       data,
	}
	if objectID != "" {
		input.ObjectID = &objectID
	}
	if c.sessionID != "" {
		sessionID := c.sessionID
		input.SessionID = &sessionID
	}

	if _, err := c.hub.changes.Record(context.Background(), input); err != nil {
		slogging.Get().Error("failed to record diagram change diagram=%s: %v", c.diagramID, err)
	}
}

// teardown runs the guaranteed cleanup for this connection: presence
// leave, bulk lock release with unlock broadcasts, unsubscribe, and a
// refreshed active-user list. It runs exactly once no matter how the
// connection ended.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() {
		logger := slogging.Get()
		_ = c.conn.Close()
		metricActiveConnections.Dec()

		// Stop receiving before broadcasting our own departure
		c.hub.broadcaster.Unsubscribe(c.sub)

		if c.kind == roomKindDiagram {
			c.hub.presence.Leave(c.user.ID, c.diagramID)

			released := c.hub.locks.ReleaseAllForUser(c.diagramID, c.user.ID)
			for _, lock := range released {
				event := NewElementUnlockEvent(lock.ElementID, lock.Owner.Email)
				c.hub.broadcaster.Publish(c.room, event.Marshal(), "")
			}

			if c.hub.sessions != nil && c.sessionID != "" {
				if err := c.hub.sessions.Leave(context.Background(), c.sessionID, c.user.ID); err != nil {
					logger.Debug("session leave failed: %v", err)
				}
			}

			c.hub.BroadcastActiveUsers(c.diagramID)
		}

		logger.Info("user %s disconnected from %s", c.user.Email, c.room)
	})
}

// elementIDFromRaw pulls the id field out of a raw element payload
func elementIDFromRaw(element json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(element, &probe); err != nil {
		return ""
	}
	return probe.ID
}
