package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umlcdp/collab/auth"
)

type gatewayFixture struct {
	server   *httptest.Server
	hub      *Hub
	locks    *LockManager
	presence *PresenceStore
	b        *MemoryBroadcaster
	project  *Project
	diagram  *Diagram
	users    map[string]UserInfo
}

// newGatewayFixture stands up a live WebSocket server. The fake auth
// middleware impersonates whichever user the X-Test-User header names, so
// one server can carry connections from several users at once.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	project := seedProject(t, db, VisibilityPrivate)
	diagram := seedDiagram(t, db, project.ID)
	seedCollaborator(t, db, project.ID, testAlice, RoleEditor)
	seedCollaborator(t, db, project.ID, testBob, RoleEditor)

	repo := NewGormRepository(db)
	locks := NewLockManager(time.Minute)
	presence := NewPresenceStore(time.Minute)
	b := NewMemoryBroadcaster(64)

	hub := NewHub(HubOptions{
		Broadcaster: b,
		Presence:    presence,
		Locks:       locks,
		Repo:        repo,
		Perms:       repo,
	})

	users := map[string]UserInfo{
		"owner": testOwner,
		"alice": testAlice,
		"bob":   testBob,
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		user, ok := users[c.GetHeader("X-Test-User")]
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(auth.UserContextKey, auth.User{ID: user.ID, Email: user.Email, Name: user.Name})
		c.Next()
	})
	r.GET("/ws/diagrams/:id", hub.HandleDiagramWS)
	r.GET("/ws/projects/:id", hub.HandleProjectWS)
	r.GET("/ws/notifications/:user_id", hub.HandleNotificationsWS)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		server:   server,
		hub:      hub,
		locks:    locks,
		presence: presence,
		b:        b,
		project:  project,
		diagram:  diagram,
		users:    users,
	}
}

func (f *gatewayFixture) dial(t *testing.T, as, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Test-User": {as}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *gatewayFixture) dialDiagram(t *testing.T, as string) *websocket.Conn {
	return f.dial(t, as, "/ws/diagrams/"+f.diagram.ID)
}

// readEvent reads the next event off a connection, failing on timeout
func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

// waitForEvent reads until an event of the wanted type arrives, skipping
// interleaved presence churn.
func waitForEvent(t *testing.T, conn *websocket.Conn, want MessageType) Event {
	t.Helper()

	for i := 0; i < 10; i++ {
		event := readEvent(t, conn)
		if event.Type == want {
			return event
		}
	}
	t.Fatalf("no %s event arrived", want)
	return Event{}
}

func sendIntent(t *testing.T, conn *websocket.Conn, intent map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(intent))
}

func TestGatewayConnect(t *testing.T) {
	t.Run("ConnectBroadcastsActiveUsers", func(t *testing.T) {
		f := newGatewayFixture(t)
		conn := f.dialDiagram(t, "alice")

		event := waitForEvent(t, conn, MessageActiveUsers)
		require.Len(t, event.Users, 1)
		assert.Equal(t, testAlice.ID, event.Users[0].ID)
	})

	t.Run("SecondUserAppearsInEveryonesList", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		waitForEvent(t, alice, MessageActiveUsers)

		f.dialDiagram(t, "bob")

		event := waitForEvent(t, alice, MessageActiveUsers)
		assert.Len(t, event.Users, 2)
	})

	t.Run("StrangerIsRejectedBeforeUpgrade", func(t *testing.T) {
		f := newGatewayFixture(t)
		url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/diagrams/" + f.diagram.ID

		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Test-User": {"unknown"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("MissingDiagramIsRejected", func(t *testing.T) {
		f := newGatewayFixture(t)
		url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/diagrams/missing"

		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Test-User": {"alice"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGatewayElementEvents(t *testing.T) {
	t.Run("ElementUpdateReachesEveryoneIncludingSender", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		bob := f.dialDiagram(t, "bob")
		waitForEvent(t, alice, MessageActiveUsers)
		waitForEvent(t, bob, MessageActiveUsers)

		sendIntent(t, alice, map[string]any{
			"type":    "element_update",
			"element": map[string]any{"id": "class-1", "name": "Invoice"},
		})

		for _, conn := range []*websocket.Conn{alice, bob} {
			event := waitForEvent(t, conn, MessageElementUpdate)
			assert.Equal(t, testAlice.Email, event.User)
			assert.NotEmpty(t, event.Timestamp)
			assert.Contains(t, string(event.Element), "Invoice")
		}
	})

	t.Run("MissingElementDataIsAnErrorToSenderOnly", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		waitForEvent(t, alice, MessageActiveUsers)

		sendIntent(t, alice, map[string]any{"type": "element_update"})

		event := waitForEvent(t, alice, MessageError)
		assert.Equal(t, "Missing element data", event.Message)
	})

	t.Run("CursorMoveExcludesTheSender", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		bob := f.dialDiagram(t, "bob")
		waitForEvent(t, alice, MessageActiveUsers)
		waitForEvent(t, bob, MessageActiveUsers)

		sendIntent(t, alice, map[string]any{
			"type":   "cursor_move",
			"cursor": map[string]any{"x": 10, "y": 20},
		})

		event := waitForEvent(t, bob, MessageCursorMove)
		assert.Equal(t, testAlice.Email, event.User)
		assert.Empty(t, event.Timestamp)

		// alice never sees her own cursor echo; the next thing she sees is
		// a later broadcast
		sendIntent(t, bob, map[string]any{"type": "element_lock", "element_id": "e9"})
		event = waitForEvent(t, alice, MessageElementLock)
		assert.Equal(t, "e9", event.ElementID)
	})

	t.Run("MalformedJSONIsAnError", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		waitForEvent(t, alice, MessageActiveUsers)

		require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
		event := waitForEvent(t, alice, MessageError)
		assert.Equal(t, "Invalid JSON format", event.Message)
	})

	t.Run("UnknownMessageTypeIsAnError", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		waitForEvent(t, alice, MessageActiveUsers)

		sendIntent(t, alice, map[string]any{"type": "teleport"})
		event := waitForEvent(t, alice, MessageError)
		assert.Equal(t, "Unknown message type: teleport", event.Message)
	})
}

func TestGatewayLocking(t *testing.T) {
	t.Run("LockConflictFlow", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		bob := f.dialDiagram(t, "bob")
		waitForEvent(t, alice, MessageActiveUsers)
		waitForEvent(t, bob, MessageActiveUsers)

		// alice takes the lock, everyone hears about it
		sendIntent(t, alice, map[string]any{"type": "element_lock", "element_id": "e1"})
		event := waitForEvent(t, bob, MessageElementLock)
		assert.Equal(t, "e1", event.ElementID)
		assert.Equal(t, testAlice.Email, event.User)

		// bob cannot take it
		sendIntent(t, bob, map[string]any{"type": "element_lock", "element_id": "e1"})
		event = waitForEvent(t, bob, MessageError)
		assert.Equal(t, "Element is already locked", event.Message)

		// bob cannot edit it either
		sendIntent(t, bob, map[string]any{
			"type":    "element_update",
			"element": map[string]any{"id": "e1"},
		})
		event = waitForEvent(t, bob, MessageError)
		assert.Equal(t, "Element is locked by another user", event.Message)

		// nor delete it
		sendIntent(t, bob, map[string]any{"type": "element_delete", "element_id": "e1"})
		event = waitForEvent(t, bob, MessageError)
		assert.Equal(t, "Element is locked by another user", event.Message)

		// alice releases, bob can now lock
		sendIntent(t, alice, map[string]any{"type": "element_unlock", "element_id": "e1"})
		waitForEvent(t, bob, MessageElementUnlock)

		sendIntent(t, bob, map[string]any{"type": "element_lock", "element_id": "e1"})
		event = waitForEvent(t, alice, MessageElementLock)
		assert.Equal(t, testBob.Email, event.User)
	})

	t.Run("LockIntentWithoutElementID", func(t *testing.T) {
		f := newGatewayFixture(t)
		alice := f.dialDiagram(t, "alice")
		waitForEvent(t, alice, MessageActiveUsers)

		sendIntent(t, alice, map[string]any{"type": "element_lock"})
		event := waitForEvent(t, alice, MessageError)
		assert.Equal(t, "Missing element ID", event.Message)
	})
}

func TestGatewayDisconnectCleanup(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dialDiagram(t, "alice")
	bob := f.dialDiagram(t, "bob")
	waitForEvent(t, alice, MessageActiveUsers)
	waitForEvent(t, bob, MessageActiveUsers)

	sendIntent(t, alice, map[string]any{"type": "element_lock", "element_id": "e1"})
	waitForEvent(t, bob, MessageElementLock)

	require.NoError(t, alice.Close())

	// bob hears the unlock attributed to alice, then the shrunken roster
	event := waitForEvent(t, bob, MessageElementUnlock)
	assert.Equal(t, "e1", event.ElementID)
	assert.Equal(t, testAlice.Email, event.User)

	event = waitForEvent(t, bob, MessageActiveUsers)
	require.Len(t, event.Users, 1)
	assert.Equal(t, testBob.ID, event.Users[0].ID)

	// server-side state is fully reclaimed
	assert.Eventually(t, func() bool {
		return len(f.locks.ListForUser(testAlice.ID)) == 0 &&
			len(f.presence.ListForUser(testAlice.ID)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGatewayProjectRoom(t *testing.T) {
	f := newGatewayFixture(t)
	path := "/ws/projects/" + f.project.ID
	alice := f.dial(t, "alice", path)
	bob := f.dial(t, "bob", path)

	sendIntent(t, alice, map[string]any{
		"type":    "project_update",
		"project": map[string]any{"id": f.project.ID, "name": "Renamed"},
	})

	event := waitForEvent(t, bob, MessageProjectUpdate)
	assert.Equal(t, testAlice.Email, event.User)
	assert.Contains(t, string(event.Project), "Renamed")

	sendIntent(t, bob, map[string]any{"type": "diagram_deleted", "diagram_id": "d-gone"})
	event = waitForEvent(t, alice, MessageDiagramDeleted)
	assert.Equal(t, "d-gone", event.DiagramID)

	// diagram intents are not valid in a project room
	sendIntent(t, alice, map[string]any{"type": "element_lock", "element_id": "e1"})
	event = waitForEvent(t, alice, MessageError)
	assert.Contains(t, event.Message, "Unknown message type")
}

func TestGatewayNotificationsRoom(t *testing.T) {
	t.Run("CannotSubscribeToAnotherUser", func(t *testing.T) {
		f := newGatewayFixture(t)
		url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/notifications/" + testAlice.ID

		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Test-User": {"bob"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("PushedNotificationArrivesInRealTime", func(t *testing.T) {
		f := newGatewayFixture(t)
		conn := f.dial(t, "alice", "/ws/notifications/"+testAlice.ID)

		// simulate the notifier pushing to alice's room
		payload := NewNotificationEvent(map[string]any{"title": "hi"}).Marshal()
		f.b.Publish(NotificationsRoom(testAlice.ID), payload, "")

		event := waitForEvent(t, conn, MessageNotification)
		assert.NotNil(t, event.Notification)
	})
}
