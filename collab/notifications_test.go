package collab

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T) (*Notifier, *MemoryBroadcaster) {
	t.Helper()
	b := NewMemoryBroadcaster(8)
	return NewNotifier(NewGormNotificationStore(newTestDB(t)), b), b
}

func TestNotifierNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("PersistsAndPushes", func(t *testing.T) {
		notifier, b := newTestNotifier(t)
		sub := b.Subscribe(NotificationsRoom(testAlice.ID), "c1")

		created, err := notifier.Notify(ctx, NotificationInput{
			Recipient: testAlice.ID,
			Sender:    &testBob,
			Type:      NotificationMention,
			Title:     "You were mentioned",
			Message:   "Bob mentioned you",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.False(t, created.IsRead)

		payloads := drain(sub)
		require.Len(t, payloads, 1)

		var event Event
		require.NoError(t, json.Unmarshal(payloads[0], &event))
		assert.Equal(t, MessageNotification, event.Type)

		count, err := notifier.UnreadCount(ctx, testAlice.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("PersistsWithZeroSubscribers", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)

		_, err := notifier.Notify(ctx, NotificationInput{
			Recipient: testAlice.ID,
			Type:      NotificationProjectUpdate,
			Title:     "Project updated",
		})
		require.NoError(t, err)

		count, err := notifier.UnreadCount(ctx, testAlice.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})
}

func TestNotifierMarkRead(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, notifier *Notifier, n int) []string {
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			created, err := notifier.Notify(ctx, NotificationInput{
				Recipient: testAlice.ID,
				Type:      NotificationCommentAdded,
				Title:     "New comment",
			})
			require.NoError(t, err)
			ids = append(ids, created.ID)
		}
		return ids
	}

	t.Run("MarkSpecificIDs", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		ids := seed(t, notifier, 3)

		updated, err := notifier.MarkRead(ctx, testAlice.ID, ids[:2])
		require.NoError(t, err)
		assert.EqualValues(t, 2, updated)

		count, err := notifier.UnreadCount(ctx, testAlice.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("MarkAllWithNilIDs", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		seed(t, notifier, 3)

		updated, err := notifier.MarkRead(ctx, testAlice.ID, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 3, updated)
	})

	t.Run("MarkReadIsIdempotent", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		ids := seed(t, notifier, 1)

		updated, err := notifier.MarkRead(ctx, testAlice.ID, ids)
		require.NoError(t, err)
		assert.EqualValues(t, 1, updated)

		updated, err = notifier.MarkRead(ctx, testAlice.ID, ids)
		require.NoError(t, err)
		assert.Zero(t, updated)
	})

	t.Run("CannotMarkAnotherUsersNotifications", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		ids := seed(t, notifier, 1)

		updated, err := notifier.MarkRead(ctx, testBob.ID, ids)
		require.NoError(t, err)
		assert.Zero(t, updated)
	})
}

func TestNotifierList(t *testing.T) {
	ctx := context.Background()
	notifier, _ := newTestNotifier(t)

	for _, typ := range []string{NotificationMention, NotificationCommentAdded, NotificationMention} {
		_, err := notifier.Notify(ctx, NotificationInput{
			Recipient: testAlice.ID,
			Type:      typ,
			Title:     "t",
		})
		require.NoError(t, err)
	}

	t.Run("FilterByType", func(t *testing.T) {
		list, err := notifier.List(ctx, testAlice.ID, NotificationListOptions{Type: NotificationMention})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("FilterByReadState", func(t *testing.T) {
		unread := false
		list, err := notifier.List(ctx, testAlice.ID, NotificationListOptions{IsRead: &unread})
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})

	t.Run("LimitIsApplied", func(t *testing.T) {
		list, err := notifier.List(ctx, testAlice.ID, NotificationListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestNotifierTypedHelpers(t *testing.T) {
	ctx := context.Background()
	project := &Project{ID: "p1", Name: "Billing", OwnerID: testOwner.ID}
	diagram := &Diagram{ID: "d1", ProjectID: "p1", Name: "Payments"}

	t.Run("ProjectInvitation", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		created, err := notifier.NotifyProjectInvitation(ctx, testAlice.ID, testOwner, project)
		require.NoError(t, err)
		assert.Equal(t, NotificationProjectInvite, created.Type)
		assert.Equal(t, testAlice.ID, created.RecipientID)
		require.NotNil(t, created.SenderID)
		assert.Equal(t, testOwner.ID, *created.SenderID)
	})

	t.Run("ProjectUpdateSkipsTheUpdater", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		collaborators := []string{testOwner.ID, testAlice.ID, testBob.ID}

		created := notifier.NotifyProjectUpdate(ctx, project, testAlice, collaborators)
		require.Len(t, created, 2)
		for _, n := range created {
			assert.NotEqual(t, testAlice.ID, n.RecipientID)
		}
	})

	t.Run("CommentAddedSkipsTheAuthor", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		comment := &Comment{ID: "c1", DiagramID: diagram.ID}

		created := notifier.NotifyCommentAdded(ctx, comment, testBob, diagram, []string{testOwner.ID, testBob.ID})
		require.Len(t, created, 1)
		assert.Equal(t, testOwner.ID, created[0].RecipientID)
		assert.Equal(t, NotificationCommentAdded, created[0].Type)
	})

	t.Run("MentionTruncatesLongMessages", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'x'
		}

		created, err := notifier.NotifyUserMention(ctx, testAlice.ID, testBob, nil, nil, string(long))
		require.NoError(t, err)
		assert.Contains(t, created.Message, "...")
		assert.Less(t, len(created.Message), 200)
	})

	t.Run("ElementConflictCarriesElementID", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		created, err := notifier.NotifyElementConflict(ctx, testAlice.ID, testBob, diagram, "class-42")
		require.NoError(t, err)
		assert.Equal(t, NotificationElementConflict, created.Type)
		assert.Equal(t, "class-42", created.Data["element_id"])
	})

	t.Run("RoleChangedNamesTheNewRole", func(t *testing.T) {
		notifier, _ := newTestNotifier(t)
		created, err := notifier.NotifyRoleChanged(ctx, testAlice.ID, testOwner, project, RoleEditor)
		require.NoError(t, err)
		assert.Equal(t, NotificationRoleChanged, created.Type)
		assert.Contains(t, created.Message, RoleEditor)
	})
}
