package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/umlcdp/collab/internal/slogging"
)

// NotificationInput carries the fields for a new notification
type NotificationInput struct {
	Recipient string
	Sender    *UserInfo
	Type      string
	Title     string
	Message   string
	ProjectID *string
	DiagramID *string
	Data      JSONMap
}

// notificationPayload is the wire shape pushed to the recipient's
// notification room.
type notificationPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Data      JSONMap   `json:"data,omitempty"`
	Sender    *UserInfo `json:"sender,omitempty"`
	ProjectID *string   `json:"project_id,omitempty"`
	DiagramID *string   `json:"diagram_id,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier creates durable notifications and pushes them to the
// recipient's notification room. The persisted record is the source of
// truth: a failed real-time push is logged and swallowed.
type Notifier struct {
	store       NotificationStore
	broadcaster Broadcaster
}

// NewNotifier creates a notification service
func NewNotifier(store NotificationStore, broadcaster Broadcaster) *Notifier {
	return &Notifier{store: store, broadcaster: broadcaster}
}

// Notify persists a notification and pushes it in real time. Persistence
// failures are returned to the caller; push failures are not.
func (n *Notifier) Notify(ctx context.Context, input NotificationInput) (*Notification, error) {
	notification := &Notification{
		RecipientID: input.Recipient,
		Type:        input.Type,
		Title:       input.Title,
		Message:     input.Message,
		ProjectID:   input.ProjectID,
		DiagramID:   input.DiagramID,
		Data:        input.Data,
	}
	if input.Sender != nil {
		senderID := input.Sender.ID
		notification.SenderID = &senderID
		notification.SenderEmail = input.Sender.Email
		notification.SenderName = input.Sender.Name
	}

	if err := n.store.Create(ctx, notification); err != nil {
		return nil, err
	}

	n.push(notification)
	return notification, nil
}

// push publishes the serialized notification to the recipient's room.
// Publishing to a room with zero subscribers is a silent no-op.
func (n *Notifier) push(notification *Notification) {
	payload := notificationPayload{
		ID:        notification.ID,
		Type:      notification.Type,
		Title:     notification.Title,
		Message:   notification.Message,
		Data:      notification.Data,
		ProjectID: notification.ProjectID,
		DiagramID: notification.DiagramID,
		IsRead:    notification.IsRead,
		CreatedAt: notification.CreatedAt,
	}
	if notification.SenderID != nil {
		payload.Sender = &UserInfo{
			ID:    *notification.SenderID,
			Email: notification.SenderEmail,
			Name:  notification.SenderName,
		}
	}

	event := NewNotificationEvent(payload)
	n.broadcaster.Publish(NotificationsRoom(notification.RecipientID), event.Marshal(), "")
	slogging.Get().Debug("notification %s pushed to user %s", notification.ID, notification.RecipientID)
}

// MarkRead marks the recipient's matching unread notifications as read
func (n *Notifier) MarkRead(ctx context.Context, recipientID string, ids []string) (int64, error) {
	return n.store.MarkRead(ctx, recipientID, ids)
}

// UnreadCount returns the recipient's unread notification count
func (n *Notifier) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	return n.store.UnreadCount(ctx, recipientID)
}

// List returns the recipient's notifications, most recent first
func (n *Notifier) List(ctx context.Context, recipientID string, opts NotificationListOptions) ([]Notification, error) {
	return n.store.List(ctx, recipientID, opts)
}

// NotifyProjectInvitation notifies a user about a project invitation
func (n *Notifier) NotifyProjectInvitation(ctx context.Context, inviteeID string, inviter UserInfo, project *Project) (*Notification, error) {
	return n.Notify(ctx, NotificationInput{
		Recipient: inviteeID,
		Sender:    &inviter,
		Type:      NotificationProjectInvite,
		Title:     fmt.Sprintf("Invitation to %s", project.Name),
		Message:   fmt.Sprintf("%s invited you to collaborate on the project %q", inviter.Name, project.Name),
		ProjectID: &project.ID,
		Data:      JSONMap{"project_id": project.ID, "inviter_id": inviter.ID},
	})
}

// NotifyProjectUpdate notifies every collaborator except the updater
func (n *Notifier) NotifyProjectUpdate(ctx context.Context, project *Project, updater UserInfo, collaboratorIDs []string) []*Notification {
	var notifications []*Notification
	for _, id := range collaboratorIDs {
		if id == updater.ID {
			continue
		}
		notification, err := n.Notify(ctx, NotificationInput{
			Recipient: id,
			Sender:    &updater,
			Type:      NotificationProjectUpdate,
			Title:     fmt.Sprintf("Project %q updated", project.Name),
			Message:   fmt.Sprintf("%s made changes to the project %q", updater.Name, project.Name),
			ProjectID: &project.ID,
			Data:      JSONMap{"project_id": project.ID, "updater_id": updater.ID},
		})
		if err != nil {
			slogging.Get().Error("failed to notify collaborator %s of project update: %v", id, err)
			continue
		}
		notifications = append(notifications, notification)
	}
	return notifications
}

// NotifyDiagramShared notifies a user that a diagram was shared with them
func (n *Notifier) NotifyDiagramShared(ctx context.Context, recipientID string, sharer UserInfo, project *Project, diagram *Diagram) (*Notification, error) {
	return n.Notify(ctx, NotificationInput{
		Recipient: recipientID,
		Sender:    &sharer,
		Type:      NotificationDiagramShared,
		Title:     fmt.Sprintf("Diagram %q shared with you", diagram.Name),
		Message:   fmt.Sprintf("%s shared the diagram %q with you", sharer.Name, diagram.Name),
		ProjectID: &project.ID,
		DiagramID: &diagram.ID,
		Data:      JSONMap{"diagram_id": diagram.ID},
	})
}

// NotifyCommentAdded fans out a comment notification to every collaborator
// except the author.
func (n *Notifier) NotifyCommentAdded(ctx context.Context, comment *Comment, author UserInfo, diagram *Diagram, collaboratorIDs []string) []*Notification {
	var notifications []*Notification
	for _, id := range collaboratorIDs {
		if id == author.ID {
			continue
		}
		notification, err := n.Notify(ctx, NotificationInput{
			Recipient: id,
			Sender:    &author,
			Type:      NotificationCommentAdded,
			Title:     fmt.Sprintf("New comment on %q", diagram.Name),
			Message:   fmt.Sprintf("%s commented on diagram %q", author.Name, diagram.Name),
			ProjectID: &diagram.ProjectID,
			DiagramID: &diagram.ID,
			Data:      JSONMap{"comment_id": comment.ID, "diagram_id": diagram.ID},
		})
		if err != nil {
			slogging.Get().Error("failed to notify collaborator %s of comment: %v", id, err)
			continue
		}
		notifications = append(notifications, notification)
	}
	return notifications
}

// NotifyUserMention notifies a user about being mentioned
func (n *Notifier) NotifyUserMention(ctx context.Context, mentionedID string, mentioner UserInfo, projectID, diagramID *string, message string) (*Notification, error) {
	if len(message) > 100 {
		message = message[:100] + "..."
	}
	return n.Notify(ctx, NotificationInput{
		Recipient: mentionedID,
		Sender:    &mentioner,
		Type:      NotificationMention,
		Title:     "You were mentioned",
		Message:   fmt.Sprintf("%s mentioned you: %s", mentioner.Name, message),
		ProjectID: projectID,
		DiagramID: diagramID,
	})
}

// NotifyElementConflict notifies a user about an element editing conflict
func (n *Notifier) NotifyElementConflict(ctx context.Context, recipientID string, conflictingUser UserInfo, diagram *Diagram, elementID string) (*Notification, error) {
	return n.Notify(ctx, NotificationInput{
		Recipient: recipientID,
		Sender:    &conflictingUser,
		Type:      NotificationElementConflict,
		Title:     "Element conflict detected",
		Message:   fmt.Sprintf("Element conflict with %s in diagram %q", conflictingUser.Name, diagram.Name),
		ProjectID: &diagram.ProjectID,
		DiagramID: &diagram.ID,
		Data:      JSONMap{"element_id": elementID, "conflicting_user_id": conflictingUser.ID},
	})
}

// NotifyRoleChanged notifies a user about a role change in a project
func (n *Notifier) NotifyRoleChanged(ctx context.Context, recipientID string, changer UserInfo, project *Project, newRole string) (*Notification, error) {
	return n.Notify(ctx, NotificationInput{
		Recipient: recipientID,
		Sender:    &changer,
		Type:      NotificationRoleChanged,
		Title:     fmt.Sprintf("Role changed in %q", project.Name),
		Message:   fmt.Sprintf("Your role in project %q has been changed to %s by %s", project.Name, newRole, changer.Name),
		ProjectID: &project.ID,
		Data:      JSONMap{"new_role": newRole, "changer_id": changer.ID},
	})
}
