// Package notify computes who should be notified for a stream event and
// fans the resulting notifications out to the registered push transports.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// Kind is the notification kind delivered to clients.
type Kind string

const (
	KindNewMessage    Kind = "new_message"
	KindDirectMessage Kind = "direct_message"
	KindMention       Kind = "mention"
	KindAtChannel     Kind = "@channel"
	KindReplyTo       Kind = "reply_to"
	KindReaction      Kind = "reaction"
	KindAttachment    Kind = "attachment"
)

// MessageEvent is one decoded message the sync loop hands to the engine.
type MessageEvent struct {
	StreamID shared.StreamID
	Kind     shared.StreamKind
	// Parent space of a channel stream; empty for DM/GDM or when unknown.
	SpaceID          shared.StreamID
	SenderID         string
	EventHash        []byte
	SessionID        string
	Ciphertext       []byte
	CreatedAtEpochMs int64
	// Explicit recipient list; when set it replaces the stored membership
	// as the candidate set (used by the notify-users API).
	Recipients []string
}

// Notification is one computed delivery for one user.
type Notification struct {
	UserID    string
	Kind      Kind
	ChannelID shared.StreamID
	SpaceID   shared.StreamID
	ThreadID  string
	SenderID  string
	SessionID string
	EventHash []byte
}

// SendStatus classifies one push delivery attempt.
type SendStatus int

const (
	SendSuccess SendStatus = iota
	// SendError is transient: the subscription stays registered.
	SendError
	// SendNotSubscribed is definitive: the subscription is dead and gets
	// deleted from the store.
	SendNotSubscribed
)

// SendResult is the settled outcome of one delivery attempt.
type SendResult struct {
	Status  SendStatus
	Message string
}

// Transport delivers a notification to one subscription.
type Transport interface {
	Type() storage.PushType
	Send(ctx context.Context, sub storage.PushSubscription, n *Notification) SendResult
}

// Store is the persistence surface the engine consumes.
type Store interface {
	ListMembers(ctx context.Context, streamID shared.StreamID) ([]string, error)
	GetUserSettings(ctx context.Context, userIDs []string) (map[string]storage.UserSettings, error)
	ListMutedUsers(ctx context.Context, channelID, spaceID shared.StreamID) (map[string]bool, error)
	ListTags(ctx context.Context, channelID shared.StreamID) ([]storage.NotificationTag, error)
	DeleteTags(ctx context.Context, channelID shared.StreamID) error
	ListSubscriptions(ctx context.Context, userIDs []string) (map[string][]storage.PushSubscription, error)
	DeleteSubscriptionByID(ctx context.Context, id uuid.UUID) error
}
