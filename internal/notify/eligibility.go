package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// Engine computes notify-sets and dispatches the results.
type Engine struct {
	store      Store
	transports map[storage.PushType]Transport
	log        *zap.Logger
}

// NewEngine builds an engine over the given store and transports.
func NewEngine(store Store, transports ...Transport) *Engine {
	byType := make(map[storage.PushType]Transport, len(transports))
	for _, t := range transports {
		byType[t.Type()] = t
	}
	return &Engine{
		store:      store,
		transports: byType,
		log:        logger.New("notify"),
	}
}

// taggedUser collects the mechanisms that marked one user on a message.
type taggedUser struct {
	mention    bool
	replyTo    bool
	reaction   bool
	attachment bool
	atChannel  bool
	threadID   string
}

// GetUsersToNotify computes the notify-set for one message event. The
// result holds at most one notification per user.
func (e *Engine) GetUsersToNotify(ctx context.Context, event MessageEvent) ([]*Notification, error) {
	isDirect := event.Kind == shared.StreamKindDM || event.Kind == shared.StreamKindGDM

	members := event.Recipients
	if members == nil {
		var err error
		members, err = e.store.ListMembers(ctx, event.StreamID)
		if err != nil {
			return nil, fmt.Errorf("failed to load members of %s: %w", event.StreamID, err)
		}
	}

	// Explicit channel or space mutes always win over tag presence.
	muted := map[string]bool{}
	if !isDirect {
		var err error
		muted, err = e.store.ListMutedUsers(ctx, event.StreamID, event.SpaceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load mutes for %s: %w", event.StreamID, err)
		}
	}

	tags, err := e.store.ListTags(ctx, event.StreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags for %s: %w", event.StreamID, err)
	}

	tagged := make(map[string]*taggedUser)
	markTagged := func(userID string) *taggedUser {
		t, ok := tagged[userID]
		if !ok {
			t = &taggedUser{}
			tagged[userID] = t
		}
		return t
	}
	atChannel := false
	for _, tag := range tags {
		if tag.UserID == shared.AtChannelUserID {
			atChannel = true
			continue
		}
		t := markTagged(tag.UserID)
		switch tag.Tag {
		case storage.TagMention:
			t.mention = true
		case storage.TagReplyTo:
			t.replyTo = true
		case storage.TagReaction:
			t.reaction = true
		case storage.TagAttachment:
			t.attachment = true
		case storage.TagAtChannel:
			t.atChannel = true
		}
		if tag.ThreadID != "" {
			t.threadID = tag.ThreadID
		}
	}
	if atChannel {
		for _, member := range members {
			markTagged(member).atChannel = true
		}
	}

	// Candidates: DM/GDM members need no tagging step; channel messages
	// notify only tagged users.
	var candidates []string
	if isDirect {
		candidates = members
	} else {
		for userID := range tagged {
			candidates = append(candidates, userID)
		}
	}

	settings, err := e.store.GetUserSettings(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}

	var notifications []*Notification
	for _, userID := range candidates {
		if userID == event.SenderID {
			continue
		}
		if muted[userID] {
			continue
		}
		userSettings := settings[userID]
		if userSettings.IsBlocked(event.SenderID) {
			continue
		}

		t := tagged[userID]
		if t == nil {
			t = &taggedUser{}
		}

		n := e.pickNotification(event, userID, t, userSettings, isDirect)
		if n != nil {
			notifications = append(notifications, n)
		}
	}
	return notifications, nil
}

// pickNotification applies per-mechanism global mutes and the tag priority
// order and returns at most one notification for the user.
func (e *Engine) pickNotification(
	event MessageEvent,
	userID string,
	t *taggedUser,
	settings storage.UserSettings,
	isDirect bool,
) *Notification {
	n := &Notification{
		UserID:    userID,
		ChannelID: event.StreamID,
		SpaceID:   event.SpaceID,
		ThreadID:  t.threadID,
		SenderID:  event.SenderID,
		SessionID: event.SessionID,
		EventHash: event.EventHash,
	}

	// Priority: reaction > mention > reply-to > attachment > payload default.
	// Each mechanism is gated only by its own global mute flag.
	switch {
	case t.reaction:
		n.Kind = KindReaction
	case t.mention && !settings.MentionMuted:
		n.Kind = KindMention
	case t.atChannel && !settings.MentionMuted:
		n.Kind = KindAtChannel
	case t.replyTo && !settings.ReplyToMuted:
		n.Kind = KindReplyTo
	case t.attachment:
		n.Kind = KindAttachment
	case isDirect && !settings.DirectMessageMuted:
		n.Kind = KindDirectMessage
	default:
		return nil
	}
	return n
}

// HandleChannelMessage runs a full eligibility and dispatch pass for a
// space channel message, then consumes the channel's pending tags.
func (e *Engine) HandleChannelMessage(ctx context.Context, event MessageEvent) error {
	return e.handleMessage(ctx, event)
}

// HandleDirectMessage runs a full eligibility and dispatch pass for a DM
// or GDM message.
func (e *Engine) HandleDirectMessage(ctx context.Context, event MessageEvent) error {
	return e.handleMessage(ctx, event)
}

func (e *Engine) handleMessage(ctx context.Context, event MessageEvent) error {
	notifications, err := e.GetUsersToNotify(ctx, event)
	if err != nil {
		return err
	}
	if len(notifications) > 0 {
		e.Dispatch(ctx, notifications)
	}
	if err := e.store.DeleteTags(ctx, event.StreamID); err != nil {
		e.log.Warn("failed to delete consumed tags",
			zap.String("stream_id", event.StreamID.String()),
			zap.Error(err))
	}
	return nil
}
