package notify

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

type fakeStore struct {
	mu          sync.Mutex
	members     map[shared.StreamID][]string
	settings    map[string]storage.UserSettings
	muted       map[string]bool
	tags        map[shared.StreamID][]storage.NotificationTag
	subs        map[string][]storage.PushSubscription
	deletedTags []shared.StreamID
	deletedSubs []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:  make(map[shared.StreamID][]string),
		settings: make(map[string]storage.UserSettings),
		muted:    make(map[string]bool),
		tags:     make(map[shared.StreamID][]storage.NotificationTag),
		subs:     make(map[string][]storage.PushSubscription),
	}
}

func (f *fakeStore) ListMembers(ctx context.Context, streamID shared.StreamID) ([]string, error) {
	return f.members[streamID], nil
}

func (f *fakeStore) GetUserSettings(ctx context.Context, userIDs []string) (map[string]storage.UserSettings, error) {
	out := make(map[string]storage.UserSettings, len(userIDs))
	for _, id := range userIDs {
		if s, ok := f.settings[id]; ok {
			out[id] = s
		} else {
			out[id] = storage.UserSettings{UserID: id}
		}
	}
	return out, nil
}

func (f *fakeStore) ListMutedUsers(ctx context.Context, channelID, spaceID shared.StreamID) (map[string]bool, error) {
	return f.muted, nil
}

func (f *fakeStore) ListTags(ctx context.Context, channelID shared.StreamID) ([]storage.NotificationTag, error) {
	return f.tags[channelID], nil
}

func (f *fakeStore) DeleteTags(ctx context.Context, channelID shared.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTags = append(f.deletedTags, channelID)
	return nil
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, userIDs []string) (map[string][]storage.PushSubscription, error) {
	out := make(map[string][]storage.PushSubscription)
	for _, id := range userIDs {
		if subs, ok := f.subs[id]; ok {
			out[id] = subs
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteSubscriptionByID(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSubs = append(f.deletedSubs, id)
	return nil
}

func testStreamID(t *testing.T, prefix byte) shared.StreamID {
	t.Helper()
	raw := bytes.Repeat([]byte{0x42}, shared.StreamIDLength)
	raw[0] = prefix
	id, err := shared.StreamIDFromBytes(raw)
	assert.Equal(t, err, nil)
	return id
}

func notifiedUsers(notifications []*Notification) []string {
	users := make([]string, 0, len(notifications))
	for _, n := range notifications {
		users = append(users, n.UserID)
	}
	sort.Strings(users)
	return users
}

func channelEvent(channelID shared.StreamID, sender string) MessageEvent {
	return MessageEvent{
		StreamID: channelID,
		Kind:     shared.StreamKindChannel,
		SenderID: sender,
		// Realistic hash bytes; the engine treats them as opaque.
		EventHash: bytes.Repeat([]byte{0x07}, 32),
		SessionID: "session-1",
	}
}

func TestChannelMentionsNotifyTaggedMembers(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1", "0xuser2", "0xuser3"}
	store.tags[channelID] = []storage.NotificationTag{
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagMention},
		{ChannelID: channelID, UserID: "0xuser2", Tag: storage.TagMention},
		{ChannelID: channelID, UserID: "0xuser3", Tag: storage.TagMention},
	}

	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)
	assert.Equal(t, notifiedUsers(notifications), []string{"0xuser1", "0xuser2", "0xuser3"})
	for _, n := range notifications {
		assert.Equal(t, n.Kind, KindMention)
	}
}

func TestChannelMuteExcludesTaggedUser(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1", "0xuser2"}
	store.muted["0xuser1"] = true
	store.tags[channelID] = []storage.NotificationTag{
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagMention},
		{ChannelID: channelID, UserID: "0xuser2", Tag: storage.TagMention},
	}

	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)
	assert.Equal(t, notifiedUsers(notifications), []string{"0xuser2"})
}

func TestUntaggedChannelMembersNotNotified(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1", "0xuser2"}

	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(notifications), 0)
}

func TestDirectMessageNotifiesMembership(t *testing.T) {
	dmID := testStreamID(t, shared.StreamTypeDM)
	store := newFakeStore()
	store.members[dmID] = []string{"0xuser1", "0xuser2"}

	event := MessageEvent{
		StreamID: dmID,
		Kind:     shared.StreamKindDM,
		SenderID: "0xuser1",
	}
	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), event)
	assert.Equal(t, err, nil)
	assert.Equal(t, notifiedUsers(notifications), []string{"0xuser2"})
	assert.Equal(t, notifications[0].Kind, KindDirectMessage)
}

func TestReactionOutranksMention(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1"}
	store.tags[channelID] = []storage.NotificationTag{
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagMention},
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagReaction},
	}

	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(notifications), 1)
	assert.Equal(t, notifications[0].Kind, KindReaction)
}

func TestAtChannelExpandsToAllMembers(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1", "0xuser2"}
	store.tags[channelID] = []storage.NotificationTag{
		{ChannelID: channelID, UserID: shared.AtChannelUserID, Tag: storage.TagAtChannel},
	}

	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)
	assert.Equal(t, notifiedUsers(notifications), []string{"0xuser1", "0xuser2"})
	for _, n := range notifications {
		assert.Equal(t, n.Kind, KindAtChannel)
	}
}

func TestGlobalMechanismMutes(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1"}
	store.settings["0xuser1"] = storage.UserSettings{UserID: "0xuser1", MentionMuted: true}
	store.tags[channelID] = []storage.NotificationTag{
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagMention},
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagReplyTo, ThreadID: "thread-1"},
	}

	// Mention muted: the reply-to mechanism still goes through.
	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(notifications), 1)
	assert.Equal(t, notifications[0].Kind, KindReplyTo)
	assert.Equal(t, notifications[0].ThreadID, "thread-1")
}

func TestDirectMessageMuteSuppresses(t *testing.T) {
	dmID := testStreamID(t, shared.StreamTypeDM)
	store := newFakeStore()
	store.members[dmID] = []string{"0xuser1", "0xuser2"}
	store.settings["0xuser2"] = storage.UserSettings{UserID: "0xuser2", DirectMessageMuted: true}

	event := MessageEvent{StreamID: dmID, Kind: shared.StreamKindDM, SenderID: "0xuser1"}
	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), event)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(notifications), 0)
}

func TestBlockedSenderSuppressed(t *testing.T) {
	dmID := testStreamID(t, shared.StreamTypeDM)
	store := newFakeStore()
	store.members[dmID] = []string{"0xuser1", "0xuser2"}
	store.settings["0xuser2"] = storage.UserSettings{
		UserID:       "0xuser2",
		BlockedUsers: []string{"0xuser1"},
	}

	event := MessageEvent{StreamID: dmID, Kind: shared.StreamKindDM, SenderID: "0xuser1"}
	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), event)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(notifications), 0)
}

func TestExplicitRecipientsReplaceMembership(t *testing.T) {
	dmID := testStreamID(t, shared.StreamTypeDM)
	store := newFakeStore()
	store.members[dmID] = []string{"0xuser1", "0xuser2"}

	event := MessageEvent{
		StreamID:   dmID,
		Kind:       shared.StreamKindDM,
		SenderID:   "0xsender",
		Recipients: []string{"0xuser3"},
	}
	engine := NewEngine(store)
	notifications, err := engine.GetUsersToNotify(context.Background(), event)
	assert.Equal(t, err, nil)
	assert.Equal(t, notifiedUsers(notifications), []string{"0xuser3"})
}

func TestHandleMessageConsumesTags(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.members[channelID] = []string{"0xsender", "0xuser1"}
	store.tags[channelID] = []storage.NotificationTag{
		{ChannelID: channelID, UserID: "0xuser1", Tag: storage.TagMention},
	}

	engine := NewEngine(store)
	err := engine.HandleChannelMessage(context.Background(), channelEvent(channelID, "0xsender"))
	assert.Equal(t, err, nil)

	store.mu.Lock()
	assert.Equal(t, store.deletedTags, []shared.StreamID{channelID})
	store.mu.Unlock()
}
