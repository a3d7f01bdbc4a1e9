package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/towns-protocol/towns-sub009/internal/health"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

/* ------------------------------------------------------------------ *
|  Fakes                                                              |
* -------------------------------------------------------------------*/

type fakeWebStore struct {
	mu            sync.Mutex
	settings      []storage.UserSettings
	deletedUsers  []string
	channelMutes  map[string]bool
	spaceMutes    map[string]bool
	subscriptions []storage.PushSubscription
	removedSubs   []string
	tags          []storage.NotificationTag
	parents       map[shared.StreamID]shared.StreamID
}

func newFakeWebStore() *fakeWebStore {
	return &fakeWebStore{
		channelMutes: make(map[string]bool),
		spaceMutes:   make(map[string]bool),
		parents:      make(map[shared.StreamID]shared.StreamID),
	}
}

func (f *fakeWebStore) UpsertUserSettings(ctx context.Context, s storage.UserSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, s)
	return nil
}

func (f *fakeWebStore) DeleteUserSettings(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedUsers = append(f.deletedUsers, userID)
	return nil
}

func (f *fakeWebStore) SetChannelMute(ctx context.Context, userID string, channelID shared.StreamID, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelMutes[userID+":"+channelID.String()] = muted
	return nil
}

func (f *fakeWebStore) SetSpaceMute(ctx context.Context, userID string, spaceID shared.StreamID, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaceMutes[userID+":"+spaceID.String()] = muted
	return nil
}

func (f *fakeWebStore) AddSubscription(ctx context.Context, sub storage.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, sub)
	return nil
}

func (f *fakeWebStore) RemoveSubscription(ctx context.Context, userID string, pushType storage.PushType, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedSubs = append(f.removedSubs, target)
	return nil
}

func (f *fakeWebStore) AddTags(ctx context.Context, tags []storage.NotificationTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tags...)
	return nil
}

func (f *fakeWebStore) GetStreamParent(ctx context.Context, streamID shared.StreamID) (shared.StreamID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent, ok := f.parents[streamID]
	if !ok {
		return "", errors.New("no parent")
	}
	return parent, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	channel []notify.MessageEvent
	direct  []notify.MessageEvent
	err     error
}

func (f *fakeNotifier) HandleChannelMessage(ctx context.Context, event notify.MessageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = append(f.channel, event)
	return f.err
}

func (f *fakeNotifier) HandleDirectMessage(ctx context.Context, event notify.MessageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, event)
	return f.err
}

type fakeRegistrar struct {
	mu  sync.Mutex
	ids []shared.StreamID
}

func (f *fakeRegistrar) AddNewStreams(ctx context.Context, streamIDs ...shared.StreamID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, streamIDs...)
}

type fakeHealthDB struct {
	pingErr error
	stats   storage.DatabaseStats
}

func (f *fakeHealthDB) Ping() error                  { return f.pingErr }
func (f *fakeHealthDB) Stats() storage.DatabaseStats { return f.stats }

type fakeHealthSyncer struct {
	syncing bool
	state   string
}

func (f *fakeHealthSyncer) IsSyncing() bool   { return f.syncing }
func (f *fakeHealthSyncer) StateName() string { return f.state }

/* ------------------------------------------------------------------ *
|  Helpers                                                            |
* -------------------------------------------------------------------*/

func testHexStreamID(t *testing.T, prefix string) string {
	t.Helper()
	return prefix + strings.Repeat("ab", 31)
}

func newTestHandler(store *fakeWebStore, notifier *fakeNotifier, registrar *fakeRegistrar) *Handler {
	db := &fakeHealthDB{stats: storage.DatabaseStats{MaxOpenConnections: 25}}
	syncer := &fakeHealthSyncer{syncing: true, state: "syncing"}
	checker := health.NewChecker(db, syncer, "test")
	return NewHandler(store, notifier, registrar, checker)
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	assert.Equal(t, err, nil)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

/* ------------------------------------------------------------------ *
|  Tests                                                              |
* -------------------------------------------------------------------*/

func TestNotifyUsersRejectsBadRequests(t *testing.T) {
	store := newFakeWebStore()
	notifier := &fakeNotifier{}
	h := newTestHandler(store, notifier, &fakeRegistrar{})

	// Missing recipients.
	rec := postJSON(t, h.HandleNotifyUsers, "/notify-users", map[string]interface{}{
		"channel_id": testHexStreamID(t, "20"),
		"sender_id":  "user-1",
	})
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	// Malformed stream id.
	rec = postJSON(t, h.HandleNotifyUsers, "/notify-users", map[string]interface{}{
		"channel_id": "not-a-stream",
		"sender_id":  "user-1",
		"recipients": []string{"user-2"},
	})
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	// Valid hex but no recognized stream kind prefix.
	rec = postJSON(t, h.HandleNotifyUsers, "/notify-users", map[string]interface{}{
		"channel_id": testHexStreamID(t, "ff"),
		"sender_id":  "user-1",
		"recipients": []string{"user-2"},
	})
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	notifier.mu.Lock()
	assert.Equal(t, len(notifier.channel)+len(notifier.direct), 0)
	notifier.mu.Unlock()
}

func TestNotifyUsersDispatchesChannelMessage(t *testing.T) {
	channelID := shared.StreamID(testHexStreamID(t, "20"))
	spaceID := shared.StreamID(testHexStreamID(t, "10"))

	store := newFakeWebStore()
	store.parents[channelID] = spaceID
	notifier := &fakeNotifier{}
	h := newTestHandler(store, notifier, &fakeRegistrar{})

	rec := postJSON(t, h.HandleNotifyUsers, "/notify-users", map[string]interface{}{
		"channel_id": channelID.String(),
		"sender_id":  "user-1",
		"recipients": []string{"user-2", "user-3"},
		"session_id": "session-9",
		"ciphertext": "aGVsbG8=",
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	notifier.mu.Lock()
	assert.Equal(t, len(notifier.channel), 1)
	event := notifier.channel[0]
	notifier.mu.Unlock()
	assert.Equal(t, event.StreamID, channelID)
	assert.Equal(t, event.SpaceID, spaceID)
	assert.Equal(t, event.SenderID, "user-1")
	assert.Equal(t, event.Recipients, []string{"user-2", "user-3"})
	assert.Equal(t, event.Ciphertext, []byte("hello"))
}

func TestNotifyUsersHandsDMToRegistrar(t *testing.T) {
	dmID := shared.StreamID(testHexStreamID(t, "88"))

	store := newFakeWebStore()
	notifier := &fakeNotifier{}
	registrar := &fakeRegistrar{}
	h := newTestHandler(store, notifier, registrar)

	rec := postJSON(t, h.HandleNotifyUsers, "/notify-users", map[string]interface{}{
		"channel_id": dmID.String(),
		"sender_id":  "user-1",
		"recipients": []string{"user-2"},
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	notifier.mu.Lock()
	assert.Equal(t, len(notifier.direct), 1)
	notifier.mu.Unlock()

	registrar.mu.Lock()
	assert.Equal(t, registrar.ids, []shared.StreamID{dmID})
	registrar.mu.Unlock()
}

func TestNotifyUsersDispatchFailure(t *testing.T) {
	store := newFakeWebStore()
	notifier := &fakeNotifier{err: errors.New("transport down")}
	h := newTestHandler(store, notifier, &fakeRegistrar{})

	rec := postJSON(t, h.HandleNotifyUsers, "/notify-users", map[string]interface{}{
		"channel_id": testHexStreamID(t, "88"),
		"sender_id":  "user-1",
		"recipients": []string{"user-2"},
	})
	assert.Equal(t, rec.Code, http.StatusInternalServerError)
}

func TestAddSubscriptionValidation(t *testing.T) {
	store := newFakeWebStore()
	h := newTestHandler(store, &fakeNotifier{}, &fakeRegistrar{})

	// Web push without its keys is rejected.
	rec := postJSON(t, h.HandleAddSubscription, "/add-subscription", map[string]interface{}{
		"user_id":   "user-1",
		"push_type": "web_push",
		"endpoint":  "https://push.example.com/ep",
	})
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	// APNs only needs the device token.
	rec = postJSON(t, h.HandleAddSubscription, "/add-subscription", map[string]interface{}{
		"user_id":      "user-1",
		"push_type":    "apns",
		"device_token": "token-1",
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	store.mu.Lock()
	assert.Equal(t, len(store.subscriptions), 1)
	assert.Equal(t, store.subscriptions[0].PushType, storage.PushTypeAPNS)
	assert.Equal(t, store.subscriptions[0].DeviceToken, "token-1")
	store.mu.Unlock()
}

func TestAddTagsRecordsBatch(t *testing.T) {
	channelID := testHexStreamID(t, "20")

	store := newFakeWebStore()
	h := newTestHandler(store, &fakeNotifier{}, &fakeRegistrar{})

	rec := postJSON(t, h.HandleAddTags, "/tag", map[string]interface{}{
		"channel_id": channelID,
		"tags": []map[string]string{
			{"user_id": "user-2", "tag": "mention"},
			{"user_id": "user-3", "tag": "reply_to", "thread_id": "thread-1"},
		},
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	store.mu.Lock()
	assert.Equal(t, len(store.tags), 2)
	assert.Equal(t, store.tags[0].Tag, storage.TagMention)
	assert.Equal(t, store.tags[1].ThreadID, "thread-1")
	store.mu.Unlock()

	// Unknown tag kinds never reach the store.
	rec = postJSON(t, h.HandleAddTags, "/tag", map[string]interface{}{
		"channel_id": channelID,
		"tags":       []map[string]string{{"user_id": "user-2", "tag": "sparkle"}},
	})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestUpsertAndDeleteSettings(t *testing.T) {
	store := newFakeWebStore()
	h := newTestHandler(store, &fakeNotifier{}, &fakeRegistrar{})

	rec := postJSON(t, h.HandleUpsertSettings, "/notification-settings", map[string]interface{}{
		"user_id":       "user-1",
		"mention_muted": true,
		"blocked_users": []string{"user-9"},
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	store.mu.Lock()
	assert.Equal(t, len(store.settings), 1)
	assert.Equal(t, store.settings[0].MentionMuted, true)
	assert.Equal(t, store.settings[0].BlockedUsers, []string{"user-9"})
	store.mu.Unlock()

	req := httptest.NewRequest(http.MethodDelete, "/notification-settings?user_id=user-1", nil)
	del := httptest.NewRecorder()
	h.HandleDeleteSettings(del, req)
	assert.Equal(t, del.Code, http.StatusOK)

	store.mu.Lock()
	assert.Equal(t, store.deletedUsers, []string{"user-1"})
	store.mu.Unlock()

	// Missing user_id query parameter.
	req = httptest.NewRequest(http.MethodDelete, "/notification-settings", nil)
	del = httptest.NewRecorder()
	h.HandleDeleteSettings(del, req)
	assert.Equal(t, del.Code, http.StatusBadRequest)
}

func TestHealthEndpointComposition(t *testing.T) {
	store := newFakeWebStore()

	// Healthy database and live sync report 200.
	h := newTestHandler(store, &fakeNotifier{}, &fakeRegistrar{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)
	assert.Equal(t, rec.Code, http.StatusOK)

	// A database failure makes the composite unhealthy.
	db := &fakeHealthDB{pingErr: errors.New("connection refused")}
	checker := health.NewChecker(db, &fakeHealthSyncer{syncing: true, state: "syncing"}, "test")
	h = NewHandler(store, &fakeNotifier{}, &fakeRegistrar{}, checker)
	rec = httptest.NewRecorder()
	h.HandleHealth(rec, req)
	assert.Equal(t, rec.Code, http.StatusServiceUnavailable)

	var report health.Report
	assert.Equal(t, json.NewDecoder(rec.Body).Decode(&report), nil)
	assert.Equal(t, report.Status, health.StatusUnhealthy)

	// A reconnecting sync loop degrades the report but keeps it 200.
	checker = health.NewChecker(&fakeHealthDB{stats: storage.DatabaseStats{MaxOpenConnections: 25}},
		&fakeHealthSyncer{syncing: false, state: "retrying"}, "test")
	h = NewHandler(store, &fakeNotifier{}, &fakeRegistrar{}, checker)
	rec = httptest.NewRecorder()
	h.HandleHealth(rec, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, json.NewDecoder(rec.Body).Decode(&report), nil)
	assert.Equal(t, report.Status, health.StatusDegraded)
}
