package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

type recordingTransport struct {
	pushType storage.PushType
	result   SendResult

	mu    sync.Mutex
	sends []storage.PushSubscription
}

func (r *recordingTransport) Type() storage.PushType { return r.pushType }

func (r *recordingTransport) Send(ctx context.Context, sub storage.PushSubscription, n *Notification) SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sub)
	return r.result
}

func (r *recordingTransport) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func TestDispatchFansOutToAllSubscriptions(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.subs["0xuser1"] = []storage.PushSubscription{
		{ID: uuid.New(), UserID: "0xuser1", PushType: storage.PushTypeWebPush},
		{ID: uuid.New(), UserID: "0xuser1", PushType: storage.PushTypeWebPush},
	}
	store.subs["0xuser2"] = []storage.PushSubscription{
		{ID: uuid.New(), UserID: "0xuser2", PushType: storage.PushTypeWebPush},
	}

	transport := &recordingTransport{pushType: storage.PushTypeWebPush, result: SendResult{Status: SendSuccess}}
	engine := NewEngine(store, transport)

	engine.Dispatch(context.Background(), []*Notification{
		{UserID: "0xuser1", Kind: KindMention, ChannelID: channelID},
		{UserID: "0xuser2", Kind: KindMention, ChannelID: channelID},
	})

	assert.Equal(t, transport.sendCount(), 3)
	assert.Equal(t, len(store.deletedSubs), 0)
}

func TestDispatchSkipsUnknownTransport(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.subs["0xuser1"] = []storage.PushSubscription{
		{ID: uuid.New(), UserID: "0xuser1", PushType: storage.PushTypeAPNS},
	}

	transport := &recordingTransport{pushType: storage.PushTypeWebPush, result: SendResult{Status: SendSuccess}}
	engine := NewEngine(store, transport)

	engine.Dispatch(context.Background(), []*Notification{
		{UserID: "0xuser1", Kind: KindMention, ChannelID: channelID},
	})
	assert.Equal(t, transport.sendCount(), 0)
}

func TestDispatchDeletesDeadSubscriptions(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	deadID := uuid.New()
	store := newFakeStore()
	store.subs["0xuser1"] = []storage.PushSubscription{
		{ID: deadID, UserID: "0xuser1", PushType: storage.PushTypeWebPush},
	}

	transport := &recordingTransport{
		pushType: storage.PushTypeWebPush,
		result:   SendResult{Status: SendNotSubscribed, Message: "endpoint gone"},
	}
	engine := NewEngine(store, transport)

	engine.Dispatch(context.Background(), []*Notification{
		{UserID: "0xuser1", Kind: KindMention, ChannelID: channelID},
	})

	store.mu.Lock()
	assert.Equal(t, store.deletedSubs, []uuid.UUID{deadID})
	store.mu.Unlock()
}

func TestDispatchTransientErrorKeepsSubscription(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	store := newFakeStore()
	store.subs["0xuser1"] = []storage.PushSubscription{
		{ID: uuid.New(), UserID: "0xuser1", PushType: storage.PushTypeWebPush},
	}

	transport := &recordingTransport{
		pushType: storage.PushTypeWebPush,
		result:   SendResult{Status: SendError, Message: "503 from push service"},
	}
	engine := NewEngine(store, transport)

	engine.Dispatch(context.Background(), []*Notification{
		{UserID: "0xuser1", Kind: KindMention, ChannelID: channelID},
	})

	store.mu.Lock()
	assert.Equal(t, len(store.deletedSubs), 0)
	store.mu.Unlock()
}
