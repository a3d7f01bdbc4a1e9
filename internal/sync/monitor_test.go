package sync

import (
	"bytes"
	"context"
	"errors"
	gosync "sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/shared"
)

type fakeMonitorStore struct {
	mu       gosync.Mutex
	unsynced []shared.StreamID
	stale    []shared.StreamID
	members  map[shared.StreamID][]string
	parents  map[shared.StreamID]shared.StreamID
	settings map[shared.StreamID][]string
	dropped  []shared.StreamID
}

func newFakeMonitorStore() *fakeMonitorStore {
	return &fakeMonitorStore{
		members:  make(map[shared.StreamID][]string),
		parents:  make(map[shared.StreamID]shared.StreamID),
		settings: make(map[shared.StreamID][]string),
	}
}

func (f *fakeMonitorStore) ListUnsyncedChannelIDs(ctx context.Context) ([]shared.StreamID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsynced, nil
}

func (f *fakeMonitorStore) ListStaleChannelIDs(ctx context.Context) ([]shared.StreamID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeMonitorStore) DeleteChannelSettings(ctx context.Context, channelID shared.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, channelID)
	return nil
}

func (f *fakeMonitorStore) ReplaceMembers(ctx context.Context, streamID shared.StreamID, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[streamID] = userIDs
	return nil
}

func (f *fakeMonitorStore) SetStreamParent(ctx context.Context, streamID, parentID shared.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents[streamID] = parentID
	return nil
}

func (f *fakeMonitorStore) EnsureChannelSettings(ctx context.Context, channelID shared.StreamID, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[channelID] = userIDs
	return nil
}

func backfillStreamContents(t *testing.T, channelID, spaceID shared.StreamID, memberAddr []byte) *protocol.StreamAndCookie {
	t.Helper()
	raw, err := channelID.Bytes()
	assert.Equal(t, err, nil)
	rawSpace, err := spaceID.Bytes()
	assert.Equal(t, err, nil)

	inception := &protocol.StreamEvent{
		CreatorAddress: memberAddr,
		Payload: &protocol.ChannelPayload{
			Inception: &protocol.ChannelInception{StreamID: raw, SpaceID: rawSpace},
		},
	}
	join := &protocol.StreamEvent{
		CreatorAddress: memberAddr,
		Payload: &protocol.MemberPayload{
			Membership: &protocol.Membership{
				Op:          protocol.MembershipOpJoin,
				UserAddress: memberAddr,
			},
		},
	}
	return &protocol.StreamAndCookie{
		Events: []*protocol.Envelope{
			{Event: protocol.MarshalStreamEvent(inception), Hash: bytes.Repeat([]byte{0x01}, 32)},
			{Event: protocol.MarshalStreamEvent(join), Hash: bytes.Repeat([]byte{0x02}, 32)},
		},
		NextSyncCookie: &protocol.SyncCookie{StreamID: raw, MinipoolGen: 1},
	}
}

func TestMonitorBackfill(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	spaceID := testStreamID(t, shared.StreamTypeSpace)
	memberAddr := bytes.Repeat([]byte{0xcc}, shared.AddressLength)
	memberID := shared.UserIDFromAddress(memberAddr)

	rpc := &fakeRPC{
		fetch: func(id shared.StreamID) (*protocol.StreamAndCookie, error) {
			assert.Equal(t, id, channelID)
			return backfillStreamContents(t, channelID, spaceID, memberAddr), nil
		},
	}
	monStore := newFakeMonitorStore()
	monStore.unsynced = []shared.StreamID{channelID}

	syncStore := newFakeSyncStore()
	syncer := NewSyncer(rpc, syncStore, &fakeDispatcher{})
	m := NewMonitor(rpc, monStore, syncer)

	m.reconcile(context.Background())

	monStore.mu.Lock()
	assert.Equal(t, monStore.members[channelID], []string{memberID})
	assert.Equal(t, monStore.settings[channelID], []string{memberID})
	assert.Equal(t, monStore.parents[channelID], spaceID)
	monStore.mu.Unlock()

	// The stream is registered for the next sync session.
	syncStore.mu.Lock()
	assert.Equal(t, syncStore.streams[channelID], shared.StreamKindChannel)
	syncStore.mu.Unlock()
}

func TestMonitorPrune(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)

	rpc := &fakeRPC{}
	monStore := newFakeMonitorStore()
	monStore.stale = []shared.StreamID{channelID}

	syncStore := newFakeSyncStore()
	syncStore.streams[channelID] = shared.StreamKindChannel
	syncer := NewSyncer(rpc, syncStore, &fakeDispatcher{})
	m := NewMonitor(rpc, monStore, syncer)

	m.reconcile(context.Background())

	syncStore.mu.Lock()
	_, registered := syncStore.streams[channelID]
	syncStore.mu.Unlock()
	assert.Equal(t, registered, false)

	monStore.mu.Lock()
	assert.Equal(t, monStore.dropped, []shared.StreamID{channelID})
	monStore.mu.Unlock()
}

func TestMonitorAddNewStreamsDeduplicates(t *testing.T) {
	dmID := testStreamID(t, shared.StreamTypeDM)
	first := bytes.Repeat([]byte{0xaa}, shared.AddressLength)
	second := bytes.Repeat([]byte{0xbb}, shared.AddressLength)

	var fetchCalls int
	var mu gosync.Mutex
	rpc := &fakeRPC{
		fetch: func(id shared.StreamID) (*protocol.StreamAndCookie, error) {
			mu.Lock()
			fetchCalls++
			mu.Unlock()
			raw, err := dmID.Bytes()
			assert.Equal(t, err, nil)
			inception := &protocol.StreamEvent{
				CreatorAddress: first,
				Payload: &protocol.DMChannelPayload{
					Inception: &protocol.DMChannelInception{
						StreamID:           raw,
						FirstPartyAddress:  first,
						SecondPartyAddress: second,
					},
				},
			}
			return &protocol.StreamAndCookie{
				Events: []*protocol.Envelope{
					{Event: protocol.MarshalStreamEvent(inception), Hash: bytes.Repeat([]byte{0x03}, 32)},
				},
				NextSyncCookie: &protocol.SyncCookie{StreamID: raw, MinipoolGen: 1},
			}, nil
		},
	}
	monStore := newFakeMonitorStore()
	syncStore := newFakeSyncStore()
	syncer := NewSyncer(rpc, syncStore, &fakeDispatcher{})
	m := NewMonitor(rpc, monStore, syncer)

	m.AddNewStreams(context.Background(), dmID)
	m.AddNewStreams(context.Background(), dmID)
	m.pool.Wait()

	mu.Lock()
	assert.Equal(t, fetchCalls, 1)
	mu.Unlock()

	monStore.mu.Lock()
	assert.Equal(t, len(monStore.members[dmID]), 2)
	monStore.mu.Unlock()

	syncStore.mu.Lock()
	assert.Equal(t, syncStore.streams[dmID], shared.StreamKindDM)
	syncStore.mu.Unlock()
}

func TestMonitorLeavesMemberlessStreamUntracked(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)
	raw, err := channelID.Bytes()
	assert.Equal(t, err, nil)

	var fetchCalls int
	var mu gosync.Mutex
	rpc := &fakeRPC{
		fetch: func(id shared.StreamID) (*protocol.StreamAndCookie, error) {
			mu.Lock()
			fetchCalls++
			mu.Unlock()
			// A lone message event: no inception, no membership.
			return &protocol.StreamAndCookie{
				Events:         []*protocol.Envelope{messageEnvelope(t, 0x07)},
				NextSyncCookie: &protocol.SyncCookie{StreamID: raw, MinipoolGen: 1},
			}, nil
		},
	}
	monStore := newFakeMonitorStore()
	monStore.unsynced = []shared.StreamID{channelID}

	syncStore := newFakeSyncStore()
	syncer := NewSyncer(rpc, syncStore, &fakeDispatcher{})
	m := NewMonitor(rpc, monStore, syncer)

	m.reconcile(context.Background())

	syncStore.mu.Lock()
	_, registered := syncStore.streams[channelID]
	syncStore.mu.Unlock()
	assert.Equal(t, registered, false)

	monStore.mu.Lock()
	_, seeded := monStore.members[channelID]
	monStore.mu.Unlock()
	assert.Equal(t, seeded, false)

	// The stream lands in the failed ring and is not refetched next pass.
	m.reconcile(context.Background())
	mu.Lock()
	assert.Equal(t, fetchCalls, 1)
	mu.Unlock()
}

func TestMonitorSkipsRecentlyFailed(t *testing.T) {
	channelID := testStreamID(t, shared.StreamTypeChannel)

	var fetchCalls int
	var mu gosync.Mutex
	rpc := &fakeRPC{
		fetch: func(id shared.StreamID) (*protocol.StreamAndCookie, error) {
			mu.Lock()
			fetchCalls++
			mu.Unlock()
			return nil, errors.New("node unavailable")
		},
	}
	monStore := newFakeMonitorStore()
	monStore.unsynced = []shared.StreamID{channelID}

	syncer := NewSyncer(rpc, newFakeSyncStore(), &fakeDispatcher{})
	m := NewMonitor(rpc, monStore, syncer)

	m.reconcile(context.Background())
	m.reconcile(context.Background())

	mu.Lock()
	assert.Equal(t, fetchCalls, 1)
	mu.Unlock()
}
