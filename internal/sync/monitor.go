package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/constants"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/streamrpc"
	"github.com/towns-protocol/towns-sub009/internal/workers"
)

// errNoStreamMembers marks a fetched stream whose inception and membership
// events yielded nobody to notify. Such streams are not worth syncing.
var errNoStreamMembers = errors.New("stream has no discoverable members")

// MonitorStore is the persistence surface the reconciliation monitor uses.
type MonitorStore interface {
	ListUnsyncedChannelIDs(ctx context.Context) ([]shared.StreamID, error)
	ListStaleChannelIDs(ctx context.Context) ([]shared.StreamID, error)
	DeleteChannelSettings(ctx context.Context, channelID shared.StreamID) error
	ReplaceMembers(ctx context.Context, streamID shared.StreamID, userIDs []string) error
	SetStreamParent(ctx context.Context, streamID, parentID shared.StreamID) error
	EnsureChannelSettings(ctx context.Context, channelID shared.StreamID, userIDs []string) error
}

// Monitor periodically reconciles the synced stream set with the settings
// tables: channels users have settings for get backfilled into sync, and
// channels nobody cares about anymore get pruned.
type Monitor struct {
	rpc      streamrpc.StreamRPC
	store    MonitorStore
	syncer   *Syncer
	verifier protocol.EventVerifier
	pool     *workers.Pool
	interval time.Duration
	log      *zap.Logger

	mu gosync.Mutex
	// Ring of stream ids that recently failed backfill; they are skipped
	// until they age out so one bad stream cannot dominate every pass.
	failedOrder []shared.StreamID
	failedSet   map[shared.StreamID]bool
	// Ring of stream ids recently handed in through AddNewStreams, so the
	// same id arriving in a burst is only fetched once.
	seenOrder []shared.StreamID
	seenSet   map[shared.StreamID]bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval overrides the reconciliation interval.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithMonitorVerifier overrides the event verification policy for backfill.
func WithMonitorVerifier(v protocol.EventVerifier) MonitorOption {
	return func(m *Monitor) { m.verifier = v }
}

// NewMonitor builds a reconciliation monitor bound to a syncer.
func NewMonitor(rpc streamrpc.StreamRPC, store MonitorStore, syncer *Syncer, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		rpc:       rpc,
		store:     store,
		syncer:    syncer,
		verifier:  protocol.NopVerifier{},
		pool:      workers.NewPool(4, 64),
		interval:  constants.MonitorRefreshInterval,
		log:       logger.New("sync-monitor"),
		failedSet: make(map[shared.StreamID]bool),
		seenSet:   make(map[shared.StreamID]bool),
	}
	for _, apply := range opts {
		apply(m)
	}
	return m
}

// Run reconciles once immediately, then on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.reconcile(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.pool.Stop()
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	m.backfill(ctx)
	m.prune(ctx)
}

// backfill pulls channels that have user settings but no sync registration
// and adds them, seeding membership from a one-shot stream fetch.
func (m *Monitor) backfill(ctx context.Context) {
	unsynced, err := m.store.ListUnsyncedChannelIDs(ctx)
	if err != nil {
		m.log.Error("failed to list unsynced channels", zap.Error(err))
		return
	}
	if len(unsynced) == 0 {
		return
	}
	m.log.Info("backfilling channels into sync", zap.Int("count", len(unsynced)))

	for _, streamID := range unsynced {
		if m.recentlyFailed(streamID) {
			continue
		}
		id := streamID
		m.pool.Submit(func() {
			if err := m.backfillStream(ctx, id); err != nil {
				m.log.Error("failed to backfill stream",
					zap.String("stream_id", id.String()),
					zap.Error(err))
				m.markFailed(id)
			}
		})
	}
	m.pool.Wait()
}

// AddNewStreams backfills streams discovered outside the periodic pass,
// typically DM or GDM ids first seen on the notify API. Each id is fetched
// at most once per ring window.
func (m *Monitor) AddNewStreams(ctx context.Context, streamIDs ...shared.StreamID) {
	for _, streamID := range streamIDs {
		if !m.markSeen(streamID) {
			continue
		}
		id := streamID
		// Intake runs on request paths, so a full backfill queue sheds the
		// id instead of blocking the caller.
		accepted := m.pool.TrySubmit(func() {
			if err := m.backfillStream(ctx, id); err != nil {
				m.log.Error("failed to add new stream",
					zap.String("stream_id", id.String()),
					zap.Error(err))
				m.markFailed(id)
			}
		})
		if !accepted {
			m.unmarkSeen(id)
			m.log.Warn("backfill queue full, deferring new stream",
				zap.String("stream_id", id.String()))
		}
	}
}

func (m *Monitor) backfillStream(ctx context.Context, streamID shared.StreamID) error {
	fetchCtx, cancel := context.WithTimeout(ctx, constants.GetStreamTimeout)
	defer cancel()

	sac, err := m.rpc.GetStream(fetchCtx, streamID)
	if err != nil {
		return err
	}
	parsed, err := protocol.ParseStreamAndCookie(sac, m.verifier)
	if err != nil {
		return err
	}

	if err := m.seedStream(ctx, streamID, parsed); err != nil {
		if errors.Is(err, errNoStreamMembers) {
			m.log.Warn("stream has no discoverable members, leaving untracked",
				zap.String("stream_id", streamID.String()))
			m.markFailed(streamID)
			return nil
		}
		return err
	}
	return m.syncer.AddStream(ctx, streamID, streamID.Kind())
}

// seedStream derives the initial membership and parent space from the
// fetched stream contents before the stream joins live sync.
func (m *Monitor) seedStream(ctx context.Context, streamID shared.StreamID, parsed *protocol.ParsedStreamAndCookie) error {
	memberSet := make(map[string]bool)
	var parentID shared.StreamID

	if parsed.Snapshot != nil {
		for _, addr := range parsed.Snapshot.JoinedAddresses {
			memberSet[shared.UserIDFromAddress(addr)] = true
		}
		if parsed.Snapshot.DMInception != nil {
			for _, userID := range appendDMParties(nil, parsed.Snapshot.DMInception) {
				memberSet[userID] = true
			}
		}
	}

	for _, ev := range parsed.Events {
		switch p := ev.Event.Payload.(type) {
		case *protocol.MemberPayload:
			if p.Membership == nil {
				continue
			}
			userID := shared.UserIDFromAddress(p.Membership.UserAddress)
			switch p.Membership.Op {
			case protocol.MembershipOpJoin:
				memberSet[userID] = true
			case protocol.MembershipOpLeave:
				delete(memberSet, userID)
			}
		case *protocol.ChannelPayload:
			if p.Inception != nil && len(p.Inception.SpaceID) > 0 {
				spaceID, err := shared.StreamIDFromBytes(p.Inception.SpaceID)
				if err == nil {
					parentID = spaceID
				}
			}
		case *protocol.DMChannelPayload:
			if p.Inception != nil {
				for _, userID := range appendDMParties(nil, p.Inception) {
					memberSet[userID] = true
				}
			}
		}
	}

	if len(memberSet) == 0 {
		return errNoStreamMembers
	}
	if parentID != "" {
		if err := m.store.SetStreamParent(ctx, streamID, parentID); err != nil {
			return err
		}
	}
	members := make([]string, 0, len(memberSet))
	for userID := range memberSet {
		members = append(members, userID)
	}
	if err := m.store.ReplaceMembers(ctx, streamID, members); err != nil {
		return err
	}
	if streamID.IsChannel() {
		return m.store.EnsureChannelSettings(ctx, streamID, members)
	}
	return nil
}

// prune drops synced channels that no user has settings for anymore.
func (m *Monitor) prune(ctx context.Context) {
	stale, err := m.store.ListStaleChannelIDs(ctx)
	if err != nil {
		m.log.Error("failed to list stale channels", zap.Error(err))
		return
	}
	for _, streamID := range stale {
		if err := m.syncer.RemoveStream(ctx, streamID); err != nil {
			m.log.Error("failed to prune stale channel",
				zap.String("stream_id", streamID.String()),
				zap.Error(err))
			continue
		}
		if err := m.store.DeleteChannelSettings(ctx, streamID); err != nil {
			m.log.Error("failed to drop settings for pruned channel",
				zap.String("stream_id", streamID.String()),
				zap.Error(err))
		}
		m.log.Info("pruned stale channel", zap.String("stream_id", streamID.String()))
	}
}

// markSeen records an id in the de-dup ring and reports whether it was new.
func (m *Monitor) markSeen(streamID shared.StreamID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenSet[streamID] {
		return false
	}
	m.seenSet[streamID] = true
	m.seenOrder = append(m.seenOrder, streamID)
	for len(m.seenOrder) > constants.UnprocessedStreamsMemory {
		oldest := m.seenOrder[0]
		m.seenOrder = m.seenOrder[1:]
		delete(m.seenSet, oldest)
	}
	return true
}

// unmarkSeen drops an id from the de-dup ring so a later intake retries it.
func (m *Monitor) unmarkSeen(streamID shared.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seenSet[streamID] {
		return
	}
	delete(m.seenSet, streamID)
	for i, id := range m.seenOrder {
		if id == streamID {
			m.seenOrder = append(m.seenOrder[:i], m.seenOrder[i+1:]...)
			break
		}
	}
}

func (m *Monitor) recentlyFailed(streamID shared.StreamID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedSet[streamID]
}

func (m *Monitor) markFailed(streamID shared.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failedSet[streamID] {
		return
	}
	m.failedSet[streamID] = true
	m.failedOrder = append(m.failedOrder, streamID)
	for len(m.failedOrder) > constants.UnprocessedStreamsMemory {
		oldest := m.failedOrder[0]
		m.failedOrder = m.failedOrder[1:]
		delete(m.failedSet, oldest)
	}
}
