// Package sync owns the stream sync lifecycle: one long-lived session
// against the stream node, a reconnect/retry state machine, ordered
// processing of pushed updates, and keepalive pings.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/constants"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
	"github.com/towns-protocol/towns-sub009/internal/streamrpc"
)

// State is the sync lifecycle state.
type State int32

const (
	StateNotSyncing State = iota
	StateStarting
	StateSyncing
	StateRetrying
	StateCanceling
)

func (s State) String() string {
	switch s {
	case StateNotSyncing:
		return "not_syncing"
	case StateStarting:
		return "starting"
	case StateSyncing:
		return "syncing"
	case StateRetrying:
		return "retrying"
	case StateCanceling:
		return "canceling"
	default:
		return "unknown"
	}
}

// stateTransitions is the set of legal state changes. Any transition not
// listed here fails fast and leaves the current state unchanged.
var stateTransitions = map[State][]State{
	StateNotSyncing: {StateStarting},
	StateStarting:   {StateSyncing, StateRetrying, StateCanceling},
	StateSyncing:    {StateCanceling, StateRetrying},
	StateRetrying:   {StateStarting, StateCanceling, StateSyncing, StateRetrying},
	StateCanceling:  {StateNotSyncing},
}

// Store is the persistence surface the sync loop consumes.
type Store interface {
	ListSyncedStreams(ctx context.Context) ([]storage.SyncedStream, error)
	CreateSyncedStream(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind) error
	DeleteSyncedStream(ctx context.Context, streamID shared.StreamID) error
	RecordCursor(ctx context.Context, streamID shared.StreamID, cookie *protocol.SyncCookie) error
	SetStreamParent(ctx context.Context, streamID, parentID shared.StreamID) error
	GetStreamParent(ctx context.Context, streamID shared.StreamID) (shared.StreamID, error)
	UpsertMember(ctx context.Context, streamID shared.StreamID, userID string) error
	RemoveMember(ctx context.Context, streamID shared.StreamID, userID string) error
	ReplaceMembers(ctx context.Context, streamID shared.StreamID, userIDs []string) error
	EnsureChannelSettings(ctx context.Context, channelID shared.StreamID, userIDs []string) error
	DeleteChannelSettingForUser(ctx context.Context, userID string, channelID shared.StreamID) error
	MarkEventSeen(eventHash []byte) bool
}

// Dispatcher receives decoded message events for eligibility and delivery.
type Dispatcher interface {
	HandleChannelMessage(ctx context.Context, event notify.MessageEvent) error
	HandleDirectMessage(ctx context.Context, event notify.MessageEvent) error
}

// Syncer drives one sync session at a time against the stream node and
// retries forever until stopped.
type Syncer struct {
	rpc          streamrpc.StreamRPC
	store        Store
	dispatcher   Dispatcher
	verifier     protocol.EventVerifier
	pingInterval time.Duration
	log          *zap.Logger

	mu          gosync.Mutex
	state       State
	syncID      string
	retryCount  int
	pending     []*protocol.SyncStreamsResponse
	tickRunning bool
	inSync      map[shared.StreamID]bool
	stream      streamrpc.SyncStream
	pingNonces  map[string]time.Time
	pingStarted bool
	stopping    bool
	stopCh      chan struct{}
	loopDone    chan struct{}

	procCtx    context.Context
	procCancel context.CancelFunc
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithVerifier overrides the event verification policy.
func WithVerifier(v protocol.EventVerifier) Option {
	return func(s *Syncer) { s.verifier = v }
}

// WithPingInterval overrides the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Syncer) { s.pingInterval = d }
}

// NewSyncer builds a syncer in the NotSyncing state.
func NewSyncer(rpc streamrpc.StreamRPC, store Store, dispatcher Dispatcher, opts ...Option) *Syncer {
	s := &Syncer{
		rpc:          rpc,
		store:        store,
		dispatcher:   dispatcher,
		verifier:     protocol.NopVerifier{},
		pingInterval: constants.KeepAlivePingInterval,
		log:          logger.New("sync"),
		state:        StateNotSyncing,
		pingNonces:   make(map[string]time.Time),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSyncing reports whether a live session is established.
func (s *Syncer) IsSyncing() bool {
	return s.State() == StateSyncing
}

// StateName returns the current state as a string for reporting surfaces.
func (s *Syncer) StateName() string {
	return s.State().String()
}

// transition moves the state machine, failing fast on an illegal move.
func (s *Syncer) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range stateTransitions[s.state] {
		if allowed != to {
			continue
		}
		s.log.Debug("sync state changed",
			zap.Stringer("from", s.state),
			zap.Stringer("to", to))
		s.state = to
		metrics.SyncState.Set(float64(to))
		return nil
	}
	return fmt.Errorf("illegal sync state transition %s -> %s", s.state, to)
}

// errNoStreamsYet signals that the persisted stream set is empty. The loop
// waits and re-checks instead of opening an empty session.
var errNoStreamsYet = errors.New("no streams to sync yet")

func (s *Syncer) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Run drives the sync loop until Stop is called or ctx is canceled. It
// retries forever on session failure with capped exponential backoff.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotSyncing {
		s.mu.Unlock()
		return fmt.Errorf("sync loop already running in state %s", s.state)
	}
	s.stopping = false
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	// Update processing survives session teardown so in-flight persistence
	// writes complete; it ends with the loop itself.
	s.procCtx, s.procCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.transition(StateStarting); err != nil {
		return err
	}
	defer close(s.loopDone)

	for {
		err := s.runSession(ctx)
		if s.isStopping() {
			return nil
		}
		if ctx.Err() != nil {
			s.teardownLocal()
			return ctx.Err()
		}
		if errors.Is(err, errNoStreamsYet) {
			continue
		}
		if err == nil {
			err = fmt.Errorf("sync session ended unexpectedly")
		}
		if protocol.IsCode(err, protocol.CodeBadSyncCookie) {
			metrics.ErrorsCount.WithLabelValues("bad_sync_cookie").Inc()
			s.log.Error("sync rejected a resume cookie", zap.Error(err))
		}
		if rerr := s.attemptRetry(ctx, err); rerr != nil {
			if s.isStopping() {
				return nil
			}
			s.teardownLocal()
			return rerr
		}
	}
}

// runSession opens one sync session and pumps its messages until the
// stream breaks, the server closes it, or the syncer is stopped.
func (s *Syncer) runSession(ctx context.Context) error {
	streams, err := s.store.ListSyncedStreams(ctx)
	if err != nil {
		return fmt.Errorf("failed to load synced streams: %w", err)
	}

	cookies := make([]*protocol.SyncCookie, 0, len(streams))
	inSync := make(map[shared.StreamID]bool, len(streams))
	for _, stored := range streams {
		cookie := stored.Cookie
		if cookie == nil {
			raw, err := stored.StreamID.Bytes()
			if err != nil {
				s.log.Warn("skipping stream with bad id", zap.String("stream_id", stored.StreamID.String()))
				continue
			}
			cookie = &protocol.SyncCookie{StreamID: raw}
		}
		cookies = append(cookies, cookie)
		inSync[stored.StreamID] = true
	}

	if len(cookies) == 0 {
		s.log.Debug("no streams to sync, waiting for discovery")
		timer := time.NewTimer(constants.NoStreamsRecheck)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
		case <-ctx.Done():
		}
		return errNoStreamsYet
	}

	stream, err := s.rpc.SyncStreams(ctx, cookies)
	if err != nil {
		return err
	}
	defer stream.Close()

	s.mu.Lock()
	s.stream = stream
	s.inSync = inSync
	s.pingStarted = false
	s.mu.Unlock()
	metrics.SyncedStreams.Set(float64(len(inSync)))

	pingStop := make(chan struct{})
	defer close(pingStop)

	s.log.Info("sync session opened", zap.Int("streams", len(cookies)))

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if s.isStopping() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.SyncUpdatesReceived.WithLabelValues(msg.SyncOp.String()).Inc()

		switch msg.SyncOp {
		case protocol.SyncOpNew:
			s.syncStarted(msg.SyncID, pingStop)
		case protocol.SyncOpUpdate:
			s.enqueue(msg)
		case protocol.SyncOpPong:
			s.pongReceived(msg.PongNonce)
		case protocol.SyncOpDown:
			s.streamDown(ctx, msg)
		case protocol.SyncOpClose:
			if s.isStopping() {
				return nil
			}
			// Unsolicited close: treat like a broken session and retry.
			return fmt.Errorf("sync session closed by server")
		default:
			s.log.Warn("unknown sync opcode", zap.Int32("op", int32(msg.SyncOp)))
		}
	}
}

// syncStarted handles SYNC_NEW: the session is live, the failure episode
// (if any) is over.
func (s *Syncer) syncStarted(syncID string, pingStop chan struct{}) {
	if err := s.transition(StateSyncing); err != nil {
		s.log.Warn("ignoring duplicate sync start", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.syncID = syncID
	s.retryCount = 0
	startPings := !s.pingStarted
	s.pingStarted = true
	s.mu.Unlock()

	s.log.Info("sync established", zap.String("sync_id", syncID))
	if startPings {
		go s.pingLoop(pingStop)
	}
}

// streamDown handles SYNC_DOWN for a single stream: the server dropped it
// from the session, so it is re-added at its stored cursor.
func (s *Syncer) streamDown(ctx context.Context, msg *protocol.SyncStreamsResponse) {
	if msg.Stream == nil || msg.Stream.NextSyncCookie == nil {
		s.log.Warn("stream down without cookie, dropping")
		return
	}
	cookie := msg.Stream.NextSyncCookie
	streamID, err := shared.StreamIDFromBytes(cookie.StreamID)
	if err != nil {
		s.log.Warn("stream down with bad stream id", zap.Error(err))
		return
	}
	s.log.Warn("stream went down, re-adding", zap.String("stream_id", streamID.String()))

	s.mu.Lock()
	syncID := s.syncID
	s.mu.Unlock()
	if syncID == "" {
		return
	}
	if err := s.rpc.AddStreamToSync(ctx, syncID, cookie); err != nil {
		s.log.Error("failed to re-add downed stream",
			zap.String("stream_id", streamID.String()),
			zap.Error(err))
	}
}

// attemptRetry transitions to Retrying and waits out the backoff. The wait
// aborts immediately when the syncer is stopped. Delay doubles per attempt
// and is capped; the attempt counter itself keeps growing.
func (s *Syncer) attemptRetry(ctx context.Context, cause error) error {
	if err := s.transition(StateRetrying); err != nil {
		return err
	}

	s.mu.Lock()
	s.retryCount++
	attempt := s.retryCount
	s.syncID = ""
	s.stream = nil
	s.mu.Unlock()
	metrics.SyncRetries.Inc()

	factor := attempt
	if factor > constants.MaxRetryDelayFactor {
		factor = constants.MaxRetryDelayFactor
	}
	delay := constants.RetryBaseDelay * (1 << factor)

	s.log.Info("retrying sync",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
		return fmt.Errorf("sync stopped during backoff")
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.transition(StateStarting)
}

// Stop cancels the sync session and blocks until the loop has exited or
// the grace period forces a local abort. It always ends in NotSyncing.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateNotSyncing || s.stopping {
		s.mu.Unlock()
		return nil
	}
	syncID := s.syncID
	stream := s.stream
	loopDone := s.loopDone
	s.stopping = true
	s.mu.Unlock()

	if err := s.transition(StateCanceling); err != nil {
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
		return err
	}
	close(s.stopCh)

	// Race the server-side cancel against the loop's own termination.
	if syncID != "" {
		cancelCtx, cancel := context.WithTimeout(context.Background(), constants.StopSyncGracePeriod)
		if err := s.rpc.CancelSync(cancelCtx, syncID); err != nil {
			s.log.Debug("cancel sync call failed", zap.Error(err))
		}
		cancel()
	}

	select {
	case <-loopDone:
	case <-time.After(constants.StopSyncGracePeriod):
		s.log.Warn("sync loop did not stop in time, forcing abort")
		if stream != nil {
			stream.Close()
		}
		select {
		case <-loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.waitForTick(ctx)
	s.procCancel()
	s.teardownLocal()
	return nil
}

// waitForTick lets the in-flight processing tick finish its current item.
func (s *Syncer) waitForTick(ctx context.Context) {
	deadline := time.Now().Add(constants.StopSyncGracePeriod)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		s.mu.Lock()
		running := s.tickRunning
		s.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// teardownLocal clears in-memory session state and lands in NotSyncing.
// Persisted stream rows are untouched.
func (s *Syncer) teardownLocal() {
	s.mu.Lock()
	s.pending = nil
	s.syncID = ""
	s.inSync = nil
	s.stream = nil
	s.retryCount = 0
	s.pingNonces = make(map[string]time.Time)
	s.mu.Unlock()
	metrics.SyncedStreams.Set(0)

	if s.State() != StateCanceling {
		_ = s.transition(StateCanceling)
	}
	if err := s.transition(StateNotSyncing); err != nil {
		s.log.Warn("teardown from unexpected state", zap.Error(err))
		s.mu.Lock()
		s.state = StateNotSyncing
		s.mu.Unlock()
		metrics.SyncState.Set(float64(StateNotSyncing))
	}
}

/* ------------------------------------------------------------------ *
|  Subscription-set mutation                                          |
* -------------------------------------------------------------------*/

// AddStream registers a stream and, when a session is live, adds it to the
// running sync immediately. Outside Syncing the registration alone is
// enough: the next session picks it up from the store. A bad-cookie
// rejection is re-raised to the caller.
func (s *Syncer) AddStream(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind) error {
	if err := s.store.CreateSyncedStream(ctx, streamID, kind); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateSyncing || s.inSync[streamID] {
		s.mu.Unlock()
		return nil
	}
	syncID := s.syncID
	s.inSync[streamID] = true
	streamCount := len(s.inSync)
	s.mu.Unlock()

	raw, err := streamID.Bytes()
	if err != nil {
		return err
	}
	if err := s.rpc.AddStreamToSync(ctx, syncID, &protocol.SyncCookie{StreamID: raw}); err != nil {
		if protocol.IsCode(err, protocol.CodeBadSyncCookie) {
			return err
		}
		s.log.Error("failed to add stream to live sync",
			zap.String("stream_id", streamID.String()),
			zap.Error(err))
		return err
	}
	metrics.SyncedStreams.Set(float64(streamCount))
	return nil
}

// RemoveStream unregisters a stream and drops it from the live session.
func (s *Syncer) RemoveStream(ctx context.Context, streamID shared.StreamID) error {
	if err := s.store.DeleteSyncedStream(ctx, streamID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateSyncing || !s.inSync[streamID] {
		s.mu.Unlock()
		return nil
	}
	syncID := s.syncID
	delete(s.inSync, streamID)
	streamCount := len(s.inSync)
	s.mu.Unlock()

	if err := s.rpc.RemoveStreamFromSync(ctx, syncID, streamID); err != nil {
		s.log.Error("failed to remove stream from live sync",
			zap.String("stream_id", streamID.String()),
			zap.Error(err))
		return err
	}
	metrics.SyncedStreams.Set(float64(streamCount))
	return nil
}

/* ------------------------------------------------------------------ *
|  Response queue                                                     |
* -------------------------------------------------------------------*/

// enqueue accepts a SYNC_UPDATE for ordered processing. Messages carrying
// a stale sync id are discarded: they belong to a session that no longer
// exists.
func (s *Syncer) enqueue(msg *protocol.SyncStreamsResponse) {
	s.mu.Lock()
	if msg.SyncID != s.syncID || s.syncID == "" {
		s.mu.Unlock()
		metrics.SyncUpdatesDiscarded.Inc()
		s.log.Debug("discarding update for stale sync id", zap.String("sync_id", msg.SyncID))
		return
	}
	s.pending = append(s.pending, msg)
	start := !s.tickRunning
	if start {
		s.tickRunning = true
	}
	s.mu.Unlock()

	if start {
		go s.tick()
	}
}

// tick drains the pending queue one message at a time. At most one tick
// runs at any moment, which guarantees ordered cursor advancement.
func (s *Syncer) tick() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.stopping {
			s.tickRunning = false
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		ctx := s.procCtx
		s.mu.Unlock()

		if err := s.processUpdate(ctx, msg); err != nil {
			s.log.Error("failed to process sync update", zap.Error(err))
		}
	}
}

/* ------------------------------------------------------------------ *
|  Keepalive pings                                                    |
* -------------------------------------------------------------------*/

func (s *Syncer) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		syncID := s.syncID
		nonce := uuid.NewString()
		if syncID != "" {
			s.pingNonces[nonce] = time.Now()
		}
		s.mu.Unlock()
		if syncID == "" {
			continue
		}

		if err := s.rpc.PingSync(context.Background(), syncID, nonce); err != nil {
			s.log.Warn("keepalive ping failed, interrupting sync", zap.Error(err))
			s.interruptSession()
			return
		}
	}
}

// interruptSession force-closes the live stream. The session loop sees the
// close as a transport error and enters the retry path.
func (s *Syncer) interruptSession() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

func (s *Syncer) pongReceived(nonce string) {
	s.mu.Lock()
	sent, ok := s.pingNonces[nonce]
	if ok {
		delete(s.pingNonces, nonce)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("pong with unknown nonce", zap.String("nonce", nonce))
		return
	}
	rtt := time.Since(sent)
	metrics.PingRoundTrip.Observe(rtt.Seconds())
	s.log.Debug("keepalive pong", zap.Duration("rtt", rtt))
}
