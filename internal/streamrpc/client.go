// Package streamrpc is the client side of the stream node's sync protocol.
// It speaks length-delimited binary frames over a WebSocket connection: one
// long-lived connection per sync session plus short-lived connections for
// one-shot stream fetches.
package streamrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// StreamRPC is the control surface the sync loop consumes.
type StreamRPC interface {
	// SyncStreams opens a sync session resuming at the given cookies. The
	// returned stream yields server push messages until closed or failed.
	SyncStreams(ctx context.Context, cookies []*protocol.SyncCookie) (SyncStream, error)
	AddStreamToSync(ctx context.Context, syncID string, cookie *protocol.SyncCookie) error
	RemoveStreamFromSync(ctx context.Context, syncID string, streamID shared.StreamID) error
	CancelSync(ctx context.Context, syncID string) error
	PingSync(ctx context.Context, syncID string, nonce string) error
	// GetStream fetches a single stream snapshot outside any sync session.
	GetStream(ctx context.Context, streamID shared.StreamID) (*protocol.StreamAndCookie, error)
}

// SyncStream is one open sync session.
type SyncStream interface {
	// Next blocks for the next server push message. It returns the session
	// error once the stream is broken or closed.
	Next(ctx context.Context) (*protocol.SyncStreamsResponse, error)
	Close() error
}

// Client implements StreamRPC against a single stream node.
type Client struct {
	nodeURL     string
	dialTimeout time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	sess *session
}

// NewClient builds a client from the node connection settings.
func NewClient(cfg config.RiverConfig) *Client {
	return &Client{
		nodeURL:     cfg.NodeURL,
		dialTimeout: cfg.DialTimeout,
		log:         logger.New("stream-rpc"),
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.nodeURL, nil)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeUnavailable,
			fmt.Sprintf("failed to dial stream node %s", c.nodeURL), err)
	}
	return conn, nil
}

// SyncStreams opens the sync session connection and starts its reader.
// Only one session is active at a time; opening a new one detaches the old.
func (c *Client) SyncStreams(ctx context.Context, cookies []*protocol.SyncCookie) (SyncStream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	sess := &session{
		conn: conn,
		msgs: make(chan *protocol.SyncStreamsResponse, 16),
		done: make(chan struct{}),
	}
	if err := sess.write(&protocol.ClientMessage{
		Sync: &protocol.SyncRequest{SyncPos: cookies},
	}); err != nil {
		conn.Close()
		return nil, err
	}
	go sess.readLoop()

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	c.log.Debug("sync session opened", zap.Int("streams", len(cookies)))
	return sess, nil
}

func (c *Client) activeSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "no active sync session")
	}
	return c.sess, nil
}

func (c *Client) AddStreamToSync(ctx context.Context, syncID string, cookie *protocol.SyncCookie) error {
	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	return sess.write(&protocol.ClientMessage{
		AddStream: &protocol.AddStreamRequest{SyncID: syncID, SyncPos: cookie},
	})
}

func (c *Client) RemoveStreamFromSync(ctx context.Context, syncID string, streamID shared.StreamID) error {
	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	raw, err := streamID.Bytes()
	if err != nil {
		return err
	}
	return sess.write(&protocol.ClientMessage{
		RemoveStream: &protocol.RemoveStreamRequest{SyncID: syncID, StreamID: raw},
	})
}

func (c *Client) CancelSync(ctx context.Context, syncID string) error {
	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	return sess.write(&protocol.ClientMessage{
		CancelSync: &protocol.CancelSyncRequest{SyncID: syncID},
	})
}

func (c *Client) PingSync(ctx context.Context, syncID string, nonce string) error {
	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	return sess.write(&protocol.ClientMessage{
		Ping: &protocol.PingRequest{SyncID: syncID, Nonce: nonce},
	})
}

// GetStream uses a dedicated short-lived connection so one-shot fetches
// never interleave with sync session frames.
func (c *Client) GetStream(ctx context.Context, streamID shared.StreamID) (*protocol.StreamAndCookie, error) {
	raw, err := streamID.Bytes()
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	req := protocol.MarshalClientMessage(&protocol.ClientMessage{
		GetStream: &protocol.GetStreamRequest{StreamID: raw},
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, req); err != nil {
		return nil, protocol.WrapError(protocol.CodeUnavailable, "failed to send get stream request", err)
	}

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeUnavailable, "failed to read get stream response", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, protocol.NewError(protocol.CodeDecode, "unexpected message type from stream node")
	}
	msg, err := protocol.UnmarshalServerMessage(data)
	if err != nil {
		return nil, err
	}
	switch {
	case msg.Error != nil:
		return nil, protocol.NewError(msg.Error.Code, msg.Error.Msg)
	case msg.GetStream == nil || msg.GetStream.Stream == nil:
		return nil, protocol.Errorf(protocol.CodeNotFound, "stream %s not found", streamID)
	}
	return msg.GetStream.Stream, nil
}

/* ------------------------------------------------------------------ *
|  Sync session                                                       |
* -------------------------------------------------------------------*/

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	msgs chan *protocol.SyncStreamsResponse

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *session) write(msg *protocol.ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, protocol.MarshalClientMessage(msg)); err != nil {
		return protocol.WrapError(protocol.CodeUnavailable, "failed to send control message", err)
	}
	return nil
}

// readLoop pumps server frames into the message channel until the
// connection breaks or the server sends an in-band error.
func (s *session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(protocol.WrapError(protocol.CodeUnavailable, "sync connection lost", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.UnmarshalServerMessage(data)
		if err != nil {
			s.fail(err)
			return
		}
		if msg.Error != nil {
			s.fail(protocol.NewError(msg.Error.Code, msg.Error.Msg))
			return
		}
		if msg.Sync == nil {
			continue
		}
		select {
		case s.msgs <- msg.Sync:
		case <-s.done:
			return
		}
	}
}

func (s *session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) sessionErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return s.err
	}
	return protocol.NewError(protocol.CodeUnavailable, "sync session closed")
}

func (s *session) Next(ctx context.Context) (*protocol.SyncStreamsResponse, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		// Drain messages already queued before the failure.
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
		}
		return nil, s.sessionErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}
