package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// SyncRequest opens a new sync stream resuming at each supplied cookie.
type SyncRequest struct {
	SyncPos []*SyncCookie
}

// AddStreamRequest adds one stream to a running sync.
type AddStreamRequest struct {
	SyncID  string
	SyncPos *SyncCookie
}

// RemoveStreamRequest removes one stream from a running sync.
type RemoveStreamRequest struct {
	SyncID   string
	StreamID []byte
}

// CancelSyncRequest cancels a running sync server side.
type CancelSyncRequest struct {
	SyncID string
}

// PingRequest probes a running sync; the server echoes the nonce on a pong.
type PingRequest struct {
	SyncID string
	Nonce  string
}

// GetStreamRequest fetches a single stream snapshot outside any sync.
type GetStreamRequest struct {
	StreamID []byte
	Optional bool
}

// GetStreamResponse is the snapshot returned by GetStreamRequest.
type GetStreamResponse struct {
	Stream *StreamAndCookie
}

// ErrorResponse is the server's in-band error frame.
type ErrorResponse struct {
	Code Code
	Msg  string
}

// ClientMessage is the framed union of client-to-server requests.
type ClientMessage struct {
	Sync         *SyncRequest
	AddStream    *AddStreamRequest
	RemoveStream *RemoveStreamRequest
	CancelSync   *CancelSyncRequest
	Ping         *PingRequest
	GetStream    *GetStreamRequest
}

// ServerMessage is the framed union of server-to-client responses.
type ServerMessage struct {
	Sync      *SyncStreamsResponse
	Error     *ErrorResponse
	GetStream *GetStreamResponse
}

const (
	fSyncReqPos = 1

	fAddStreamSyncID = 1
	fAddStreamPos    = 2

	fRemoveStreamSyncID   = 1
	fRemoveStreamStreamID = 2

	fCancelSyncSyncID = 1

	fPingSyncID = 1
	fPingNonce  = 2

	fGetStreamStreamID = 1
	fGetStreamOptional = 2

	fGetStreamRespStream = 1

	fErrorRespCode = 1
	fErrorRespMsg  = 2

	fClientSync         = 1
	fClientAddStream    = 2
	fClientRemoveStream = 3
	fClientCancelSync   = 4
	fClientPing         = 5
	fClientGetStream    = 6

	fServerSync      = 1
	fServerError     = 2
	fServerGetStream = 3
)

func marshalSyncRequest(r *SyncRequest) []byte {
	var b []byte
	for _, c := range r.SyncPos {
		b = appendMessageField(b, fSyncReqPos, MarshalSyncCookie(c))
	}
	return b
}

func marshalAddStreamRequest(r *AddStreamRequest) []byte {
	var b []byte
	b = appendStringField(b, fAddStreamSyncID, r.SyncID)
	if r.SyncPos != nil {
		b = appendMessageField(b, fAddStreamPos, MarshalSyncCookie(r.SyncPos))
	}
	return b
}

func marshalRemoveStreamRequest(r *RemoveStreamRequest) []byte {
	var b []byte
	b = appendStringField(b, fRemoveStreamSyncID, r.SyncID)
	b = appendBytesField(b, fRemoveStreamStreamID, r.StreamID)
	return b
}

func marshalCancelSyncRequest(r *CancelSyncRequest) []byte {
	var b []byte
	b = appendStringField(b, fCancelSyncSyncID, r.SyncID)
	return b
}

func marshalPingRequest(r *PingRequest) []byte {
	var b []byte
	b = appendStringField(b, fPingSyncID, r.SyncID)
	b = appendStringField(b, fPingNonce, r.Nonce)
	return b
}

func marshalGetStreamRequest(r *GetStreamRequest) []byte {
	var b []byte
	b = appendBytesField(b, fGetStreamStreamID, r.StreamID)
	if r.Optional {
		b = appendVarintField(b, fGetStreamOptional, 1)
	}
	return b
}

// MarshalClientMessage frames exactly one request for the wire.
func MarshalClientMessage(m *ClientMessage) []byte {
	var b []byte
	switch {
	case m.Sync != nil:
		b = appendMessageField(b, fClientSync, marshalSyncRequest(m.Sync))
	case m.AddStream != nil:
		b = appendMessageField(b, fClientAddStream, marshalAddStreamRequest(m.AddStream))
	case m.RemoveStream != nil:
		b = appendMessageField(b, fClientRemoveStream, marshalRemoveStreamRequest(m.RemoveStream))
	case m.CancelSync != nil:
		b = appendMessageField(b, fClientCancelSync, marshalCancelSyncRequest(m.CancelSync))
	case m.Ping != nil:
		b = appendMessageField(b, fClientPing, marshalPingRequest(m.Ping))
	case m.GetStream != nil:
		b = appendMessageField(b, fClientGetStream, marshalGetStreamRequest(m.GetStream))
	}
	return b
}

// UnmarshalClientMessage decodes a framed client request.
func UnmarshalClientMessage(b []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	err := walkFields(b, "client_message", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		v, n, err := consumeBytes(b, typ, "client_message", num)
		if err != nil {
			return 0, err
		}
		switch num {
		case fClientSync:
			r := &SyncRequest{}
			err = walkFields(v, "sync_request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fSyncReqPos {
					v, n, err := consumeBytes(b, typ, "sync_request", num)
					if err != nil {
						return 0, err
					}
					c, err := UnmarshalSyncCookie(v)
					if err != nil {
						return 0, err
					}
					r.SyncPos = append(r.SyncPos, c)
					return n, nil
				}
				return 0, nil
			})
			m.Sync = r
		case fClientAddStream:
			r := &AddStreamRequest{}
			err = walkFields(v, "add_stream_request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fAddStreamSyncID:
					v, n, err := consumeBytes(b, typ, "add_stream_request", num)
					r.SyncID = string(v)
					return n, err
				case fAddStreamPos:
					v, n, err := consumeBytes(b, typ, "add_stream_request", num)
					if err != nil {
						return 0, err
					}
					c, err := UnmarshalSyncCookie(v)
					if err != nil {
						return 0, err
					}
					r.SyncPos = c
					return n, nil
				}
				return 0, nil
			})
			m.AddStream = r
		case fClientRemoveStream:
			r := &RemoveStreamRequest{}
			err = walkFields(v, "remove_stream_request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fRemoveStreamSyncID:
					v, n, err := consumeBytes(b, typ, "remove_stream_request", num)
					r.SyncID = string(v)
					return n, err
				case fRemoveStreamStreamID:
					v, n, err := consumeBytes(b, typ, "remove_stream_request", num)
					r.StreamID = v
					return n, err
				}
				return 0, nil
			})
			m.RemoveStream = r
		case fClientCancelSync:
			r := &CancelSyncRequest{}
			err = walkFields(v, "cancel_sync_request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fCancelSyncSyncID {
					v, n, err := consumeBytes(b, typ, "cancel_sync_request", num)
					r.SyncID = string(v)
					return n, err
				}
				return 0, nil
			})
			m.CancelSync = r
		case fClientPing:
			r := &PingRequest{}
			err = walkFields(v, "ping_request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fPingSyncID:
					v, n, err := consumeBytes(b, typ, "ping_request", num)
					r.SyncID = string(v)
					return n, err
				case fPingNonce:
					v, n, err := consumeBytes(b, typ, "ping_request", num)
					r.Nonce = string(v)
					return n, err
				}
				return 0, nil
			})
			m.Ping = r
		case fClientGetStream:
			r := &GetStreamRequest{}
			err = walkFields(v, "get_stream_request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fGetStreamStreamID:
					v, n, err := consumeBytes(b, typ, "get_stream_request", num)
					r.StreamID = v
					return n, err
				case fGetStreamOptional:
					v, n, err := consumeVarint(b, typ, "get_stream_request", num)
					r.Optional = v != 0
					return n, err
				}
				return 0, nil
			})
			m.GetStream = r
		default:
			return 0, Errorf(CodeDecode, "client_message: unknown field %d", num)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalServerMessage frames exactly one response for the wire.
func MarshalServerMessage(m *ServerMessage) []byte {
	var b []byte
	switch {
	case m.Sync != nil:
		b = appendMessageField(b, fServerSync, MarshalSyncStreamsResponse(m.Sync))
	case m.Error != nil:
		var e []byte
		e = appendVarintField(e, fErrorRespCode, int64(m.Error.Code))
		e = appendStringField(e, fErrorRespMsg, m.Error.Msg)
		b = appendMessageField(b, fServerError, e)
	case m.GetStream != nil:
		var g []byte
		if m.GetStream.Stream != nil {
			g = appendMessageField(g, fGetStreamRespStream, MarshalStreamAndCookie(m.GetStream.Stream))
		}
		b = appendMessageField(b, fServerGetStream, g)
	}
	return b
}

// UnmarshalServerMessage decodes a framed server response.
func UnmarshalServerMessage(b []byte) (*ServerMessage, error) {
	m := &ServerMessage{}
	err := walkFields(b, "server_message", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		v, n, err := consumeBytes(b, typ, "server_message", num)
		if err != nil {
			return 0, err
		}
		switch num {
		case fServerSync:
			r, err := UnmarshalSyncStreamsResponse(v)
			if err != nil {
				return 0, err
			}
			m.Sync = r
		case fServerError:
			e := &ErrorResponse{}
			err = walkFields(v, "error_response", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fErrorRespCode:
					v, n, err := consumeVarint(b, typ, "error_response", num)
					e.Code = Code(v)
					return n, err
				case fErrorRespMsg:
					v, n, err := consumeBytes(b, typ, "error_response", num)
					e.Msg = string(v)
					return n, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			m.Error = e
		case fServerGetStream:
			r := &GetStreamResponse{}
			err = walkFields(v, "get_stream_response", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fGetStreamRespStream {
					v, n, err := consumeBytes(b, typ, "get_stream_response", num)
					if err != nil {
						return 0, err
					}
					s, err := UnmarshalStreamAndCookie(v)
					if err != nil {
						return 0, err
					}
					r.Stream = s
					return n, nil
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			m.GetStream = r
		default:
			return 0, Errorf(CodeDecode, "server_message: unknown field %d", num)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
