// Package protocol implements the binary wire codec for the stream node's
// event protocol: envelopes, stream events with their payload union,
// miniblocks, sync cookies and the sync stream response surface.
//
// Messages are encoded with the protobuf wire format (protowire) against a
// fixed field schema. Decoding is pure and stateless; malformed bytes fail
// with a CodeDecode error, never a partial result.
package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// MembershipOp mirrors the stream node's membership operations.
type MembershipOp int32

const (
	MembershipOpInvalid MembershipOp = iota
	MembershipOpInvite
	MembershipOpJoin
	MembershipOpLeave
)

// SyncOp tags every message pushed on a sync stream.
type SyncOp int32

const (
	SyncOpUnspecified SyncOp = iota
	SyncOpNew
	SyncOpClose
	SyncOpUpdate
	SyncOpPong
	SyncOpDown
)

func (op SyncOp) String() string {
	switch op {
	case SyncOpNew:
		return "SYNC_NEW"
	case SyncOpClose:
		return "SYNC_CLOSE"
	case SyncOpUpdate:
		return "SYNC_UPDATE"
	case SyncOpPong:
		return "SYNC_PONG"
	case SyncOpDown:
		return "SYNC_DOWN"
	default:
		return "SYNC_UNSPECIFIED"
	}
}

// Envelope is the signed, hashed wire wrapper around a serialized StreamEvent.
type Envelope struct {
	Event     []byte
	Hash      []byte
	Signature []byte
}

// StreamEvent is a single decoded unit of stream history.
type StreamEvent struct {
	CreatorAddress    []byte
	Salt              []byte
	PrevMiniblockHash []byte
	CreatedAtEpochMs  int64
	Payload           StreamEventPayload
}

// StreamEventPayload is the closed payload union carried by a StreamEvent.
type StreamEventPayload interface{ isStreamEventPayload() }

// MemberPayload carries membership changes for any stream kind.
type MemberPayload struct {
	Membership *Membership
}

// Membership records a single membership operation.
type Membership struct {
	Op             MembershipOp
	UserAddress    []byte
	StreamParentID []byte
}

// ChannelPayload is the content of a space channel stream event.
type ChannelPayload struct {
	Inception *ChannelInception
	Message   *EncryptedData
}

// ChannelInception is the first event of a space channel stream.
type ChannelInception struct {
	StreamID []byte
	SpaceID  []byte
}

// DMChannelPayload is the content of a direct-message stream event.
type DMChannelPayload struct {
	Inception *DMChannelInception
	Message   *EncryptedData
}

// DMChannelInception names the two parties of a DM stream.
type DMChannelInception struct {
	StreamID           []byte
	FirstPartyAddress  []byte
	SecondPartyAddress []byte
}

// GDMChannelPayload is the content of a group direct-message stream event.
type GDMChannelPayload struct {
	Inception *GDMChannelInception
	Message   *EncryptedData
}

// GDMChannelInception is the first event of a GDM stream.
type GDMChannelInception struct {
	StreamID []byte
}

// MiniblockHeader seals a batch of events into a miniblock.
type MiniblockHeader struct {
	MiniblockNum      int64
	PrevMiniblockHash []byte
	TimestampEpochMs  int64
	EventHashes       [][]byte
	Snapshot          *Snapshot
}

// Snapshot is the periodic full-state capture embedded in a miniblock header.
type Snapshot struct {
	JoinedAddresses [][]byte
	DMInception     *DMChannelInception
}

// EncryptedData is an opaque encrypted message body.
type EncryptedData struct {
	Ciphertext []byte
	SessionID  string
	Algorithm  string
}

func (*MemberPayload) isStreamEventPayload()     {}
func (*ChannelPayload) isStreamEventPayload()    {}
func (*DMChannelPayload) isStreamEventPayload()  {}
func (*GDMChannelPayload) isStreamEventPayload() {}
func (*MiniblockHeader) isStreamEventPayload()   {}

// SyncCookie is the opaque, server-issued resume token for one stream.
// MinipoolGen is the cookie's ordering field: it advances monotonically
// with every accepted update.
type SyncCookie struct {
	NodeAddress       []byte
	StreamID          []byte
	MinipoolGen       int64
	PrevMiniblockHash []byte
}

// Miniblock is a sealed batch of envelopes plus its header envelope.
type Miniblock struct {
	Events []*Envelope
	Header *Envelope
}

// StreamAndCookie is a stream snapshot or delta plus the cursor to resume from.
type StreamAndCookie struct {
	Events         []*Envelope
	NextSyncCookie *SyncCookie
	Miniblocks     []*Miniblock
	SyncReset      bool
}

// SyncStreamsResponse is one server push message on a sync stream.
type SyncStreamsResponse struct {
	SyncID    string
	SyncOp    SyncOp
	Stream    *StreamAndCookie
	PongNonce string
}

/* ------------------------------------------------------------------ *
|  Field numbers                                                      |
* -------------------------------------------------------------------*/

const (
	fEnvelopeEvent     = 1
	fEnvelopeHash      = 2
	fEnvelopeSignature = 3

	fEventCreatorAddress = 1
	fEventSalt           = 2
	fEventPrevMbHash     = 3
	fEventCreatedAt      = 4
	fEventMemberPayload  = 10
	fEventChannelPayload = 11
	fEventDMPayload      = 12
	fEventGDMPayload     = 13
	fEventMbHeader       = 14

	fMemberMembership = 1

	fMembershipOp       = 1
	fMembershipUserAddr = 2
	fMembershipParentID = 3

	fContentInception = 1
	fContentMessage   = 2

	fChannelInceptionStreamID = 1
	fChannelInceptionSpaceID  = 2

	fDMInceptionStreamID    = 1
	fDMInceptionFirstParty  = 2
	fDMInceptionSecondParty = 3

	fGDMInceptionStreamID = 1

	fMbHeaderNum        = 1
	fMbHeaderPrevHash   = 2
	fMbHeaderTimestamp  = 3
	fMbHeaderEventHash  = 4
	fMbHeaderSnapshot   = 5

	fSnapshotJoined      = 1
	fSnapshotDMInception = 2

	fEncryptedCiphertext = 1
	fEncryptedSessionID  = 2
	fEncryptedAlgorithm  = 3

	fCookieNodeAddress = 1
	fCookieStreamID    = 2
	fCookieMinipoolGen = 3
	fCookiePrevMbHash  = 4

	fMiniblockEvents = 1
	fMiniblockHeader = 2

	fSacEvents     = 1
	fSacNextCookie = 2
	fSacMiniblocks = 3
	fSacSyncReset  = 4

	fSyncRespSyncID    = 1
	fSyncRespSyncOp    = 2
	fSyncRespStream    = 3
	fSyncRespPongNonce = 4
)

/* ------------------------------------------------------------------ *
|  Encoding                                                           |
* -------------------------------------------------------------------*/

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// MarshalEnvelope serializes an envelope.
func MarshalEnvelope(e *Envelope) []byte {
	var b []byte
	b = appendBytesField(b, fEnvelopeEvent, e.Event)
	b = appendBytesField(b, fEnvelopeHash, e.Hash)
	b = appendBytesField(b, fEnvelopeSignature, e.Signature)
	return b
}

// MarshalStreamEvent serializes a stream event, including its payload union.
func MarshalStreamEvent(e *StreamEvent) []byte {
	var b []byte
	b = appendBytesField(b, fEventCreatorAddress, e.CreatorAddress)
	b = appendBytesField(b, fEventSalt, e.Salt)
	b = appendBytesField(b, fEventPrevMbHash, e.PrevMiniblockHash)
	b = appendVarintField(b, fEventCreatedAt, e.CreatedAtEpochMs)
	switch p := e.Payload.(type) {
	case *MemberPayload:
		b = appendMessageField(b, fEventMemberPayload, marshalMemberPayload(p))
	case *ChannelPayload:
		b = appendMessageField(b, fEventChannelPayload, marshalChannelPayload(p))
	case *DMChannelPayload:
		b = appendMessageField(b, fEventDMPayload, marshalDMChannelPayload(p))
	case *GDMChannelPayload:
		b = appendMessageField(b, fEventGDMPayload, marshalGDMChannelPayload(p))
	case *MiniblockHeader:
		b = appendMessageField(b, fEventMbHeader, marshalMiniblockHeader(p))
	}
	return b
}

func marshalMemberPayload(p *MemberPayload) []byte {
	var b []byte
	if p.Membership != nil {
		b = appendMessageField(b, fMemberMembership, marshalMembership(p.Membership))
	}
	return b
}

func marshalMembership(m *Membership) []byte {
	var b []byte
	b = appendVarintField(b, fMembershipOp, int64(m.Op))
	b = appendBytesField(b, fMembershipUserAddr, m.UserAddress)
	b = appendBytesField(b, fMembershipParentID, m.StreamParentID)
	return b
}

func marshalChannelPayload(p *ChannelPayload) []byte {
	var b []byte
	if p.Inception != nil {
		var inc []byte
		inc = appendBytesField(inc, fChannelInceptionStreamID, p.Inception.StreamID)
		inc = appendBytesField(inc, fChannelInceptionSpaceID, p.Inception.SpaceID)
		b = appendMessageField(b, fContentInception, inc)
	}
	if p.Message != nil {
		b = appendMessageField(b, fContentMessage, marshalEncryptedData(p.Message))
	}
	return b
}

func marshalDMInception(i *DMChannelInception) []byte {
	var b []byte
	b = appendBytesField(b, fDMInceptionStreamID, i.StreamID)
	b = appendBytesField(b, fDMInceptionFirstParty, i.FirstPartyAddress)
	b = appendBytesField(b, fDMInceptionSecondParty, i.SecondPartyAddress)
	return b
}

func marshalDMChannelPayload(p *DMChannelPayload) []byte {
	var b []byte
	if p.Inception != nil {
		b = appendMessageField(b, fContentInception, marshalDMInception(p.Inception))
	}
	if p.Message != nil {
		b = appendMessageField(b, fContentMessage, marshalEncryptedData(p.Message))
	}
	return b
}

func marshalGDMChannelPayload(p *GDMChannelPayload) []byte {
	var b []byte
	if p.Inception != nil {
		var inc []byte
		inc = appendBytesField(inc, fGDMInceptionStreamID, p.Inception.StreamID)
		b = appendMessageField(b, fContentInception, inc)
	}
	if p.Message != nil {
		b = appendMessageField(b, fContentMessage, marshalEncryptedData(p.Message))
	}
	return b
}

func marshalMiniblockHeader(h *MiniblockHeader) []byte {
	var b []byte
	b = appendVarintField(b, fMbHeaderNum, h.MiniblockNum)
	b = appendBytesField(b, fMbHeaderPrevHash, h.PrevMiniblockHash)
	b = appendVarintField(b, fMbHeaderTimestamp, h.TimestampEpochMs)
	for _, eh := range h.EventHashes {
		b = appendMessageField(b, fMbHeaderEventHash, eh)
	}
	if h.Snapshot != nil {
		b = appendMessageField(b, fMbHeaderSnapshot, marshalSnapshot(h.Snapshot))
	}
	return b
}

func marshalSnapshot(s *Snapshot) []byte {
	var b []byte
	for _, addr := range s.JoinedAddresses {
		b = appendMessageField(b, fSnapshotJoined, addr)
	}
	if s.DMInception != nil {
		b = appendMessageField(b, fSnapshotDMInception, marshalDMInception(s.DMInception))
	}
	return b
}

func marshalEncryptedData(d *EncryptedData) []byte {
	var b []byte
	b = appendBytesField(b, fEncryptedCiphertext, d.Ciphertext)
	b = appendStringField(b, fEncryptedSessionID, d.SessionID)
	b = appendStringField(b, fEncryptedAlgorithm, d.Algorithm)
	return b
}

// MarshalSyncCookie serializes a sync cookie, the form persisted per stream.
func MarshalSyncCookie(c *SyncCookie) []byte {
	var b []byte
	b = appendBytesField(b, fCookieNodeAddress, c.NodeAddress)
	b = appendBytesField(b, fCookieStreamID, c.StreamID)
	b = appendVarintField(b, fCookieMinipoolGen, c.MinipoolGen)
	b = appendBytesField(b, fCookiePrevMbHash, c.PrevMiniblockHash)
	return b
}

// MarshalMiniblock serializes a miniblock.
func MarshalMiniblock(m *Miniblock) []byte {
	var b []byte
	for _, e := range m.Events {
		b = appendMessageField(b, fMiniblockEvents, MarshalEnvelope(e))
	}
	if m.Header != nil {
		b = appendMessageField(b, fMiniblockHeader, MarshalEnvelope(m.Header))
	}
	return b
}

// MarshalStreamAndCookie serializes a stream-and-cookie snapshot.
func MarshalStreamAndCookie(s *StreamAndCookie) []byte {
	var b []byte
	for _, e := range s.Events {
		b = appendMessageField(b, fSacEvents, MarshalEnvelope(e))
	}
	if s.NextSyncCookie != nil {
		b = appendMessageField(b, fSacNextCookie, MarshalSyncCookie(s.NextSyncCookie))
	}
	for _, m := range s.Miniblocks {
		b = appendMessageField(b, fSacMiniblocks, MarshalMiniblock(m))
	}
	if s.SyncReset {
		b = appendVarintField(b, fSacSyncReset, 1)
	}
	return b
}

// MarshalSyncStreamsResponse serializes one sync push message.
func MarshalSyncStreamsResponse(r *SyncStreamsResponse) []byte {
	var b []byte
	b = appendStringField(b, fSyncRespSyncID, r.SyncID)
	b = appendVarintField(b, fSyncRespSyncOp, int64(r.SyncOp))
	if r.Stream != nil {
		b = appendMessageField(b, fSyncRespStream, MarshalStreamAndCookie(r.Stream))
	}
	b = appendStringField(b, fSyncRespPongNonce, r.PongNonce)
	return b
}

/* ------------------------------------------------------------------ *
|  Decoding                                                           |
* -------------------------------------------------------------------*/

type fieldHandler func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields drives a protowire decode loop, dispatching every field to fn.
// fn returns the number of bytes it consumed, or 0 to have the field skipped.
func walkFields(b []byte, msg string, fn fieldHandler) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Errorf(CodeDecode, "%s: bad field tag", msg)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return Errorf(CodeDecode, "%s: bad field %d", msg, num)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(b []byte, typ protowire.Type, msg string, num protowire.Number) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, Errorf(CodeDecode, "%s: field %d: unexpected wire type", msg, num)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, Errorf(CodeDecode, "%s: field %d: truncated bytes", msg, num)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeVarint(b []byte, typ protowire.Type, msg string, num protowire.Number) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, Errorf(CodeDecode, "%s: field %d: unexpected wire type", msg, num)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, Errorf(CodeDecode, "%s: field %d: truncated varint", msg, num)
	}
	return int64(v), n, nil
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	err := walkFields(b, "envelope", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fEnvelopeEvent:
			v, n, err := consumeBytes(b, typ, "envelope", num)
			e.Event = v
			return n, err
		case fEnvelopeHash:
			v, n, err := consumeBytes(b, typ, "envelope", num)
			e.Hash = v
			return n, err
		case fEnvelopeSignature:
			v, n, err := consumeBytes(b, typ, "envelope", num)
			e.Signature = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if len(e.Event) == 0 {
		return nil, NewError(CodeDecode, "envelope: missing event")
	}
	return e, nil
}

// UnmarshalStreamEvent decodes a stream event and its payload union.
func UnmarshalStreamEvent(b []byte) (*StreamEvent, error) {
	e := &StreamEvent{}
	err := walkFields(b, "stream_event", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fEventCreatorAddress:
			v, n, err := consumeBytes(b, typ, "stream_event", num)
			e.CreatorAddress = v
			return n, err
		case fEventSalt:
			v, n, err := consumeBytes(b, typ, "stream_event", num)
			e.Salt = v
			return n, err
		case fEventPrevMbHash:
			v, n, err := consumeBytes(b, typ, "stream_event", num)
			e.PrevMiniblockHash = v
			return n, err
		case fEventCreatedAt:
			v, n, err := consumeVarint(b, typ, "stream_event", num)
			e.CreatedAtEpochMs = v
			return n, err
		case fEventMemberPayload, fEventChannelPayload, fEventDMPayload, fEventGDMPayload, fEventMbHeader:
			v, n, err := consumeBytes(b, typ, "stream_event", num)
			if err != nil {
				return 0, err
			}
			if e.Payload != nil {
				return 0, NewError(CodeDecode, "stream_event: duplicate payload")
			}
			p, err := unmarshalPayload(num, v)
			if err != nil {
				return 0, err
			}
			e.Payload = p
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return nil, NewError(CodeDecode, "stream_event: missing payload")
	}
	return e, nil
}

func unmarshalPayload(num protowire.Number, b []byte) (StreamEventPayload, error) {
	switch num {
	case fEventMemberPayload:
		return unmarshalMemberPayload(b)
	case fEventChannelPayload:
		return unmarshalChannelPayload(b)
	case fEventDMPayload:
		return unmarshalDMChannelPayload(b)
	case fEventGDMPayload:
		return unmarshalGDMChannelPayload(b)
	case fEventMbHeader:
		return unmarshalMiniblockHeader(b)
	}
	return nil, Errorf(CodeDecode, "stream_event: unknown payload field %d", num)
}

func unmarshalMemberPayload(b []byte) (*MemberPayload, error) {
	p := &MemberPayload{}
	err := walkFields(b, "member_payload", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fMemberMembership {
			v, n, err := consumeBytes(b, typ, "member_payload", num)
			if err != nil {
				return 0, err
			}
			m, err := unmarshalMembership(v)
			if err != nil {
				return 0, err
			}
			p.Membership = m
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalMembership(b []byte) (*Membership, error) {
	m := &Membership{}
	err := walkFields(b, "membership", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fMembershipOp:
			v, n, err := consumeVarint(b, typ, "membership", num)
			m.Op = MembershipOp(v)
			return n, err
		case fMembershipUserAddr:
			v, n, err := consumeBytes(b, typ, "membership", num)
			m.UserAddress = v
			return n, err
		case fMembershipParentID:
			v, n, err := consumeBytes(b, typ, "membership", num)
			m.StreamParentID = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalChannelPayload(b []byte) (*ChannelPayload, error) {
	p := &ChannelPayload{}
	err := walkFields(b, "channel_payload", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fContentInception:
			v, n, err := consumeBytes(b, typ, "channel_payload", num)
			if err != nil {
				return 0, err
			}
			inc := &ChannelInception{}
			err = walkFields(v, "channel_inception", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fChannelInceptionStreamID:
					v, n, err := consumeBytes(b, typ, "channel_inception", num)
					inc.StreamID = v
					return n, err
				case fChannelInceptionSpaceID:
					v, n, err := consumeBytes(b, typ, "channel_inception", num)
					inc.SpaceID = v
					return n, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			p.Inception = inc
			return n, nil
		case fContentMessage:
			v, n, err := consumeBytes(b, typ, "channel_payload", num)
			if err != nil {
				return 0, err
			}
			d, err := unmarshalEncryptedData(v)
			if err != nil {
				return 0, err
			}
			p.Message = d
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalDMInception(b []byte) (*DMChannelInception, error) {
	inc := &DMChannelInception{}
	err := walkFields(b, "dm_inception", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fDMInceptionStreamID:
			v, n, err := consumeBytes(b, typ, "dm_inception", num)
			inc.StreamID = v
			return n, err
		case fDMInceptionFirstParty:
			v, n, err := consumeBytes(b, typ, "dm_inception", num)
			inc.FirstPartyAddress = v
			return n, err
		case fDMInceptionSecondParty:
			v, n, err := consumeBytes(b, typ, "dm_inception", num)
			inc.SecondPartyAddress = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return inc, nil
}

func unmarshalDMChannelPayload(b []byte) (*DMChannelPayload, error) {
	p := &DMChannelPayload{}
	err := walkFields(b, "dm_channel_payload", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fContentInception:
			v, n, err := consumeBytes(b, typ, "dm_channel_payload", num)
			if err != nil {
				return 0, err
			}
			inc, err := unmarshalDMInception(v)
			if err != nil {
				return 0, err
			}
			p.Inception = inc
			return n, nil
		case fContentMessage:
			v, n, err := consumeBytes(b, typ, "dm_channel_payload", num)
			if err != nil {
				return 0, err
			}
			d, err := unmarshalEncryptedData(v)
			if err != nil {
				return 0, err
			}
			p.Message = d
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalGDMChannelPayload(b []byte) (*GDMChannelPayload, error) {
	p := &GDMChannelPayload{}
	err := walkFields(b, "gdm_channel_payload", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fContentInception:
			v, n, err := consumeBytes(b, typ, "gdm_channel_payload", num)
			if err != nil {
				return 0, err
			}
			inc := &GDMChannelInception{}
			err = walkFields(v, "gdm_inception", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fGDMInceptionStreamID {
					v, n, err := consumeBytes(b, typ, "gdm_inception", num)
					inc.StreamID = v
					return n, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			p.Inception = inc
			return n, nil
		case fContentMessage:
			v, n, err := consumeBytes(b, typ, "gdm_channel_payload", num)
			if err != nil {
				return 0, err
			}
			d, err := unmarshalEncryptedData(v)
			if err != nil {
				return 0, err
			}
			p.Message = d
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalMiniblockHeader(b []byte) (*MiniblockHeader, error) {
	h := &MiniblockHeader{}
	err := walkFields(b, "miniblock_header", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fMbHeaderNum:
			v, n, err := consumeVarint(b, typ, "miniblock_header", num)
			h.MiniblockNum = v
			return n, err
		case fMbHeaderPrevHash:
			v, n, err := consumeBytes(b, typ, "miniblock_header", num)
			h.PrevMiniblockHash = v
			return n, err
		case fMbHeaderTimestamp:
			v, n, err := consumeVarint(b, typ, "miniblock_header", num)
			h.TimestampEpochMs = v
			return n, err
		case fMbHeaderEventHash:
			v, n, err := consumeBytes(b, typ, "miniblock_header", num)
			if err != nil {
				return 0, err
			}
			h.EventHashes = append(h.EventHashes, v)
			return n, nil
		case fMbHeaderSnapshot:
			v, n, err := consumeBytes(b, typ, "miniblock_header", num)
			if err != nil {
				return 0, err
			}
			s := &Snapshot{}
			err = walkFields(v, "snapshot", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fSnapshotJoined:
					v, n, err := consumeBytes(b, typ, "snapshot", num)
					if err != nil {
						return 0, err
					}
					s.JoinedAddresses = append(s.JoinedAddresses, v)
					return n, nil
				case fSnapshotDMInception:
					v, n, err := consumeBytes(b, typ, "snapshot", num)
					if err != nil {
						return 0, err
					}
					inc, err := unmarshalDMInception(v)
					if err != nil {
						return 0, err
					}
					s.DMInception = inc
					return n, nil
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			h.Snapshot = s
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func unmarshalEncryptedData(b []byte) (*EncryptedData, error) {
	d := &EncryptedData{}
	err := walkFields(b, "encrypted_data", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fEncryptedCiphertext:
			v, n, err := consumeBytes(b, typ, "encrypted_data", num)
			d.Ciphertext = v
			return n, err
		case fEncryptedSessionID:
			v, n, err := consumeBytes(b, typ, "encrypted_data", num)
			d.SessionID = string(v)
			return n, err
		case fEncryptedAlgorithm:
			v, n, err := consumeBytes(b, typ, "encrypted_data", num)
			d.Algorithm = string(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UnmarshalSyncCookie decodes a sync cookie.
func UnmarshalSyncCookie(b []byte) (*SyncCookie, error) {
	c := &SyncCookie{}
	err := walkFields(b, "sync_cookie", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fCookieNodeAddress:
			v, n, err := consumeBytes(b, typ, "sync_cookie", num)
			c.NodeAddress = v
			return n, err
		case fCookieStreamID:
			v, n, err := consumeBytes(b, typ, "sync_cookie", num)
			c.StreamID = v
			return n, err
		case fCookieMinipoolGen:
			v, n, err := consumeVarint(b, typ, "sync_cookie", num)
			c.MinipoolGen = v
			return n, err
		case fCookiePrevMbHash:
			v, n, err := consumeBytes(b, typ, "sync_cookie", num)
			c.PrevMiniblockHash = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if len(c.StreamID) == 0 {
		return nil, NewError(CodeDecode, "sync_cookie: missing stream id")
	}
	return c, nil
}

// UnmarshalMiniblock decodes a miniblock.
func UnmarshalMiniblock(b []byte) (*Miniblock, error) {
	m := &Miniblock{}
	err := walkFields(b, "miniblock", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fMiniblockEvents:
			v, n, err := consumeBytes(b, typ, "miniblock", num)
			if err != nil {
				return 0, err
			}
			e, err := UnmarshalEnvelope(v)
			if err != nil {
				return 0, err
			}
			m.Events = append(m.Events, e)
			return n, nil
		case fMiniblockHeader:
			v, n, err := consumeBytes(b, typ, "miniblock", num)
			if err != nil {
				return 0, err
			}
			e, err := UnmarshalEnvelope(v)
			if err != nil {
				return 0, err
			}
			m.Header = e
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalStreamAndCookie decodes a stream-and-cookie snapshot.
func UnmarshalStreamAndCookie(b []byte) (*StreamAndCookie, error) {
	s := &StreamAndCookie{}
	err := walkFields(b, "stream_and_cookie", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fSacEvents:
			v, n, err := consumeBytes(b, typ, "stream_and_cookie", num)
			if err != nil {
				return 0, err
			}
			e, err := UnmarshalEnvelope(v)
			if err != nil {
				return 0, err
			}
			s.Events = append(s.Events, e)
			return n, nil
		case fSacNextCookie:
			v, n, err := consumeBytes(b, typ, "stream_and_cookie", num)
			if err != nil {
				return 0, err
			}
			c, err := UnmarshalSyncCookie(v)
			if err != nil {
				return 0, err
			}
			s.NextSyncCookie = c
			return n, nil
		case fSacMiniblocks:
			v, n, err := consumeBytes(b, typ, "stream_and_cookie", num)
			if err != nil {
				return 0, err
			}
			m, err := UnmarshalMiniblock(v)
			if err != nil {
				return 0, err
			}
			s.Miniblocks = append(s.Miniblocks, m)
			return n, nil
		case fSacSyncReset:
			v, n, err := consumeVarint(b, typ, "stream_and_cookie", num)
			s.SyncReset = v != 0
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UnmarshalSyncStreamsResponse decodes one sync push message.
func UnmarshalSyncStreamsResponse(b []byte) (*SyncStreamsResponse, error) {
	r := &SyncStreamsResponse{}
	err := walkFields(b, "sync_streams_response", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fSyncRespSyncID:
			v, n, err := consumeBytes(b, typ, "sync_streams_response", num)
			r.SyncID = string(v)
			return n, err
		case fSyncRespSyncOp:
			v, n, err := consumeVarint(b, typ, "sync_streams_response", num)
			r.SyncOp = SyncOp(v)
			return n, err
		case fSyncRespStream:
			v, n, err := consumeBytes(b, typ, "sync_streams_response", num)
			if err != nil {
				return 0, err
			}
			s, err := UnmarshalStreamAndCookie(v)
			if err != nil {
				return 0, err
			}
			r.Stream = s
			return n, nil
		case fSyncRespPongNonce:
			v, n, err := consumeBytes(b, typ, "sync_streams_response", num)
			r.PongNonce = string(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
