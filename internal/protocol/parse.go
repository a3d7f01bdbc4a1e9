package protocol

import (
	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// ParsedEvent is a decoded, optionally verified stream event together with
// the envelope it arrived in.
type ParsedEvent struct {
	Event    *StreamEvent
	Envelope *Envelope
	Hash     []byte
}

// CreatorUserID returns the event creator as a 0x-prefixed user id.
func (p *ParsedEvent) CreatorUserID() string {
	return shared.UserIDFromAddress(p.Event.CreatorAddress)
}

// ParseEvent decodes and verifies one envelope. Verification policy is
// supplied by the caller; see EventVerifier.
func ParseEvent(envelope *Envelope, verifier EventVerifier) (*ParsedEvent, error) {
	if len(envelope.Event) == 0 {
		return nil, NewError(CodeBadEvent, "envelope has no event bytes")
	}
	event, err := UnmarshalStreamEvent(envelope.Event)
	if err != nil {
		return nil, WrapError(CodeBadEvent, "failed to decode stream event", err)
	}
	if err := verifier.Verify(envelope, event); err != nil {
		return nil, err
	}
	return &ParsedEvent{
		Event:    event,
		Envelope: envelope,
		Hash:     envelope.Hash,
	}, nil
}

// ParseEvents decodes a batch of envelopes, failing on the first bad one.
func ParseEvents(envelopes []*Envelope, verifier EventVerifier) ([]*ParsedEvent, error) {
	parsed := make([]*ParsedEvent, 0, len(envelopes))
	for _, envelope := range envelopes {
		p, err := ParseEvent(envelope, verifier)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}
	return parsed, nil
}

// ParsedMiniblock is a decoded miniblock. Events holds the block's events in
// order with the header event appended last, matching block layout.
type ParsedMiniblock struct {
	Header *MiniblockHeader
	Events []*ParsedEvent
}

// ParseMiniblock decodes a miniblock and its header envelope.
func ParseMiniblock(mb *Miniblock, verifier EventVerifier) (*ParsedMiniblock, error) {
	if mb.Header == nil {
		return nil, NewError(CodeBadEvent, "miniblock has no header")
	}
	headerEvent, err := ParseEvent(mb.Header, verifier)
	if err != nil {
		return nil, err
	}
	header, ok := headerEvent.Event.Payload.(*MiniblockHeader)
	if !ok {
		return nil, NewError(CodeBadEvent, "miniblock header event has wrong payload")
	}
	events, err := ParseEvents(mb.Events, verifier)
	if err != nil {
		return nil, err
	}
	return &ParsedMiniblock{
		Header: header,
		Events: append(events, headerEvent),
	}, nil
}

// ParsedStreamAndCookie is the fully decoded form of a sync update: all
// miniblock events first in block order, then the minipool events, plus the
// cookie to resume from.
type ParsedStreamAndCookie struct {
	StreamID   shared.StreamID
	Events     []*ParsedEvent
	NextCookie *SyncCookie
	Snapshot   *Snapshot
	SyncReset  bool
}

// ParseStreamAndCookie flattens a stream update into parse order.
func ParseStreamAndCookie(sac *StreamAndCookie, verifier EventVerifier) (*ParsedStreamAndCookie, error) {
	if sac.NextSyncCookie == nil {
		return nil, NewError(CodeBadSyncCookie, "stream update has no next sync cookie")
	}
	streamID, err := shared.StreamIDFromBytes(sac.NextSyncCookie.StreamID)
	if err != nil {
		return nil, WrapError(CodeBadSyncCookie, "stream update cookie has bad stream id", err)
	}
	out := &ParsedStreamAndCookie{
		StreamID:   streamID,
		NextCookie: sac.NextSyncCookie,
		SyncReset:  sac.SyncReset,
	}
	for _, mb := range sac.Miniblocks {
		parsed, err := ParseMiniblock(mb, verifier)
		if err != nil {
			return nil, err
		}
		if parsed.Header.Snapshot != nil {
			out.Snapshot = parsed.Header.Snapshot
		}
		out.Events = append(out.Events, parsed.Events...)
	}
	minipool, err := ParseEvents(sac.Events, verifier)
	if err != nil {
		return nil, err
	}
	out.Events = append(out.Events, minipool...)
	return out, nil
}

// CookieAdvances reports whether next moves the stream cursor forward from
// prev. A nil prev always advances; ordering is by minipool generation.
func CookieAdvances(prev, next *SyncCookie) bool {
	if next == nil {
		return false
	}
	if prev == nil {
		return true
	}
	return next.MinipoolGen >= prev.MinipoolGen
}
