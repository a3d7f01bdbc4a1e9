package protocol

import (
	"encoding/hex"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/towns-protocol/towns-sub009/internal/shared"
)

func testEnvelope(payload StreamEventPayload) *Envelope {
	event := MarshalStreamEvent(&StreamEvent{
		CreatorAddress: []byte("creator-address-aaaa"),
		Payload:        payload,
	})
	return &Envelope{Event: event, Hash: Keccak256(event)}
}

func testMessageEnvelope(session string) *Envelope {
	return testEnvelope(&ChannelPayload{
		Message: &EncryptedData{Ciphertext: []byte("c"), SessionID: session},
	})
}

func testStreamIDBytes(prefix byte) []byte {
	b := make([]byte, shared.StreamIDLength)
	b[0] = prefix
	return b
}

func TestParseEventBadBytes(t *testing.T) {
	_, err := ParseEvent(&Envelope{Event: []byte{0xff, 0xff}}, NopVerifier{})
	assert.Equal(t, IsCode(err, CodeBadEvent), true)
}

func TestParseMiniblockHeaderLast(t *testing.T) {
	mb := &Miniblock{
		Events: []*Envelope{testMessageEnvelope("s1"), testMessageEnvelope("s2")},
		Header: testEnvelope(&MiniblockHeader{MiniblockNum: 7}),
	}
	parsed, err := ParseMiniblock(mb, NopVerifier{})
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Header.MiniblockNum, int64(7))
	assert.Equal(t, len(parsed.Events), 3)

	// header event is ordered after the block's own events
	_, ok := parsed.Events[2].Event.Payload.(*MiniblockHeader)
	assert.Equal(t, ok, true)
}

func TestParseMiniblockMissingHeader(t *testing.T) {
	_, err := ParseMiniblock(&Miniblock{Events: []*Envelope{testMessageEnvelope("s")}}, NopVerifier{})
	assert.Equal(t, IsCode(err, CodeBadEvent), true)
}

func TestParseStreamAndCookieOrder(t *testing.T) {
	streamID := testStreamIDBytes(shared.StreamTypeChannel)
	sac := &StreamAndCookie{
		Events: []*Envelope{testMessageEnvelope("pool-1")},
		Miniblocks: []*Miniblock{{
			Events: []*Envelope{testMessageEnvelope("block-1")},
			Header: testEnvelope(&MiniblockHeader{
				MiniblockNum: 1,
				Snapshot:     &Snapshot{JoinedAddresses: [][]byte{[]byte("member-address-aaaaa")}},
			}),
		}},
		NextSyncCookie: &SyncCookie{StreamID: streamID, MinipoolGen: 2},
	}
	parsed, err := ParseStreamAndCookie(sac, NopVerifier{})
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.StreamID, shared.StreamID(hex.EncodeToString(streamID)))
	assert.Equal(t, parsed.StreamID.IsChannel(), true)
	assert.Equal(t, len(parsed.Events), 3)
	assert.NotEqual(t, parsed.Snapshot, nil)

	// miniblock events first, minipool events last
	first, ok := parsed.Events[0].Event.Payload.(*ChannelPayload)
	assert.Equal(t, ok, true)
	assert.Equal(t, first.Message.SessionID, "block-1")
	last, ok := parsed.Events[2].Event.Payload.(*ChannelPayload)
	assert.Equal(t, ok, true)
	assert.Equal(t, last.Message.SessionID, "pool-1")
}

func TestParseStreamAndCookieMissingCookie(t *testing.T) {
	_, err := ParseStreamAndCookie(&StreamAndCookie{}, NopVerifier{})
	assert.Equal(t, IsCode(err, CodeBadSyncCookie), true)
}

func TestCookieAdvances(t *testing.T) {
	first := &SyncCookie{MinipoolGen: 5}
	assert.Equal(t, CookieAdvances(nil, first), true)
	assert.Equal(t, CookieAdvances(first, &SyncCookie{MinipoolGen: 5}), true)
	assert.Equal(t, CookieAdvances(first, &SyncCookie{MinipoolGen: 6}), true)
	assert.Equal(t, CookieAdvances(first, &SyncCookie{MinipoolGen: 4}), false)
	assert.Equal(t, CookieAdvances(first, nil), false)
}
