package shared

import (
	"bytes"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testStreamID(t *testing.T, prefix byte) StreamID {
	raw := make([]byte, StreamIDLength)
	raw[0] = prefix
	for i := 1; i < len(raw); i++ {
		raw[i] = byte(i)
	}
	id, err := StreamIDFromBytes(raw)
	assert.Equal(t, err, nil)
	return id
}

func TestStreamIDKinds(t *testing.T) {
	channel := testStreamID(t, StreamTypeChannel)
	dm := testStreamID(t, StreamTypeDM)
	gdm := testStreamID(t, StreamTypeGDM)
	space := testStreamID(t, StreamTypeSpace)

	assert.Equal(t, channel.Kind(), StreamKindChannel)
	assert.Equal(t, dm.Kind(), StreamKindDM)
	assert.Equal(t, gdm.Kind(), StreamKindGDM)
	assert.Equal(t, space.Kind(), StreamKindUnknown)

	assert.Equal(t, dm.IsDMOrGDM(), true)
	assert.Equal(t, gdm.IsDMOrGDM(), true)
	assert.Equal(t, channel.IsDMOrGDM(), false)
}

func TestStreamIDRoundTrip(t *testing.T) {
	id := testStreamID(t, StreamTypeChannel)
	raw, err := id.Bytes()
	assert.Equal(t, err, nil)
	back, err := StreamIDFromBytes(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, back, id)

	_, err = StreamID("20ff").Bytes()
	assert.NotEqual(t, err, nil)

	_, err = StreamIDFromBytes([]byte{0x20})
	assert.NotEqual(t, err, nil)
}

func TestUserIDAddressRoundTrip(t *testing.T) {
	addr := make([]byte, AddressLength)
	for i := range addr {
		addr[i] = byte(0xa0 + i)
	}
	userID := UserIDFromAddress(addr)
	back, err := AddressFromUserID(userID)
	assert.Equal(t, err, nil)
	if !bytes.Equal(back, addr) {
		t.Fatalf("address round trip mismatch: %x != %x", back, addr)
	}

	_, err = AddressFromUserID("0x1234")
	assert.NotEqual(t, err, nil)
}
