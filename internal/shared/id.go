package shared

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// StreamKind classifies the streams the notification service tracks.
type StreamKind string

const (
	StreamKindChannel StreamKind = "Channel"
	StreamKindDM      StreamKind = "DM"
	StreamKindGDM     StreamKind = "GDM"
	StreamKindUnknown StreamKind = ""
)

// Stream id type prefixes, first byte of the 32-byte id.
const (
	StreamTypeSpace   byte = 0x10
	StreamTypeChannel byte = 0x20
	StreamTypeGDM     byte = 0x77
	StreamTypeDM      byte = 0x88
)

// StreamIDLength is the length of a raw stream id in bytes.
const StreamIDLength = 32

// AddressLength is the length of a raw user address in bytes.
const AddressLength = 20

// StreamID is the lowercase hex form of a 32-byte content-addressed stream id.
type StreamID string

// StreamIDFromBytes converts a raw stream id to its hex form.
func StreamIDFromBytes(b []byte) (StreamID, error) {
	if len(b) != StreamIDLength {
		return "", fmt.Errorf("invalid stream id length %d", len(b))
	}
	return StreamID(hex.EncodeToString(b)), nil
}

// Bytes returns the raw 32-byte id.
func (id StreamID) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	if len(b) != StreamIDLength {
		return nil, fmt.Errorf("invalid stream id length %d", len(b))
	}
	return b, nil
}

func (id StreamID) String() string { return string(id) }

// Kind derives the stream kind from the id's type prefix.
func (id StreamID) Kind() StreamKind {
	switch {
	case id.IsChannel():
		return StreamKindChannel
	case id.IsDM():
		return StreamKindDM
	case id.IsGDM():
		return StreamKindGDM
	default:
		return StreamKindUnknown
	}
}

func (id StreamID) hasPrefix(t byte) bool {
	return len(id) == 2*StreamIDLength && strings.HasPrefix(string(id), hex.EncodeToString([]byte{t}))
}

// IsChannel reports whether the id is a space channel stream.
func (id StreamID) IsChannel() bool { return id.hasPrefix(StreamTypeChannel) }

// IsDM reports whether the id is a direct-message stream.
func (id StreamID) IsDM() bool { return id.hasPrefix(StreamTypeDM) }

// IsGDM reports whether the id is a group direct-message stream.
func (id StreamID) IsGDM() bool { return id.hasPrefix(StreamTypeGDM) }

// IsDMOrGDM reports whether the id is a DM or GDM stream.
func (id StreamID) IsDMOrGDM() bool { return id.IsDM() || id.IsGDM() }

// UserIDFromAddress renders a raw 20-byte creator address as a user id.
func UserIDFromAddress(addr []byte) string {
	return "0x" + hex.EncodeToString(addr)
}

// AddressFromUserID parses a user id back to its raw address bytes.
func AddressFromUserID(userID string) ([]byte, error) {
	s := strings.TrimPrefix(strings.ToLower(userID), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	if len(b) != AddressLength {
		return nil, fmt.Errorf("invalid user id length %d", len(b))
	}
	return b, nil
}

// AtChannelUserID is the sentinel tag target meaning "everyone in the channel".
const AtChannelUserID = "@channel"
