package protocol

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// EventVerifier checks envelope integrity before an event is trusted.
type EventVerifier interface {
	Verify(envelope *Envelope, event *StreamEvent) error
}

// NopVerifier accepts every envelope. It is the default for deployments that
// trust the upstream node connection.
type NopVerifier struct{}

func (NopVerifier) Verify(*Envelope, *StreamEvent) error { return nil }

// SecpVerifier checks the envelope hash against the event bytes and recovers
// the secp256k1 signer, requiring it to match the event's creator address.
type SecpVerifier struct{}

const ethSignatureLength = 65

func (SecpVerifier) Verify(envelope *Envelope, event *StreamEvent) error {
	hash := Keccak256(envelope.Event)
	if !bytes.Equal(hash, envelope.Hash) {
		return NewError(CodeBadEvent, "envelope hash does not match event bytes")
	}
	if len(envelope.Signature) != ethSignatureLength {
		return Errorf(CodeBadEventSignature, "signature has length %d, want %d",
			len(envelope.Signature), ethSignatureLength)
	}
	// ecdsa.RecoverCompact wants the recovery header first; the wire carries
	// r || s || v with v in {0, 1} or {27, 28}.
	compact := make([]byte, ethSignatureLength)
	header := envelope.Signature[ethSignatureLength-1]
	if header < 27 {
		header += 27
	}
	compact[0] = header
	copy(compact[1:], envelope.Signature[:ethSignatureLength-1])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return WrapError(CodeBadEventSignature, "failed to recover signer", err)
	}
	signer := PublicKeyToAddress(pub.SerializeUncompressed())
	if !bytes.Equal(signer, event.CreatorAddress) {
		return NewError(CodeBadEventSignature, "signer does not match creator address")
	}
	return nil
}

// Keccak256 hashes data with the Ethereum legacy Keccak-256.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// PublicKeyToAddress derives the 20-byte address from an uncompressed
// secp256k1 public key (0x04-prefixed, 65 bytes).
func PublicKeyToAddress(pub []byte) []byte {
	if len(pub) == 65 && pub[0] == 0x04 {
		pub = pub[1:]
	}
	return Keccak256(pub)[32-shared.AddressLength:]
}
