package protocol

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/go-playground/assert/v2"
)

// signedEnvelope produces an envelope signed the way stream nodes sign:
// keccak hash of the event bytes, secp256k1 signature as r || s || v.
func signedEnvelope(t *testing.T, key *btcec.PrivateKey, event *StreamEvent) *Envelope {
	t.Helper()
	eventBytes := MarshalStreamEvent(event)
	hash := Keccak256(eventBytes)
	compact := ecdsa.SignCompact(key, hash, false)
	sig := make([]byte, ethSignatureLength)
	copy(sig, compact[1:])
	sig[ethSignatureLength-1] = compact[0]
	return &Envelope{Event: eventBytes, Hash: hash, Signature: sig}
}

func TestSecpVerifierAccepts(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	assert.Equal(t, err, nil)
	event := &StreamEvent{
		CreatorAddress: PublicKeyToAddress(key.PubKey().SerializeUncompressed()),
		Payload:        &GDMChannelPayload{Message: &EncryptedData{Ciphertext: []byte("c")}},
	}
	envelope := signedEnvelope(t, key, event)
	parsed, err := ParseEvent(envelope, SecpVerifier{})
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Event.CreatorAddress, event.CreatorAddress)
}

func TestSecpVerifierRejectsWrongCreator(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	assert.Equal(t, err, nil)
	event := &StreamEvent{
		CreatorAddress: make([]byte, 20),
		Payload:        &GDMChannelPayload{Message: &EncryptedData{Ciphertext: []byte("c")}},
	}
	envelope := signedEnvelope(t, key, event)
	_, err = ParseEvent(envelope, SecpVerifier{})
	assert.Equal(t, IsCode(err, CodeBadEventSignature), true)
}

func TestSecpVerifierRejectsBadHash(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	assert.Equal(t, err, nil)
	event := &StreamEvent{
		CreatorAddress: PublicKeyToAddress(key.PubKey().SerializeUncompressed()),
		Payload:        &GDMChannelPayload{Message: &EncryptedData{Ciphertext: []byte("c")}},
	}
	envelope := signedEnvelope(t, key, event)
	envelope.Hash[0] ^= 0xff
	_, err = ParseEvent(envelope, SecpVerifier{})
	assert.Equal(t, IsCode(err, CodeBadEvent), true)
}

func TestNopVerifierIgnoresSignature(t *testing.T) {
	envelope := testMessageEnvelope("s")
	envelope.Signature = []byte("not-a-signature")
	_, err := ParseEvent(envelope, NopVerifier{})
	assert.Equal(t, err, nil)
}
