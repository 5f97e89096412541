package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the AES-256 session key length in bytes.
const SessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a one-handshake X25519 keypair.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates and parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeSharedSecret runs X25519 between a local private and remote public key.
func ComputeSharedSecret(localPrivate *ecdh.PrivateKey, remotePublic *ecdh.PublicKey) ([]byte, error) {
	secret, err := localPrivate.ECDH(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands an X25519 shared secret into a 32-byte session key
// bound to both handshake nonces and both peer identities. Both sides derive
// the same key only when they agree on the full handshake transcript.
func DeriveSessionKey(sharedSecret, initiatorNonce, responderNonce []byte, initiatorID, responderID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}

	salt := make([]byte, 0, len(initiatorNonce)+len(responderNonce))
	salt = append(salt, initiatorNonce...)
	salt = append(salt, responderNonce...)
	info := []byte("p2pfs session v1|" + initiatorID + "|" + responderID)

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// SessionIDFromTranscript derives the shared session identifier both sides
// compute independently after the handshake. It seeds per-chunk nonces, so it
// must differ for every session even between the same peer pair.
func SessionIDFromTranscript(initiatorNonce, responderNonce []byte, initiatorID, responderID string) string {
	h := sha256.New()
	h.Write(initiatorNonce)
	h.Write(responderNonce)
	h.Write([]byte(initiatorID))
	h.Write([]byte(responderID))
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum[:16])
}
