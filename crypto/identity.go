// Package crypto provides the key material and primitives for peer identity,
// session key agreement, and chunk encryption: Ed25519 long-term identity
// keys persisted as PEM, X25519 ephemeral key agreement with HKDF session-key
// derivation, and AES-256-GCM chunk sealing with deterministic nonces.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is the local instance's long-term keypair plus its derived peer ID.
type Identity struct {
	PeerID     string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// PeerIDFromPublicKey derives the stable peer identifier from an Ed25519
// public key. Renaming or re-addressing a peer never changes its ID; only a
// new key does.
func PeerIDFromPublicKey(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// LoadOrCreateIdentity loads the Ed25519 identity keypair from disk,
// generating and persisting a fresh one on first run.
func LoadOrCreateIdentity(privatePath, publicPath string) (Identity, error) {
	privateKey, err := loadEd25519PrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)
		if err := SaveEd25519PublicKey(publicPath, publicKey); err != nil {
			return Identity{}, err
		}
		return Identity{
			PeerID:     PeerIDFromPublicKey(publicKey),
			PrivateKey: privateKey,
			PublicKey:  publicKey,
		}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := saveEd25519PrivateKey(privatePath, privateKey); err != nil {
		return Identity{}, err
	}
	if err := SaveEd25519PublicKey(publicPath, publicKey); err != nil {
		return Identity{}, err
	}

	return Identity{
		PeerID:     PeerIDFromPublicKey(publicKey),
		PrivateKey: privateKey,
		PublicKey:  publicKey,
	}, nil
}

// Sign signs data with the identity's long-term private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature. Malformed inputs verify as false,
// never as a panic.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

func loadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read Ed25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode Ed25519 private PEM: no PEM block")
	}
	if block.Type != ed25519PrivatePEMType {
		return nil, fmt.Errorf("decode Ed25519 private PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode Ed25519 private PEM: invalid key size %d", len(block.Bytes))
	}

	return ed25519.PrivateKey(block.Bytes), nil
}

func saveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	block := &pem.Block{Type: ed25519PrivatePEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write Ed25519 private key: %w", err)
	}
	return nil
}

// SaveEd25519PublicKey writes an Ed25519 public key PEM file.
func SaveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save Ed25519 public key: invalid key size %d", len(key))
	}
	block := &pem.Block{Type: ed25519PublicPEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write Ed25519 public key: %w", err)
	}
	return nil
}
