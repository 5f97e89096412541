package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// SealChunk encrypts one chunk plaintext with AES-256-GCM under the session
// key. The nonce is derived deterministically from (sessionID, fileID,
// chunkIndex), so retransmissions of the same chunk reuse the same nonce with
// the same plaintext, while distinct chunks — and equal indices of distinct
// files carried over one session — never collide.
func SealChunk(sessionKey []byte, sessionID, fileID string, chunkIndex int, plaintext []byte) ([]byte, error) {
	aead, err := newSessionAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if chunkIndex < 0 {
		return nil, errors.New("chunk index must be >= 0")
	}
	if fileID == "" {
		return nil, errors.New("file ID is required")
	}

	nonce := chunkNonce(sessionID, fileID, chunkIndex, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, chunkAAD(sessionID, fileID, chunkIndex)), nil
}

// OpenChunk decrypts and authenticates one chunk ciphertext. A failed tag
// check returns an error; corrupted data is never returned.
func OpenChunk(sessionKey []byte, sessionID, fileID string, chunkIndex int, ciphertext []byte) ([]byte, error) {
	aead, err := newSessionAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if chunkIndex < 0 {
		return nil, errors.New("chunk index must be >= 0")
	}
	if fileID == "" {
		return nil, errors.New("file ID is required")
	}
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	nonce := chunkNonce(sessionID, fileID, chunkIndex, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext, chunkAAD(sessionID, fileID, chunkIndex))
	if err != nil {
		return nil, fmt.Errorf("open chunk %d: %w", chunkIndex, err)
	}
	return plaintext, nil
}

// SealMessage encrypts a control message payload with a random nonce and
// returns ciphertext plus nonce. Used for post-handshake protocol messages
// where no deterministic index exists.
func SealMessage(sessionKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newSessionAEAD(sessionKey)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate message nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// OpenMessage decrypts a control message payload sealed by SealMessage.
func OpenMessage(sessionKey, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newSessionAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open message: %w", err)
	}
	return plaintext, nil
}

func newSessionAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// chunkNonce builds the deterministic per-chunk nonce: the first bytes of
// SHA-256(sessionID || fileID) with the chunk index folded into the trailing
// 8 bytes. One session may carry several files concurrently, so the file ID
// must contribute to the seed or equal indices of different files would reuse
// a nonce under the same key.
func chunkNonce(sessionID, fileID string, chunkIndex int, size int) []byte {
	seed := sha256.Sum256(chunkContext(sessionID, fileID))
	nonce := make([]byte, size)
	copy(nonce, seed[:size])

	var index [8]byte
	binary.BigEndian.PutUint64(index[:], uint64(chunkIndex))
	for i := 0; i < 8 && i < size; i++ {
		nonce[size-1-i] ^= index[7-i]
	}
	return nonce
}

func chunkAAD(sessionID, fileID string, chunkIndex int) []byte {
	var index [8]byte
	binary.BigEndian.PutUint64(index[:], uint64(chunkIndex))
	return append(chunkContext(sessionID, fileID), index[:]...)
}

// chunkContext length-prefixes the session ID so (sessionID, fileID) pairs
// cannot collide by shifting bytes between the two.
func chunkContext(sessionID, fileID string) []byte {
	out := make([]byte, 0, 4+len(sessionID)+len(fileID))
	var sessionLen [4]byte
	binary.BigEndian.PutUint32(sessionLen[:], uint32(len(sessionID)))
	out = append(out, sessionLen[:]...)
	out = append(out, sessionID...)
	out = append(out, fileID...)
	return out
}
