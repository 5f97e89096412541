// Package network implements the peer wire protocol and session layer:
// length-prefixed JSON frames, the signed HELLO/HELLO_ACK handshake with
// X25519 key agreement, and authenticated-encrypted sessions that carry the
// file transfer messages.
package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// HandshakeNonceSize is the challenge nonce length in bytes.
	HandshakeNonceSize = 32
	// MaxTimestampSkew bounds how stale a signed handshake may be.
	MaxTimestampSkew = 5 * time.Minute

	// DefaultHandshakeTimeout bounds dial plus handshake duration.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read on an open session.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultSessionIdleTimeout closes sessions with no traffic.
	DefaultSessionIdleTimeout = 10 * time.Minute
)

// Wire message types. Discovery travels over mDNS TXT records, not frames;
// hello/hello_ack establish the session in cleartext; everything else is
// carried inside an encrypted secure envelope.
const (
	TypeHello        = "hello"
	TypeHelloAck     = "hello_ack"
	TypeSecure       = "secure"
	TypeFileRequest  = "file_request"
	TypeFileManifest = "file_manifest"
	TypeChunkRequest = "chunk_request"
	TypeChunkData    = "chunk_data"
	TypeChunkAck     = "chunk_ack"
	TypeGoodbye      = "goodbye"
	TypeError        = "error"
)

// Error codes carried by ErrorMessage.
const (
	ErrCodeVersionMismatch  = "version_mismatch"
	ErrCodeInvalidSignature = "invalid_signature"
	ErrCodeStaleHandshake   = "stale_handshake"
	ErrCodeUnknownType      = "unknown_type"
	ErrCodePermissionDenied = "permission_denied"
	ErrCodeUnknownFile      = "unknown_file"
	ErrCodeInternal         = "internal_error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates handshake signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrPeerIDMismatch indicates the claimed peer ID does not match the
	// fingerprint of the presented public key.
	ErrPeerIDMismatch = errors.New("network: peer ID does not match public key")
	// ErrStaleHandshake indicates a replayed or expired handshake message.
	ErrStaleHandshake = errors.New("network: stale handshake")
	// ErrInvalidMessageType indicates a missing or unknown message type.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens a handshake: local identity, a fresh ephemeral X25519 public
// key, and a fresh nonce, all signed with the long-term Ed25519 key.
type Hello struct {
	Type             string `json:"type"`
	PeerID           string `json:"peer_id"`
	UserID           string `json:"user_id"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	Nonce            string `json:"nonce"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// HelloAck completes a handshake: the responder's identity and ephemeral key,
// its own fresh nonce, and an echo of the initiator's nonce binding the
// response to this exchange.
type HelloAck struct {
	Type             string `json:"type"`
	PeerID           string `json:"peer_id"`
	UserID           string `json:"user_id"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	Nonce            string `json:"nonce"`
	EchoNonce        string `json:"echo_nonce"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// SecureEnvelope carries an encrypted inner protocol message.
type SecureEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Nonce     string `json:"nonce"`
	Payload   string `json:"payload"`
}

// FileRequest asks a peer for a file's manifest ahead of a download.
type FileRequest struct {
	Type      string `json:"type"`
	FileID    string `json:"file_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// FileManifest describes a file's chunking so the receiver can verify every
// chunk independently and the reassembled whole.
type FileManifest struct {
	Type        string   `json:"type"`
	FileID      string   `json:"file_id"`
	FileName    string   `json:"file_name"`
	FileSize    int64    `json:"file_size"`
	ChunkSize   int      `json:"chunk_size"`
	ChunkHashes []string `json:"chunk_hashes"`
	ContentHash string   `json:"content_hash"`
}

// ChunkRequest asks for one chunk by index.
type ChunkRequest struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	UserID     string `json:"user_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// ChunkData carries one chunk's ciphertext. The AEAD nonce is derived from
// (session ID, chunk index) on both sides and is not transmitted.
type ChunkData struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Ciphertext string `json:"ciphertext"`
	Size       int    `json:"size"`
}

// ChunkAck confirms receipt and verification of one chunk.
type ChunkAck struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// Goodbye signals a graceful session close.
type Goodbye struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a protocol-level failure to the remote peer.
type ErrorMessage struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	FileID     string `json:"file_id,omitempty"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeInto unmarshals a payload into a concrete protocol message.
func DecodeInto(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame under an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// signPayload marshals msg with its signature field already blanked and signs
// the result with the long-term key.
func signPayload(msg any, privateKey ed25519.PrivateKey) (string, error) {
	signable, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal signable payload: %w", err)
	}
	signature, err := appcrypto.Sign(privateKey, signable)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// BuildHello builds and signs a handshake opening message.
func BuildHello(identity appcrypto.Identity, userID string, ephemeralPublicKey, nonce []byte) (Hello, error) {
	msg := Hello{
		Type:             TypeHello,
		PeerID:           identity.PeerID,
		UserID:           userID,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		Nonce:            base64.StdEncoding.EncodeToString(nonce),
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signPayload(msg, identity.PrivateKey)
	if err != nil {
		return Hello{}, err
	}
	msg.Signature = signature
	return msg, nil
}

// BuildHelloAck builds and signs a handshake response echoing the initiator's
// nonce.
func BuildHelloAck(identity appcrypto.Identity, userID string, ephemeralPublicKey, nonce []byte, echoNonce string) (HelloAck, error) {
	msg := HelloAck{
		Type:             TypeHelloAck,
		PeerID:           identity.PeerID,
		UserID:           userID,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		Nonce:            base64.StdEncoding.EncodeToString(nonce),
		EchoNonce:        echoNonce,
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signPayload(msg, identity.PrivateKey)
	if err != nil {
		return HelloAck{}, err
	}
	msg.Signature = signature
	return msg, nil
}

// VerifyHello checks version, freshness, signature, and the binding between
// the claimed peer ID and the presented public key.
func VerifyHello(msg Hello) (ed25519.PublicKey, error) {
	signable := msg
	signable.Signature = ""
	return verifySignedIdentity(signable, msg.Ed25519PublicKey, msg.PeerID, msg.Signature, msg.ProtocolVersion, msg.Timestamp)
}

// VerifyHelloAck checks a handshake response the same way VerifyHello checks
// an opening message. The caller must additionally compare EchoNonce against
// the nonce it sent.
func VerifyHelloAck(msg HelloAck) (ed25519.PublicKey, error) {
	signable := msg
	signable.Signature = ""
	return verifySignedIdentity(signable, msg.Ed25519PublicKey, msg.PeerID, msg.Signature, msg.ProtocolVersion, msg.Timestamp)
}

func verifySignedIdentity(signable any, publicKeyBase64, claimedPeerID, signatureBase64 string, version int, timestamp int64) (ed25519.PublicKey, error) {
	if version != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if !withinTimestampSkew(timestamp) {
		return nil, ErrStaleHandshake
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	if appcrypto.PeerIDFromPublicKey(publicKey) != claimedPeerID {
		return nil, ErrPeerIDMismatch
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}
	raw, err := json.Marshal(signable)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	if !appcrypto.Verify(publicKey, raw, signatureBytes) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func withinTimestampSkew(timestamp int64) bool {
	delta := time.Since(time.UnixMilli(timestamp))
	if delta < 0 {
		delta = -delta
	}
	return delta <= MaxTimestampSkew
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      ErrCodeVersionMismatch,
		Message:   fmt.Sprintf("unsupported protocol version: expected %d, got %d", ProtocolVersion, got),
		Timestamp: time.Now().UnixMilli(),
	}
}
