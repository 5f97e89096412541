package network

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/faults"
)

// NonceCache remembers handshake nonces so a captured HELLO or HELLO_ACK
// cannot be replayed to open a second session.
type NonceCache interface {
	// MarkSeen records a nonce and reports whether it was fresh. A false
	// return means the nonce was already seen.
	MarkSeen(nonce string, seenAt time.Time) (bool, error)
}

// HandshakeConfig carries everything a single handshake needs.
type HandshakeConfig struct {
	Identity appcrypto.Identity
	UserID   string
	Nonces   NonceCache

	Timeout          time.Duration
	SessionLifetime  time.Duration
	FrameReadTimeout time.Duration
	IdleTimeout      time.Duration
}

func (c HandshakeConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultHandshakeTimeout
}

// handshake tracks the state machine of one in-progress handshake. A failure
// at any step moves it to FAILED and surfaces the cause; a Session is only
// built once the handshake reaches AUTHENTICATED.
type handshake struct {
	state State
}

func newHandshake() *handshake {
	return &handshake{state: StateInit}
}

func (h *handshake) advance(next State) error {
	if err := checkTransition(h.state, next); err != nil {
		return err
	}
	h.state = next
	return nil
}

func (h *handshake) fail(peerID string, kind faults.Kind, err error) error {
	h.state = StateFailed
	return faults.New(kind, peerID, err)
}

// InitiateHandshake runs the initiator side: send HELLO, verify HELLO_ACK,
// derive the session key, and return the established session.
func InitiateHandshake(conn net.Conn, cfg HandshakeConfig) (*Session, error) {
	h := newHandshake()
	deadline := time.Now().Add(cfg.timeout())
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, h.fail("", faults.KindNetwork, fmt.Errorf("set handshake deadline: %w", err))
	}
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	ephemeralPrivate, ephemeralPublic, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}
	localNonce, err := newHandshakeNonce()
	if err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}

	hello, err := BuildHello(cfg.Identity, cfg.UserID, ephemeralPublic.Bytes(), localNonce)
	if err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}
	payload, err := EncodeJSON(hello)
	if err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, h.fail("", faults.KindNetwork, fmt.Errorf("send hello: %w", err))
	}
	if err := h.advance(StateKeyExchange); err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}

	response, err := ReadFrame(conn)
	if err != nil {
		return nil, h.fail("", faults.KindNetwork, fmt.Errorf("read hello_ack: %w", err))
	}
	msgType, err := DecodeMessageType(response)
	if err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}
	if msgType == TypeError {
		var remoteErr ErrorMessage
		if decodeErr := decodeAs(response, &remoteErr); decodeErr == nil {
			return nil, h.fail("", faults.KindProtocol, fmt.Errorf("peer rejected handshake: %s: %s", remoteErr.Code, remoteErr.Message))
		}
		return nil, h.fail("", faults.KindProtocol, errors.New("peer rejected handshake"))
	}
	if msgType != TypeHelloAck {
		return nil, h.fail("", faults.KindProtocol, fmt.Errorf("expected %s, got %q", TypeHelloAck, msgType))
	}

	var ack HelloAck
	if err := decodeAs(response, &ack); err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}
	remotePublicKey, err := VerifyHelloAck(ack)
	if err != nil {
		return nil, h.fail(ack.PeerID, handshakeFaultKind(err), err)
	}
	if ack.EchoNonce != hello.Nonce {
		return nil, h.fail(ack.PeerID, faults.KindAuth, errors.New("hello_ack does not echo our nonce"))
	}
	if err := markNonceFresh(cfg.Nonces, ack.Nonce); err != nil {
		return nil, h.fail(ack.PeerID, faults.KindAuth, err)
	}

	remoteNonce, err := base64.StdEncoding.DecodeString(ack.Nonce)
	if err != nil {
		return nil, h.fail(ack.PeerID, faults.KindProtocol, fmt.Errorf("decode responder nonce: %w", err))
	}
	key, sessionID, err := deriveSessionMaterial(
		ephemeralPrivate, ack.X25519PublicKey,
		localNonce, remoteNonce,
		cfg.Identity.PeerID, ack.PeerID,
	)
	if err != nil {
		return nil, h.fail(ack.PeerID, faults.KindProtocol, err)
	}
	if err := h.advance(StateAuthenticated); err != nil {
		return nil, h.fail(ack.PeerID, faults.KindProtocol, err)
	}

	return newSession(sessionParams{
		Conn:             conn,
		SessionID:        sessionID,
		LocalPeerID:      cfg.Identity.PeerID,
		RemotePeerID:     ack.PeerID,
		RemoteUserID:     ack.UserID,
		RemotePublicKey:  remotePublicKey,
		Key:              key,
		Lifetime:         cfg.SessionLifetime,
		FrameReadTimeout: cfg.FrameReadTimeout,
		IdleTimeout:      cfg.IdleTimeout,
	}), nil
}

// RespondHandshake runs the responder side: verify HELLO, answer with a
// signed HELLO_ACK, derive the session key, and return the established
// session. Verification failures are reported back to the initiator before
// the connection is abandoned.
func RespondHandshake(conn net.Conn, cfg HandshakeConfig) (*Session, error) {
	h := newHandshake()
	deadline := time.Now().Add(cfg.timeout())
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, h.fail("", faults.KindNetwork, fmt.Errorf("set handshake deadline: %w", err))
	}
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	opening, err := ReadFrame(conn)
	if err != nil {
		return nil, h.fail("", faults.KindNetwork, fmt.Errorf("read hello: %w", err))
	}
	msgType, err := DecodeMessageType(opening)
	if err != nil {
		return nil, h.fail("", faults.KindProtocol, err)
	}
	if msgType != TypeHello {
		sendHandshakeError(conn, ErrCodeUnknownType, fmt.Sprintf("expected %s, got %q", TypeHello, msgType))
		return nil, h.fail("", faults.KindProtocol, fmt.Errorf("expected %s, got %q", TypeHello, msgType))
	}

	var hello Hello
	if err := decodeAs(opening, &hello); err != nil {
		sendHandshakeError(conn, ErrCodeUnknownType, "malformed hello")
		return nil, h.fail("", faults.KindProtocol, err)
	}
	remotePublicKey, err := VerifyHello(hello)
	if err != nil {
		writeVerifyFailure(conn, hello.ProtocolVersion, err)
		return nil, h.fail(hello.PeerID, handshakeFaultKind(err), err)
	}
	if err := markNonceFresh(cfg.Nonces, hello.Nonce); err != nil {
		sendHandshakeError(conn, ErrCodeStaleHandshake, "replayed handshake nonce")
		return nil, h.fail(hello.PeerID, faults.KindAuth, err)
	}
	if err := h.advance(StateKeyExchange); err != nil {
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}

	ephemeralPrivate, ephemeralPublic, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		sendHandshakeError(conn, ErrCodeInternal, "key generation failed")
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}
	localNonce, err := newHandshakeNonce()
	if err != nil {
		sendHandshakeError(conn, ErrCodeInternal, "nonce generation failed")
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}

	ack, err := BuildHelloAck(cfg.Identity, cfg.UserID, ephemeralPublic.Bytes(), localNonce, hello.Nonce)
	if err != nil {
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}
	payload, err := EncodeJSON(ack)
	if err != nil {
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, h.fail(hello.PeerID, faults.KindNetwork, fmt.Errorf("send hello_ack: %w", err))
	}

	initiatorNonce, err := base64.StdEncoding.DecodeString(hello.Nonce)
	if err != nil {
		return nil, h.fail(hello.PeerID, faults.KindProtocol, fmt.Errorf("decode initiator nonce: %w", err))
	}
	key, sessionID, err := deriveSessionMaterial(
		ephemeralPrivate, hello.X25519PublicKey,
		initiatorNonce, localNonce,
		hello.PeerID, cfg.Identity.PeerID,
	)
	if err != nil {
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}
	if err := h.advance(StateAuthenticated); err != nil {
		return nil, h.fail(hello.PeerID, faults.KindProtocol, err)
	}

	return newSession(sessionParams{
		Conn:             conn,
		SessionID:        sessionID,
		LocalPeerID:      cfg.Identity.PeerID,
		RemotePeerID:     hello.PeerID,
		RemoteUserID:     hello.UserID,
		RemotePublicKey:  remotePublicKey,
		Key:              key,
		Lifetime:         cfg.SessionLifetime,
		FrameReadTimeout: cfg.FrameReadTimeout,
		IdleTimeout:      cfg.IdleTimeout,
	}), nil
}

// deriveSessionMaterial parses the remote ephemeral key, computes the shared
// secret, and derives the session key and session ID from the transcript.
// Both sides pass the transcript in initiator-first order so they derive the
// same values.
func deriveSessionMaterial(localPrivate *ecdh.PrivateKey, remoteX25519Base64 string, initiatorNonce, responderNonce []byte, initiatorID, responderID string) ([]byte, string, error) {
	remoteRaw, err := base64.StdEncoding.DecodeString(remoteX25519Base64)
	if err != nil {
		return nil, "", fmt.Errorf("decode X25519 public key: %w", err)
	}
	remotePublic, err := appcrypto.ParseX25519PublicKey(remoteRaw)
	if err != nil {
		return nil, "", err
	}
	sharedSecret, err := appcrypto.ComputeSharedSecret(localPrivate, remotePublic)
	if err != nil {
		return nil, "", err
	}
	key, err := appcrypto.DeriveSessionKey(sharedSecret, initiatorNonce, responderNonce, initiatorID, responderID)
	if err != nil {
		return nil, "", err
	}
	sessionID := appcrypto.SessionIDFromTranscript(initiatorNonce, responderNonce, initiatorID, responderID)
	return key, sessionID, nil
}

func newHandshakeNonce() ([]byte, error) {
	nonce := make([]byte, HandshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return nonce, nil
}

// markNonceFresh enforces replay protection when a cache is configured.
func markNonceFresh(cache NonceCache, nonce string) error {
	if cache == nil {
		return nil
	}
	fresh, err := cache.MarkSeen(nonce, time.Now())
	if err != nil {
		return fmt.Errorf("check handshake nonce: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: replayed nonce", ErrStaleHandshake)
	}
	return nil
}

// handshakeFaultKind classifies a Hello/HelloAck verification error.
func handshakeFaultKind(err error) faults.Kind {
	switch {
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrPeerIDMismatch), errors.Is(err, ErrStaleHandshake):
		return faults.KindAuth
	default:
		return faults.KindProtocol
	}
}

// writeVerifyFailure tells the initiator why its hello was rejected.
func writeVerifyFailure(conn net.Conn, remoteVersion int, err error) {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		msg := makeVersionMismatchError(remoteVersion)
		if payload, encErr := EncodeJSON(msg); encErr == nil {
			_ = WriteFrame(conn, payload)
		}
	case errors.Is(err, ErrStaleHandshake):
		sendHandshakeError(conn, ErrCodeStaleHandshake, "handshake timestamp outside accepted window")
	default:
		sendHandshakeError(conn, ErrCodeInvalidSignature, "handshake verification failed")
	}
}

func sendHandshakeError(conn net.Conn, code, message string) {
	payload, err := EncodeJSON(ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	_ = WriteFrame(conn, payload)
}
