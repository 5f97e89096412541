package network

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/faults"
)

// State is the lifecycle state of a handshake or established session.
type State string

const (
	StateInit          State = "INIT"
	StateKeyExchange   State = "KEY_EXCHANGE"
	StateAuthenticated State = "AUTHENTICATED"
	StateClosed        State = "CLOSED"
	StateFailed        State = "FAILED"
)

// validTransitions is the exhaustive transition table. FAILED is reachable
// from every non-terminal state; the terminal states have no successors.
var validTransitions = map[State][]State{
	StateInit:          {StateKeyExchange, StateFailed},
	StateKeyExchange:   {StateAuthenticated, StateFailed},
	StateAuthenticated: {StateClosed, StateFailed},
	StateClosed:        {},
	StateFailed:        {},
}

// ErrIllegalTransition indicates a state-machine bug, not a peer failure.
var ErrIllegalTransition = errors.New("network: illegal session state transition")

func checkTransition(from, to State) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// DefaultSessionLifetime bounds how long a session key stays in use.
const DefaultSessionLifetime = 1 * time.Hour

// Session is an authenticated, encrypted channel to one peer. It exists only
// in the AUTHENTICATED state; handshake failures never produce a Session.
type Session struct {
	conn net.Conn

	id              string
	localPeerID     string
	remotePeerID    string
	remoteUserID    string
	remotePublicKey ed25519.PublicKey
	key             []byte

	createdAt time.Time
	expiresAt time.Time

	frameReadTimeout time.Duration
	idleTimeout      time.Duration

	lastActivity atomic.Int64

	stateMu sync.RWMutex
	state   State

	sendMu sync.Mutex

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

type sessionParams struct {
	Conn             net.Conn
	SessionID        string
	LocalPeerID      string
	RemotePeerID     string
	RemoteUserID     string
	RemotePublicKey  ed25519.PublicKey
	Key              []byte
	Lifetime         time.Duration
	FrameReadTimeout time.Duration
	IdleTimeout      time.Duration
}

func newSession(p sessionParams) *Session {
	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}
	readTimeout := p.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}
	idleTimeout := p.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultSessionIdleTimeout
	}

	now := time.Now()
	s := &Session{
		conn:             p.Conn,
		id:               p.SessionID,
		localPeerID:      p.LocalPeerID,
		remotePeerID:     p.RemotePeerID,
		remoteUserID:     p.RemoteUserID,
		remotePublicKey:  append(ed25519.PublicKey(nil), p.RemotePublicKey...),
		key:              append([]byte(nil), p.Key...),
		createdAt:        now,
		expiresAt:        now.Add(lifetime),
		frameReadTimeout: readTimeout,
		idleTimeout:      idleTimeout,
		state:            StateAuthenticated,
		inbound:          make(chan []byte, 64),
		closed:           make(chan struct{}),
	}
	s.touchActivity()
	go s.readLoop()
	return s
}

// ID returns the session identifier shared by both sides.
func (s *Session) ID() string { return s.id }

// RemotePeerID returns the authenticated remote peer identifier.
func (s *Session) RemotePeerID() string { return s.remotePeerID }

// RemoteUserID returns the user identity the remote peer presented during the
// handshake.
func (s *Session) RemoteUserID() string { return s.remoteUserID }

// State returns the current session state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Key returns a copy of the negotiated session key, or nil once the session
// has discarded it.
func (s *Session) Key() []byte {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.key == nil {
		return nil
	}
	return append([]byte(nil), s.key...)
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.closed }

// LastError returns the terminal error, if the session failed.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// SendSecure seals a protocol message under the session key and writes it as
// one frame.
func (s *Session) SendSecure(message any) error {
	if s.State() != StateAuthenticated {
		if err := s.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	inner, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	ciphertext, nonce, err := appcrypto.SealMessage(s.Key(), inner)
	if err != nil {
		return err
	}
	payload, err := EncodeJSON(SecureEnvelope{
		Type:      TypeSecure,
		SessionID: s.id,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Payload:   base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := WriteFrame(s.conn, payload); err != nil {
		s.closeWithError(faults.New(faults.KindNetwork, s.remotePeerID, fmt.Errorf("write frame: %w", err)))
		return err
	}
	s.touchActivity()
	return nil
}

// Receive waits for the next decrypted inbound protocol message.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.inbound:
		return payload, nil
	case <-s.closed:
		if err := s.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a goodbye and discards the session key material.
func (s *Session) Close() error {
	_ = s.sendGoodbye("close")
	s.closeWithError(nil)
	return nil
}

func (s *Session) sendGoodbye(reason string) error {
	payload, err := EncodeJSON(Goodbye{
		Type:      TypeGoodbye,
		PeerID:    s.localPeerID,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return WriteFrame(s.conn, payload)
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(s.conn, s.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.idleExpired() {
					s.closeWithError(nil)
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}
			s.closeWithError(faults.New(faults.KindNetwork, s.remotePeerID, fmt.Errorf("read frame: %w", err)))
			return
		}

		if time.Now().After(s.expiresAt) {
			s.closeWithError(nil)
			return
		}

		s.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			s.failProtocol(fmt.Errorf("inbound frame: %w", err))
			return
		}

		switch msgType {
		case TypeSecure:
			inner, err := s.openEnvelope(payload)
			if err != nil {
				s.failProtocol(err)
				return
			}
			select {
			case s.inbound <- inner:
			case <-s.closed:
				return
			}
		case TypeGoodbye:
			s.closeWithError(nil)
			return
		default:
			s.failProtocol(fmt.Errorf("unexpected cleartext message %q on established session", msgType))
			return
		}
	}
}

func (s *Session) openEnvelope(payload []byte) ([]byte, error) {
	var envelope SecureEnvelope
	if err := decodeAs(payload, &envelope); err != nil {
		return nil, err
	}
	if envelope.SessionID != s.id {
		return nil, fmt.Errorf("envelope session ID mismatch: got %q", envelope.SessionID)
	}
	nonce, err := base64.StdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode envelope nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode envelope payload: %w", err)
	}
	return appcrypto.OpenMessage(s.Key(), nonce, ciphertext)
}

func (s *Session) failProtocol(err error) {
	s.closeWithError(faults.New(faults.KindProtocol, s.remotePeerID, err))
}

func (s *Session) idleExpired() bool {
	idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
	return idleFor >= s.idleTimeout
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		next := StateClosed
		if err != nil {
			next = StateFailed
		}
		// Zero the key under the same lock that guards readers, so CLOSED
		// discards all derived material without racing an in-flight Key().
		s.stateMu.Lock()
		if checkTransition(s.state, next) == nil {
			s.state = next
		}
		for i := range s.key {
			s.key[i] = 0
		}
		s.key = nil
		s.stateMu.Unlock()

		_ = s.conn.Close()
		close(s.closed)
	})
}

func decodeAs(payload []byte, out any) error {
	return DecodeInto(payload, out)
}
