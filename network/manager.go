package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/faults"
)

// DefaultMaxSessions bounds concurrent established sessions.
const DefaultMaxSessions = 32

// ErrTooManySessions indicates the session table is full.
var ErrTooManySessions = errors.New("network: too many concurrent sessions")

// SessionHandler is invoked once per established session, inbound or
// outbound. The handler owns the session's inbound message stream.
type SessionHandler func(*Session)

// ManagerOptions configures a session manager.
type ManagerOptions struct {
	ListenAddress string
	Identity      appcrypto.Identity
	UserID        string
	Nonces        NonceCache

	HandshakeTimeout time.Duration
	SessionLifetime  time.Duration
	FrameReadTimeout time.Duration
	IdleTimeout      time.Duration

	// MaxSessions caps concurrent established sessions across all peers.
	MaxSessions int
}

func (o *ManagerOptions) withDefaults() {
	if o.ListenAddress == "" {
		o.ListenAddress = ":0"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SessionLifetime <= 0 {
		o.SessionLifetime = DefaultSessionLifetime
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultSessionIdleTimeout
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
}

// Manager owns the TCP listener and the table of established sessions. Each
// remote peer has at most one live session; dialing a peer with an existing
// session reuses it.
type Manager struct {
	opts ManagerOptions

	handler SessionHandler

	listener net.Listener

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	// dials collapses concurrent Connect calls to the same peer into one
	// handshake, so a second caller cannot replace (and close) a session the
	// first caller is already using.
	dials singleflight.Group

	errs chan error

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a manager; call Start to begin accepting connections.
func NewManager(opts ManagerOptions) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
	}
}

// OnSession registers the handler invoked for every established session.
// Must be called before Start.
func (m *Manager) OnSession(handler SessionHandler) {
	m.handler = handler
}

// Errors exposes background failures (accept errors, failed inbound
// handshakes). The channel is never closed.
func (m *Manager) Errors() <-chan error { return m.errs }

// Start opens the listener and begins the accept loop.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		listener, err := net.Listen("tcp", m.opts.ListenAddress)
		if err != nil {
			startErr = fmt.Errorf("listen on %s: %w", m.opts.ListenAddress, err)
			return
		}
		m.listener = listener

		m.wg.Add(1)
		go m.acceptLoop()
	})
	return startErr
}

// Stop closes the listener and every live session, then waits for background
// goroutines to drain.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.listener != nil {
			_ = m.listener.Close()
		}

		m.sessionsMu.Lock()
		open := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			open = append(open, s)
		}
		m.sessions = make(map[string]*Session)
		m.sessionsMu.Unlock()

		for _, s := range open {
			_ = s.Close()
		}
		m.wg.Wait()
	})
	return nil
}

// ListenAddr reports the bound listener address, or nil before Start.
func (m *Manager) ListenAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// LocalPeerID returns this node's peer identifier.
func (m *Manager) LocalPeerID() string { return m.opts.Identity.PeerID }

// Session looks up the live session for a remote peer.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return len(m.sessions)
}

// Connect returns an established session to the peer at address, reusing an
// existing session for expectedPeerID when one is live. A successful
// handshake with a different peer than expected is torn down.
func (m *Manager) Connect(ctx context.Context, address, expectedPeerID string) (*Session, error) {
	if expectedPeerID != "" {
		if existing, ok := m.Session(expectedPeerID); ok && existing.State() == StateAuthenticated {
			return existing, nil
		}
	}

	key := expectedPeerID
	if key == "" {
		key = address
	}
	result, err, _ := m.dials.Do(key, func() (any, error) {
		// A concurrent caller may have finished the handshake while this one
		// waited its turn.
		if expectedPeerID != "" {
			if existing, ok := m.Session(expectedPeerID); ok && existing.State() == StateAuthenticated {
				return existing, nil
			}
		}
		return m.dial(ctx, address, expectedPeerID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

func (m *Manager) dial(ctx context.Context, address, expectedPeerID string) (*Session, error) {
	dialer := net.Dialer{Timeout: m.opts.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, faults.New(faults.KindNetwork, expectedPeerID, fmt.Errorf("dial %s: %w", address, err))
	}

	session, err := InitiateHandshake(conn, m.handshakeConfig())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if expectedPeerID != "" && session.RemotePeerID() != expectedPeerID {
		_ = session.Close()
		return nil, faults.New(faults.KindAuth, session.RemotePeerID(),
			fmt.Errorf("peer identity mismatch: expected %s, authenticated %s", expectedPeerID, session.RemotePeerID()))
	}

	if err := m.register(session); err != nil {
		_ = session.Close()
		return nil, err
	}
	m.dispatch(session)
	return session, nil
}

// Disconnect closes the live session to a peer, if any.
func (m *Manager) Disconnect(peerID string) {
	if s, ok := m.Session(peerID); ok {
		_ = s.Close()
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			m.emitError(fmt.Errorf("accept: %w", err))
			continue
		}

		m.wg.Add(1)
		go func(conn net.Conn) {
			defer m.wg.Done()
			session, err := RespondHandshake(conn, m.handshakeConfig())
			if err != nil {
				_ = conn.Close()
				m.emitError(err)
				return
			}
			if err := m.register(session); err != nil {
				_ = session.Close()
				m.emitError(err)
				return
			}
			m.dispatch(session)
		}(conn)
	}
}

// register installs a session in the table. A newer session to the same peer
// replaces the old one; the table as a whole is capped.
func (m *Manager) register(session *Session) error {
	peerID := session.RemotePeerID()

	m.sessionsMu.Lock()
	previous, replaced := m.sessions[peerID]
	if !replaced && len(m.sessions) >= m.opts.MaxSessions {
		m.sessionsMu.Unlock()
		return faults.New(faults.KindProtocol, peerID, ErrTooManySessions)
	}
	m.sessions[peerID] = session
	m.sessionsMu.Unlock()

	if replaced {
		_ = previous.Close()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-session.Done():
		case <-m.done:
			return
		}
		m.sessionsMu.Lock()
		if m.sessions[peerID] == session {
			delete(m.sessions, peerID)
		}
		m.sessionsMu.Unlock()
		if err := session.LastError(); err != nil {
			m.emitError(err)
		}
	}()
	return nil
}

func (m *Manager) dispatch(session *Session) {
	if m.handler == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.handler(session)
	}()
}

func (m *Manager) handshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Identity:         m.opts.Identity,
		UserID:           m.opts.UserID,
		Nonces:           m.opts.Nonces,
		Timeout:          m.opts.HandshakeTimeout,
		SessionLifetime:  m.opts.SessionLifetime,
		FrameReadTimeout: m.opts.FrameReadTimeout,
		IdleTimeout:      m.opts.IdleTimeout,
	}
}

func (m *Manager) emitError(err error) {
	select {
	case m.errs <- err:
	default:
	}
}
