package network

import (
	"context"
	"sync"
	"testing"
	"time"
)

func startTestManager(t *testing.T, name, userID string) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		ListenAddress:    "127.0.0.1:0",
		Identity:         testIdentity(t, name),
		UserID:           userID,
		Nonces:           newMemoryNonceCache(),
		HandshakeTimeout: 3 * time.Second,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start manager %s: %v", name, err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestConcurrentConnectsShareOneSession(t *testing.T) {
	server := startTestManager(t, "bob", "user-bob")
	client := startTestManager(t, "alice", "user-alice")
	address := server.ListenAddr().String()
	serverPeerID := server.LocalPeerID()

	const callers = 4
	sessions := make(chan *Session, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := client.Connect(context.Background(), address, serverPeerID)
			if err != nil {
				errs <- err
				return
			}
			sessions <- session
		}()
	}
	wg.Wait()
	close(sessions)
	close(errs)

	for err := range errs {
		t.Fatalf("connect: %v", err)
	}

	var first *Session
	for session := range sessions {
		if first == nil {
			first = session
			continue
		}
		if session != first {
			t.Fatalf("concurrent connects produced distinct sessions %s and %s", first.ID(), session.ID())
		}
	}
	if first == nil {
		t.Fatal("no session established")
	}
	if first.State() != StateAuthenticated {
		t.Fatalf("session state = %s, want AUTHENTICATED", first.State())
	}
	if got := client.SessionCount(); got != 1 {
		t.Fatalf("client holds %d sessions, want 1", got)
	}
}

func TestConnectReusesExistingSession(t *testing.T) {
	server := startTestManager(t, "bob", "user-bob")
	client := startTestManager(t, "alice", "user-alice")
	address := server.ListenAddr().String()
	serverPeerID := server.LocalPeerID()

	first, err := client.Connect(context.Background(), address, serverPeerID)
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second, err := client.Connect(context.Background(), address, serverPeerID)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first != second {
		t.Fatal("second connect dialed instead of reusing the live session")
	}
}
