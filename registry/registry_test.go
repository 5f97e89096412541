package registry

import (
	"testing"
	"time"
)

func testPeer(id string) Peer {
	return Peer{
		ID:              id,
		DisplayName:     "node-" + id,
		Address:         "192.168.1.10",
		Port:            9876,
		ProtocolVersion: 1,
	}
}

func TestAnnounceAndLookup(t *testing.T) {
	reg := New("self", Options{})

	reg.Announce(testPeer("peer-a"))

	got, ok := reg.Lookup("peer-a")
	if !ok {
		t.Fatal("announced peer not found")
	}
	if got.Address != "192.168.1.10" || got.Port != 9876 {
		t.Fatalf("unexpected endpoint: %s:%d", got.Address, got.Port)
	}
	if got.FirstSeen.IsZero() || got.LastSeen.IsZero() {
		t.Fatal("seen timestamps not set")
	}
}

func TestAnnounceIgnoresSelf(t *testing.T) {
	reg := New("self", Options{})
	reg.Announce(testPeer("self"))
	if reg.Len() != 0 {
		t.Fatal("registry tracked its own node")
	}
}

func TestReAnnounceRefreshesTTL(t *testing.T) {
	reg := New("self", Options{TTL: 50 * time.Millisecond})
	reg.Announce(testPeer("peer-a"))

	// Keep the peer alive past the original TTL with a fresh announcement.
	time.Sleep(30 * time.Millisecond)
	reg.Announce(testPeer("peer-a"))
	time.Sleep(30 * time.Millisecond)

	if _, ok := reg.Lookup("peer-a"); !ok {
		t.Fatal("re-announced peer expired")
	}
}

func TestSweepExpiresSilentPeers(t *testing.T) {
	reg := New("self", Options{TTL: 20 * time.Millisecond})
	reg.Announce(testPeer("peer-a"))
	reg.Announce(testPeer("peer-b"))

	time.Sleep(40 * time.Millisecond)
	reg.sweep(time.Now())

	if reg.Len() != 0 {
		t.Fatalf("expected 0 peers after sweep, got %d", reg.Len())
	}
	if _, ok := reg.Lookup("peer-a"); ok {
		t.Fatal("expired peer still resolvable")
	}

	var leftEvents int
	for {
		select {
		case event := <-reg.Events():
			if event.Type == EventLeft {
				leftEvents++
			}
		default:
			if leftEvents != 2 {
				t.Fatalf("expected 2 left events, got %d", leftEvents)
			}
			return
		}
	}
}

func TestLookupHidesExpiredBeforeSweep(t *testing.T) {
	reg := New("self", Options{TTL: 10 * time.Millisecond})
	reg.Announce(testPeer("peer-a"))

	time.Sleep(25 * time.Millisecond)

	// Expired entries are invisible even before the sweeper collects them.
	if _, ok := reg.Lookup("peer-a"); ok {
		t.Fatal("expired peer visible through Lookup")
	}
	if active := reg.ListActive(); len(active) != 0 {
		t.Fatalf("expired peer visible through ListActive: %v", active)
	}
}

func TestListActiveOrdersDeprioritizedLast(t *testing.T) {
	reg := New("self", Options{})
	reg.Announce(testPeer("peer-a"))
	reg.Announce(testPeer("peer-b"))

	for i := 0; i < deprioritizeThreshold; i++ {
		reg.MarkUnreachable("peer-a")
	}

	active := reg.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active peers, got %d", len(active))
	}
	if active[0].ID != "peer-b" || active[1].ID != "peer-a" {
		t.Fatalf("unexpected order: %s, %s", active[0].ID, active[1].ID)
	}
	if !active[1].Deprioritized {
		t.Fatal("peer-a should be deprioritized")
	}

	// A successful contact restores normal ordering.
	reg.MarkReachable("peer-a")
	active = reg.ListActive()
	if active[0].ID != "peer-a" {
		t.Fatalf("expected peer-a first after recovery, got %s", active[0].ID)
	}
}

func TestFreshAnnouncementClearsFailures(t *testing.T) {
	reg := New("self", Options{})
	reg.Announce(testPeer("peer-a"))
	for i := 0; i < deprioritizeThreshold; i++ {
		reg.MarkUnreachable("peer-a")
	}

	reg.Announce(testPeer("peer-a"))

	got, ok := reg.Lookup("peer-a")
	if !ok {
		t.Fatal("peer missing")
	}
	if got.Deprioritized || got.FailureCount != 0 {
		t.Fatalf("announcement should clear failures: %+v", got)
	}
}

func TestEvents(t *testing.T) {
	reg := New("self", Options{})

	reg.Announce(testPeer("peer-a"))
	select {
	case event := <-reg.Events():
		if event.Type != EventJoined || event.Peer.ID != "peer-a" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("no joined event emitted")
	}

	updated := testPeer("peer-a")
	updated.Port = 9999
	reg.Announce(updated)
	select {
	case event := <-reg.Events():
		if event.Type != EventUpdated || event.Peer.Port != 9999 {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("no updated event emitted")
	}

	reg.Remove("peer-a")
	select {
	case event := <-reg.Events():
		if event.Type != EventLeft {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("no left event emitted")
	}
}

func TestConcurrentAnnouncements(t *testing.T) {
	reg := New("self", Options{})
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				peer := testPeer(string(rune('a' + g)))
				reg.Announce(peer)
				reg.Lookup(peer.ID)
				reg.ListActive()
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if reg.Len() != 8 {
		t.Fatalf("expected 8 peers, got %d", reg.Len())
	}
}
