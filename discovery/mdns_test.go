package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/assafd7/p2p-fs-system/registry"
)

func fakeEntry(instance, peerID string, port int, ipv4 ...string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{Port: port}
	entry.Instance = instance
	entry.Text = []string{"peer_id=" + peerID, "version=1"}
	for _, ip := range ipv4 {
		entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP(ip))
	}
	return entry
}

func TestParseEntry(t *testing.T) {
	entry := fakeEntry("alice-laptop", "peer-a", 9876, "192.168.1.20")

	peer, ok := parseEntry(entry, "peer-self")
	if !ok {
		t.Fatal("valid entry rejected")
	}
	if peer.ID != "peer-a" || peer.Address != "192.168.1.20" || peer.Port != 9876 {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if peer.DisplayName != "alice-laptop" || peer.ProtocolVersion != 1 {
		t.Fatalf("unexpected peer metadata: %+v", peer)
	}
}

func TestParseEntryDropsSelfAndBroken(t *testing.T) {
	cases := []struct {
		name  string
		entry *zeroconf.ServiceEntry
	}{
		{"own record", fakeEntry("me", "peer-self", 9876, "192.168.1.20")},
		{"missing peer_id", &zeroconf.ServiceEntry{Port: 9876}},
		{"no address", fakeEntry("ghost", "peer-b", 9876)},
		{"bad port", fakeEntry("noport", "peer-c", 0, "192.168.1.21")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseEntry(tc.entry, "peer-self"); ok {
				t.Fatal("entry should have been dropped")
			}
		})
	}
}

func TestPickAddressPrefersIPv4(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.30"), net.ParseIP("10.0.0.5")}

	// Lowest sorted candidate, so repeated scans agree on one endpoint.
	if got := pickAddress(entry); got != "10.0.0.5" {
		t.Fatalf("pickAddress = %q, want 10.0.0.5", got)
	}

	entry.AddrIPv4 = nil
	if got := pickAddress(entry); got != "fe80::1" {
		t.Fatalf("pickAddress without IPv4 = %q, want fe80::1", got)
	}
}

func TestScannerFeedsRegistry(t *testing.T) {
	reg := registry.New("peer-self", registry.Options{})

	browse := func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			entries <- fakeEntry("alice", "peer-a", 9876, "192.168.1.20")
			entries <- fakeEntry("me", "peer-self", 9876, "192.168.1.21")
		}()
		return nil
	}

	scanner, err := NewScanner(Config{
		SelfPeerID:  "peer-self",
		ScanTimeout: 200 * time.Millisecond,
		browseFn:    browse,
	}, reg)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, ok := reg.Lookup("peer-a"); !ok {
		t.Fatal("scanned peer missing from registry")
	}
	if _, ok := reg.Lookup("peer-self"); ok {
		t.Fatal("own record landed in registry")
	}
}

func TestRefreshBeforeStart(t *testing.T) {
	reg := registry.New("peer-self", registry.Options{})
	scanner, err := NewScanner(Config{
		SelfPeerID: "peer-self",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}, reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatal("refresh on an unstarted scanner should fail")
	}
}

func TestAnnouncerRequiresIdentity(t *testing.T) {
	_, err := StartAnnouncer(Config{DisplayName: "alice", ListenPort: 9876})
	if err == nil {
		t.Fatal("announcer started without a peer ID")
	}
}

func TestAnnouncerPublishesTXTRecords(t *testing.T) {
	var gotText []string
	var gotPort int

	cfg := Config{
		SelfPeerID:  "peer-self",
		DisplayName: "alice",
		ListenPort:  9876,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotText = text
			gotPort = port
			return nil, nil
		},
	}
	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		t.Fatalf("StartAnnouncer: %v", err)
	}
	defer announcer.Stop()

	if gotPort != 9876 {
		t.Fatalf("registered port = %d, want 9876", gotPort)
	}
	want := map[string]bool{"peer_id=peer-self": true, "version=1": true}
	for _, record := range gotText {
		delete(want, record)
	}
	if len(want) != 0 {
		t.Fatalf("TXT records missing %v (got %v)", want, gotText)
	}
}
