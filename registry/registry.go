// Package registry tracks the set of currently reachable peers. Peers enter
// the registry through announcements (typically fed by mDNS discovery) and
// leave it when their announcements stop arriving for longer than the TTL.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a peer stays active without a fresh announcement.
	DefaultTTL = 120 * time.Second
	// DefaultSweepInterval is how often expired peers are collected.
	DefaultSweepInterval = 10 * time.Second
	// DefaultShardCount spreads peer entries across independently locked
	// shards so announcements for different peers never contend.
	DefaultShardCount = 16

	// deprioritizeThreshold is the consecutive failure count after which a
	// peer is moved to the back of candidate lists.
	deprioritizeThreshold = 3
)

// Peer is a snapshot of one registry entry.
type Peer struct {
	ID              string
	DisplayName     string
	Address         string
	Port            int
	ProtocolVersion int
	FirstSeen       time.Time
	LastSeen        time.Time
	FailureCount    int
	Deprioritized   bool
}

// EventType tags registry membership events.
type EventType string

const (
	// EventJoined fires the first time a peer is announced.
	EventJoined EventType = "joined"
	// EventUpdated fires when a known peer re-announces with new details.
	EventUpdated EventType = "updated"
	// EventLeft fires when a peer expires or is removed.
	EventLeft EventType = "left"
)

// Event describes one membership change.
type Event struct {
	Type EventType
	Peer Peer
}

// Options configures a registry.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Shards        int
}

func (o *Options) withDefaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Shards <= 0 {
		o.Shards = DefaultShardCount
	}
}

type peerEntry struct {
	peer Peer
}

type shard struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// Registry is a sharded, TTL-expiring peer table. All methods are safe for
// concurrent use.
type Registry struct {
	opts   Options
	selfID string

	shards []*shard

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a registry. Announcements carrying selfID are ignored so a node
// never tracks itself.
func New(selfID string, opts Options) *Registry {
	opts.withDefaults()
	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{peers: make(map[string]*peerEntry)}
	}
	return &Registry{
		opts:   opts,
		selfID: selfID,
		shards: shards,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Start launches the expiry sweeper.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.sweepLoop()
	})
}

// Stop halts the sweeper. Entries remain queryable.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// Events exposes membership changes. Slow consumers drop events rather than
// blocking announcements.
func (r *Registry) Events() <-chan Event { return r.events }

// Announce records a peer sighting, inserting or refreshing its entry. A
// fresh announcement clears any accumulated failure count.
func (r *Registry) Announce(peer Peer) {
	if peer.ID == "" || peer.ID == r.selfID {
		return
	}
	now := time.Now()

	s := r.shardFor(peer.ID)
	s.mu.Lock()
	entry, known := s.peers[peer.ID]
	if !known {
		peer.FirstSeen = now
		peer.LastSeen = now
		s.peers[peer.ID] = &peerEntry{peer: peer}
		s.mu.Unlock()
		r.emit(Event{Type: EventJoined, Peer: peer})
		return
	}

	changed := entry.peer.Address != peer.Address ||
		entry.peer.Port != peer.Port ||
		entry.peer.DisplayName != peer.DisplayName
	entry.peer.Address = peer.Address
	entry.peer.Port = peer.Port
	entry.peer.DisplayName = peer.DisplayName
	entry.peer.ProtocolVersion = peer.ProtocolVersion
	entry.peer.LastSeen = now
	entry.peer.FailureCount = 0
	entry.peer.Deprioritized = false
	snapshot := entry.peer
	s.mu.Unlock()

	if changed {
		r.emit(Event{Type: EventUpdated, Peer: snapshot})
	}
}

// Lookup returns the entry for a peer if it is still active.
func (r *Registry) Lookup(peerID string) (Peer, bool) {
	s := r.shardFor(peerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.peers[peerID]
	if !ok || r.expired(entry.peer, time.Now()) {
		return Peer{}, false
	}
	return entry.peer, true
}

// ListActive returns every unexpired peer, ordered by ID with deprioritized
// peers after healthy ones.
func (r *Registry) ListActive() []Peer {
	now := time.Now()
	var active []Peer
	for _, s := range r.shards {
		s.mu.RLock()
		for _, entry := range s.peers {
			if !r.expired(entry.peer, now) {
				active = append(active, entry.peer)
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Deprioritized != active[j].Deprioritized {
			return !active[i].Deprioritized
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// MarkUnreachable records a failed contact attempt. Repeated failures
// deprioritize the peer until it announces again or a contact succeeds.
func (r *Registry) MarkUnreachable(peerID string) {
	s := r.shardFor(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.peers[peerID]
	if !ok {
		return
	}
	entry.peer.FailureCount++
	if entry.peer.FailureCount >= deprioritizeThreshold {
		entry.peer.Deprioritized = true
	}
}

// MarkReachable clears a peer's failure history after a successful contact.
func (r *Registry) MarkReachable(peerID string) {
	s := r.shardFor(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.peers[peerID]; ok {
		entry.peer.FailureCount = 0
		entry.peer.Deprioritized = false
	}
}

// Remove drops a peer immediately, emitting EventLeft if it was present.
func (r *Registry) Remove(peerID string) {
	s := r.shardFor(peerID)
	s.mu.Lock()
	entry, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	if ok {
		r.emit(Event{Type: EventLeft, Peer: entry.peer})
	}
}

// Len reports the number of entries, including ones awaiting expiry.
func (r *Registry) Len() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.peers)
		s.mu.RUnlock()
	}
	return total
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	for _, s := range r.shards {
		var expired []Peer
		s.mu.Lock()
		for id, entry := range s.peers {
			if r.expired(entry.peer, now) {
				expired = append(expired, entry.peer)
				delete(s.peers, id)
			}
		}
		s.mu.Unlock()
		for _, peer := range expired {
			r.emit(Event{Type: EventLeft, Peer: peer})
		}
	}
}

func (r *Registry) expired(peer Peer, now time.Time) bool {
	return now.Sub(peer.LastSeen) > r.opts.TTL
}

func (r *Registry) shardFor(peerID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(peerID))
	return r.shards[int(h.Sum32())%len(r.shards)]
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}
