// Package registry implements the peer registry shared by the intercom
// transports.
//
// A registry maps a transport identity (a UDP "addr:port" key, or a
// server-assigned session id for signaling) to presence metadata and a
// last-seen timestamp. The registry is passive state: it never sends
// anything itself. Callers broadcast peer-count and departure events after
// mutating it.
//
// Example:
//
//	reg := registry.New(nil)
//	entry, isNew := reg.Upsert("10.0.0.5:41234", addr)
//	if isNew {
//	    // broadcast updated peer count
//	}
//	for _, gone := range reg.SweepExpired(15 * time.Second) {
//	    // broadcast departure for gone.PresenceID
//	}
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTTL is how long a peer may stay silent before the next sweep
// removes it.
const DefaultTTL = 15 * time.Second

// Entry is one registered peer.
type Entry struct {
	// Identity is the registry key: the remote "addr:port" for UDP peers,
	// a session id for signaling peers.
	Identity string

	// Address is the send target for UDP peers. Nil for signaling peers,
	// whose connections live in the hub.
	Address net.Addr

	// PresenceID and DisplayName are set by a presence announce and are
	// empty until the peer announces itself.
	PresenceID  string
	DisplayName string

	// Announce is the presence frame exactly as received, kept so late
	// joiners get a byte-verbatim replay rather than a re-encoding.
	Announce []byte

	// LastSeen is refreshed on every message from the peer. It never
	// moves backwards while the entry exists.
	LastSeen time.Time
}

// Registry is a mutex-guarded peer table. All mutation goes through the
// lock, so message handling and the periodic sweep never interleave
// unsafely; fan-out works on snapshots and never holds the lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	tp      TimeProvider
}

// New creates an empty registry. A nil TimeProvider selects the system
// clock.
func New(tp TimeProvider) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		tp:      getTimeProvider(tp),
	}
}

// Upsert creates or refreshes the entry for identity and reports whether
// it was newly created. The returned Entry is a copy.
func (r *Registry) Upsert(identity string, addr net.Addr) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok {
		entry = &Entry{Identity: identity}
		r.entries[identity] = entry
		logrus.WithFields(logrus.Fields{
			"identity": identity,
			"peers":    len(r.entries),
		}).Info("Peer registered")
	}
	entry.Address = addr
	r.refreshLocked(entry)
	return *entry, !ok
}

// Touch refreshes LastSeen for identity if it exists.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[identity]; ok {
		r.refreshLocked(entry)
	}
}

// SetPresence stores the announced id and display name on an existing
// entry and reports whether the entry was found.
func (r *Registry) SetPresence(identity, presenceID, displayName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok {
		return false
	}
	entry.PresenceID = presenceID
	entry.DisplayName = displayName
	return true
}

// SetAnnounce stores a copy of the raw presence frame on an existing
// entry and reports whether the entry was found. Callers may pass a
// slice aliasing a reused read buffer.
func (r *Registry) SetAnnounce(identity string, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok {
		return false
	}
	entry.Announce = append([]byte(nil), frame...)
	return true
}

// Remove deletes the entry for identity and returns a copy of it.
func (r *Registry) Remove(identity string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, identity)
	return *entry, true
}

// SweepExpired removes every entry whose LastSeen is older than ttl and
// returns copies of the removed entries. Callers broadcast departure and
// peer-count events for them.
func (r *Registry) SweepExpired(ttl time.Duration) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.tp.Now()
	var removed []Entry
	for identity, entry := range r.entries {
		if now.Sub(entry.LastSeen) > ttl {
			removed = append(removed, *entry)
			delete(r.entries, identity)
		}
	}
	if len(removed) > 0 {
		logrus.WithFields(logrus.Fields{
			"removed": len(removed),
			"peers":   len(r.entries),
		}).Info("Purged stale peers")
	}
	return removed
}

// All returns a snapshot of every entry. The snapshot is safe to iterate
// while the registry keeps mutating.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	return entries
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// refreshLocked advances LastSeen to now. Last writer wins by timestamp:
// a stale clock reading never rewinds an entry.
func (r *Registry) refreshLocked(entry *Entry) {
	if now := r.tp.Now(); now.After(entry.LastSeen) {
		entry.LastSeen = now
	}
}
