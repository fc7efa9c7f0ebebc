// Package pending holds the queue of items awaiting a human decision.
//
// Workers append and remove concurrently. A single reader takes consistent
// snapshots together with a fingerprint of the whole ordered queue, which is
// what lets the reader skip work when nothing changed.
package pending

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Entry is one queued item with its arrival time.
type Entry struct {
	ID   uuid.UUID
	Item Item
	At   time.Time
}

type Source struct {
	mu      sync.RWMutex
	entries []Entry

	// fp caches the fingerprint of entries; fpOK is cleared by every mutation.
	fp   atomic.Uint64
	fpOK atomic.Bool

	changed chan struct{}
	now     func() time.Time
}

func NewSource() *Source {
	return &Source{changed: make(chan struct{}, 1), now: time.Now}
}

// Changed is signalled (coalesced) after every mutation.
func (s *Source) Changed() <-chan struct{} { return s.changed }

func (s *Source) mutated() {
	s.fpOK.Store(false)
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Add queues item with the current time.
func (s *Source) Add(item Item) Entry { return s.AddAt(item, s.now()) }

// AddAt queues item with an explicit arrival time. Entries stay in the order
// they were added regardless of at.
func (s *Source) AddAt(item Item, at time.Time) Entry {
	e := Entry{ID: uuid.New(), Item: item, At: at}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mutated()
	s.mu.Unlock()
	return e
}

// AddUnique queues item unless an entry of the same kind and identity key is
// already queued, in which case that entry is returned with added=false.
// Items without an identity key are always added.
func (s *Source) AddUnique(item Item) (e Entry, added bool) {
	key, keyed := item.IdentityKey()
	if !keyed {
		return s.Add(item), true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.entries {
		if cur.Item.Kind() != item.Kind() {
			continue
		}
		if k, ok := cur.Item.IdentityKey(); ok && k == key {
			return cur, false
		}
	}
	e = Entry{ID: uuid.New(), Item: item, At: s.now()}
	s.entries = append(s.entries, e)
	s.mutated()
	return e, true
}

// Remove drops the entry with id and reports whether it was queued.
func (s *Source) Remove(id uuid.UUID) bool {
	return s.RemoveWhere(func(e Entry) bool { return e.ID == id }) > 0
}

// RemoveWhere drops every entry matching fn and returns how many were dropped.
func (s *Source) RemoveWhere(fn func(Entry) bool) int {
	return len(s.extract(fn))
}

// PruneOlderThan drops entries that arrived before cutoff and returns them.
func (s *Source) PruneOlderThan(cutoff time.Time) []Entry {
	return s.extract(func(e Entry) bool { return e.At.Before(cutoff) })
}

func (s *Source) extract(fn func(Entry) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if fn(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil
	}
	clear(s.entries[len(kept):])
	s.entries = kept
	s.mutated()
	return removed
}

func (s *Source) Get(id uuid.UUID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (s *Source) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Fingerprint is an order-sensitive hash of the queue contents. An empty
// queue fingerprints to 0.
func (s *Source) Fingerprint() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprintLocked()
}

// Snapshot returns a copy of the queue in arrival order.
func (s *Source) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// SnapshotWithFingerprint returns a snapshot and the fingerprint of exactly
// that snapshot.
func (s *Source) SnapshotWithFingerprint() ([]Entry, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...), s.fingerprintLocked()
}

func (s *Source) fingerprintLocked() uint64 {
	if s.fpOK.Load() {
		return s.fp.Load()
	}
	fp := Fingerprint(s.entries)
	s.fp.Store(fp)
	s.fpOK.Store(true)
	return fp
}

// Fingerprint hashes entries in order over ID, kind, identity key and
// arrival time.
func Fingerprint(entries []Entry) uint64 {
	if len(entries) == 0 {
		return 0
	}
	d := xxhash.New()
	var buf [8]byte
	for _, e := range entries {
		_, _ = d.Write(e.ID[:])
		_, _ = d.Write([]byte{byte(e.Item.Kind())})
		if key, ok := e.Item.IdentityKey(); ok {
			_, _ = d.WriteString(key)
		}
		_, _ = d.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], uint64(e.At.UnixNano()))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
