// Package decision carries the operator's verdict on a pending item back to
// the worker waiting for it, and remembers verdicts the operator asked to
// apply automatically next time.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaydeck/internal/comms"
	"relaydeck/internal/pending"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

var (
	ErrUnknownItem    = errors.New("decision: item is not pending")
	ErrAlreadyDecided = errors.New("decision: item already decided")
	ErrExpired        = errors.New("decision: item expired before a decision")
)

type Verdict uint8

const (
	Approve Verdict = iota + 1
	Decline
)

func (v Verdict) String() string {
	switch v {
	case Approve:
		return "approve"
	case Decline:
		return "decline"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

func (v Verdict) Approved() bool { return v == Approve }

func VerdictOf(approved bool) Verdict {
	if approved {
		return Approve
	}
	return Decline
}

// Decision is one resolved pending item.
type Decision struct {
	ItemID   uuid.UUID
	Kind     pending.Kind
	Key      string // empty for kinds without an identity key
	Verdict  Verdict
	Remember bool
	At       time.Time
	// Auto is set when a remembered verdict answered without asking.
	Auto bool
}

// CommandSender is the coordinator's inbox.
type CommandSender interface {
	SendCommand(comms.Command) error
}

type slot struct {
	done    chan struct{}
	d       Decision
	err     error
	waiters int
}

type Sink struct {
	src  *pending.Source
	cmds CommandSender
	log  logx.Logger
	now  func() time.Time

	mu         sync.Mutex
	slots      map[uuid.UUID]*slot
	remembered map[rememberKey]Verdict
}

type rememberKey struct {
	kind pending.Kind
	key  string
}

func NewSink(src *pending.Source, cmds CommandSender, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		src:        src,
		cmds:       cmds,
		log:        log.With(logx.String("comp", "decision")),
		now:        time.Now,
		slots:      map[uuid.UUID]*slot{},
		remembered: map[rememberKey]Verdict{},
	}
}

// Load replaces the remembered verdicts with what store holds.
func (s *Sink) Load(ctx context.Context, store storage.Store) error {
	list, err := store.ListRemembered(ctx)
	if err != nil {
		return fmt.Errorf("decision: load remembered: %w", err)
	}
	m := make(map[rememberKey]Verdict, len(list))
	for _, r := range list {
		k, err := pending.ParseKind(r.Kind)
		if err != nil || !k.Keyed() {
			s.log.Warn("skipping remembered decision", logx.String("kind", r.Kind), logx.String("key", r.Key))
			continue
		}
		m[rememberKey{k, r.Key}] = VerdictOf(r.Approved)
	}
	s.mu.Lock()
	s.remembered = m
	s.mu.Unlock()
	s.log.Info("remembered decisions loaded", logx.Int("count", len(m)))
	return nil
}

// Lookup returns the remembered verdict for an identity, if any.
func (s *Sink) Lookup(kind pending.Kind, key string) (Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.remembered[rememberKey{kind, key}]
	return v, ok
}

// Forget drops a remembered verdict from memory. Persistence follows through
// the coordinator.
func (s *Sink) Forget(kind pending.Kind, key string) bool {
	s.mu.Lock()
	_, ok := s.remembered[rememberKey{kind, key}]
	delete(s.remembered, rememberKey{kind, key})
	s.mu.Unlock()
	return ok
}

// Request answers item from a remembered verdict when one exists; otherwise
// it queues item (once per identity) and waits for the operator. If ctx ends
// first, an item this call queued is withdrawn.
func (s *Sink) Request(ctx context.Context, item pending.Item) (Decision, error) {
	if key, ok := item.IdentityKey(); ok {
		if v, ok := s.Lookup(item.Kind(), key); ok {
			return Decision{Kind: item.Kind(), Key: key, Verdict: v, At: s.now(), Auto: true}, nil
		}
	}
	e, added := s.src.AddUnique(item)
	d, err := s.Await(ctx, e)
	if err != nil && added && ctx.Err() != nil {
		s.src.Remove(e.ID)
	}
	return d, err
}

// Await blocks until entry is decided or expired, or ctx ends. Any number of
// goroutines may await the same entry.
func (s *Sink) Await(ctx context.Context, e pending.Entry) (Decision, error) {
	s.mu.Lock()
	sl := s.slotLocked(e.ID)
	sl.waiters++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		sl.waiters--
		s.mu.Unlock()
	}()

	select {
	case <-sl.done:
		return sl.d, sl.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (s *Sink) slotLocked(id uuid.UUID) *slot {
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{done: make(chan struct{})}
		s.slots[id] = sl
	}
	return sl
}

// Submit resolves a pending item. Kind and Key are taken from the queued
// item, not from d.
func (s *Sink) Submit(d Decision) error {
	if d.Verdict != Approve && d.Verdict != Decline {
		return fmt.Errorf("decision: invalid verdict %v", d.Verdict)
	}

	s.mu.Lock()
	if sl, ok := s.slots[d.ItemID]; ok && isClosed(sl.done) {
		s.mu.Unlock()
		return ErrAlreadyDecided
	}
	e, ok := s.src.Get(d.ItemID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownItem
	}
	d.Kind = e.Item.Kind()
	key, keyed := e.Item.IdentityKey()
	if keyed {
		d.Key = key
	} else {
		d.Key = ""
		d.Remember = false
	}
	if d.At.IsZero() {
		d.At = s.now()
	}
	if d.Remember {
		s.remembered[rememberKey{d.Kind, d.Key}] = d.Verdict
	}
	s.resolveLocked(d.ItemID, d, nil)
	s.sweepLocked()
	s.mu.Unlock()

	s.log.Info("decision submitted",
		logx.String("item", d.ItemID.String()),
		logx.String("kind", d.Kind.String()),
		logx.String("verdict", d.Verdict.String()),
		logx.Bool("remember", d.Remember))

	return s.cmds.SendCommand(comms.DecisionRecorded{
		ItemID:   d.ItemID,
		Kind:     d.Kind.String(),
		Key:      d.Key,
		Approved: d.Verdict.Approved(),
		Remember: d.Remember,
	})
}

// Expire wakes everyone waiting on itemID with ErrExpired. It reports whether
// the item was still undecided.
func (s *Sink) Expire(itemID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[itemID]; ok && isClosed(sl.done) {
		return false
	}
	s.resolveLocked(itemID, Decision{ItemID: itemID}, ErrExpired)
	return true
}

func (s *Sink) resolveLocked(id uuid.UUID, d Decision, err error) {
	sl := s.slotLocked(id)
	sl.d, sl.err = d, err
	close(sl.done)
}

// Sweep forgets slots whose item has left the queue and that nobody can
// still be waiting on.
func (s *Sink) Sweep() {
	s.mu.Lock()
	s.sweepLocked()
	s.mu.Unlock()
}

// Waiting returns how many items have at least one goroutine awaiting them.
func (s *Sink) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.waiters > 0 && !isClosed(sl.done) {
			n++
		}
	}
	return n
}

func (s *Sink) sweepLocked() {
	for id, sl := range s.slots {
		if !isClosed(sl.done) && sl.waiters > 0 {
			continue
		}
		if _, ok := s.src.Get(id); !ok {
			delete(s.slots, id)
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
