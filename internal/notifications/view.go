package notifications

import (
	"github.com/google/uuid"

	"relaydeck/internal/decision"
)

// Submitter receives decisions made through the view.
type Submitter interface {
	Submit(decision.Decision) error
}

// View is the consumer-facing projection of a Reconciler's list.
type View struct {
	rec  *Reconciler
	sink Submitter
}

func NewView(rec *Reconciler, sink Submitter) *View {
	return &View{rec: rec, sink: sink}
}

// List returns the entries matching f in arrival order. The result is a copy.
func (v *View) List(f Filter) []Notification {
	out := make([]Notification, 0, len(v.rec.list))
	for _, n := range v.rec.list {
		if n.Matches(f) {
			out = append(out, n)
		}
	}
	return out
}

func (v *View) Counts() Counts { return v.rec.counts }

func (v *View) Find(id uuid.UUID) (Notification, bool) {
	if i := v.rec.index(id); i >= 0 {
		return v.rec.list[i], true
	}
	return Notification{}, false
}

// SetRemember changes an entry's remember flag. It reports whether the entry
// exists.
func (v *View) SetRemember(id uuid.UUID, remember bool) bool {
	return v.rec.setRemember(id, remember)
}

// Decide forwards the operator's verdict for one entry, carrying the entry's
// current remember flag. The queue itself is left to the coordinator; the
// entry disappears on the first rebuild after the coordinator removes it.
func (v *View) Decide(id uuid.UUID, verdict decision.Verdict) error {
	n, ok := v.Find(id)
	if !ok {
		return decision.ErrUnknownItem
	}
	key, _ := n.IdentityKey()
	return v.sink.Submit(decision.Decision{
		ItemID:   id,
		Kind:     n.Kind(),
		Key:      key,
		Verdict:  verdict,
		Remember: n.Remember,
	})
}

// DecideWith sets the entry's remember flag and then decides it.
func (v *View) DecideWith(id uuid.UUID, verdict decision.Verdict, remember bool) error {
	if !v.SetRemember(id, remember) {
		return decision.ErrUnknownItem
	}
	return v.Decide(id, verdict)
}
