package notifications

import (
	"github.com/google/uuid"

	"relaydeck/internal/pending"
	logx "relaydeck/pkg/logx"
)

// Source is the part of the pending queue the reconciler reads.
type Source interface {
	Fingerprint() uint64
	SnapshotWithFingerprint() ([]pending.Entry, uint64)
}

type carryKey struct {
	kind pending.Kind
	key  string
}

// Reconciler owns the notification list. It is not safe for concurrent use.
type Reconciler struct {
	list        []Notification
	counts      Counts
	fingerprint uint64
	passes      int

	// remember is the carry-over table for keyed kinds. It always describes
	// exactly the keyed entries of list.
	remember map[carryKey]bool

	log logx.Logger
}

func NewReconciler(log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{remember: map[carryKey]bool{}, log: log}
}

// Reconcile brings the list up to date with src and reports whether it was
// rebuilt. An unchanged fingerprint means no work at all.
func (r *Reconciler) Reconcile(src Source) bool {
	if src.Fingerprint() == r.fingerprint {
		return false
	}
	snap, fp := src.SnapshotWithFingerprint()

	var counts Counts
	list := make([]Notification, 0, len(snap))
	remember := make(map[carryKey]bool, len(r.remember))
	carried := 0
	for _, e := range snap {
		n := Notification{ItemID: e.ID, Item: e.Item, CreatedAt: e.At}
		counts.by[n.Category()]++
		if key, ok := e.Item.IdentityKey(); ok {
			ck := carryKey{e.Item.Kind(), key}
			if v := r.remember[ck]; v {
				n.Remember = true
				carried++
			}
			remember[ck] = n.Remember
		}
		list = append(list, n)
	}

	r.list, r.counts, r.remember, r.fingerprint = list, counts, remember, fp
	r.passes++
	r.log.Debug("notifications rebuilt",
		logx.Int("entries", len(list)),
		logx.Int("relays", counts.Relays()),
		logx.Int("pending", counts.Pending()),
		logx.Int("carried", carried))
	return true
}

// Passes is the number of rebuilds so far.
func (r *Reconciler) Passes() int { return r.passes }

// Fingerprint is the fingerprint of the queue state the list reflects.
func (r *Reconciler) Fingerprint() uint64 { return r.fingerprint }

func (r *Reconciler) Counts() Counts { return r.counts }

func (r *Reconciler) Len() int { return len(r.list) }

func (r *Reconciler) index(id uuid.UUID) int {
	for i := range r.list {
		if r.list[i].ItemID == id {
			return i
		}
	}
	return -1
}

// setRemember updates one entry and, for keyed kinds, every entry sharing
// its identity so the carry-over table stays unambiguous.
func (r *Reconciler) setRemember(id uuid.UUID, v bool) bool {
	i := r.index(id)
	if i < 0 {
		return false
	}
	key, ok := r.list[i].IdentityKey()
	if !ok {
		r.list[i].Remember = v
		return true
	}
	ck := carryKey{r.list[i].Kind(), key}
	for j := range r.list {
		if k, ok := r.list[j].IdentityKey(); ok && k == key && r.list[j].Kind() == ck.kind {
			r.list[j].Remember = v
		}
	}
	r.remember[ck] = v
	return true
}
