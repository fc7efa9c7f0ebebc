// Package deck runs the goroutine that owns the notification list.
//
// The reconciler and its view are not safe for concurrent use, so every read
// and every operator action is posted here and executed in order on the deck
// goroutine. Renderers are called on the same goroutine after each change.
package deck

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"relaydeck/internal/decision"
	"relaydeck/internal/notifications"
	"relaydeck/internal/registry"
	logx "relaydeck/pkg/logx"
)

var ErrStopped = errors.New("deck: not running")

// Snapshot is what renderers see after a change.
type Snapshot struct {
	Pass int
	// Visible is the full list minus dismissed entries, in arrival order.
	Visible []notifications.Notification
	Counts  notifications.Counts
	Status  []string
}

// Renderer is called on the deck goroutine; it must not call back into the
// deck synchronously.
type Renderer interface {
	Render(ctx context.Context, s Snapshot)
}

type RendererFunc func(ctx context.Context, s Snapshot)

func (f RendererFunc) Render(ctx context.Context, s Snapshot) { f(ctx, s) }

type Options struct {
	Registry *registry.Registry
	Sink     notifications.Submitter
	// Tick is the periodic reconcile interval (default 1s).
	Tick time.Duration
	// ActionBuffer is the action channel size (default 64).
	ActionBuffer int
	Log          logx.Logger
}

type action struct {
	fn   func(v *notifications.View) error
	done chan error
}

type Deck struct {
	reg  *registry.Registry
	rec  *notifications.Reconciler
	view *notifications.View
	tick time.Duration
	log  logx.Logger

	actions   chan action
	stopped   chan struct{}
	renderers []Renderer

	// Set by local changes that a rebuild would not notice.
	dirty bool
}

func New(opts Options) *Deck {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ActionBuffer <= 0 {
		opts.ActionBuffer = 64
	}
	log := opts.Log.With(logx.String("comp", "deck"))
	rec := notifications.NewReconciler(log)
	return &Deck{
		reg:     opts.Registry,
		rec:     rec,
		view:    notifications.NewView(rec, opts.Sink),
		tick:    opts.Tick,
		log:     log,
		actions: make(chan action, opts.ActionBuffer),
		stopped: make(chan struct{}),
	}
}

// AddRenderer must be called before Run.
func (d *Deck) AddRenderer(r Renderer) { d.renderers = append(d.renderers, r) }

// Run owns the list until ctx ends.
func (d *Deck) Run(ctx context.Context) error {
	defer close(d.stopped)
	t := time.NewTicker(d.tick)
	defer t.Stop()

	changed := d.reg.Pending.Changed()
	d.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case <-t.C:
		case <-changed:
		case a := <-d.actions:
			// Actions see the queue as it is now.
			d.refresh(ctx)
			a.done <- a.fn(d.view)
		}
		d.refresh(ctx)
	}
}

// drain fails actions still queued after Run stops.
func (d *Deck) drain() {
	for {
		select {
		case a := <-d.actions:
			a.done <- ErrStopped
		default:
			return
		}
	}
}

func (d *Deck) refresh(ctx context.Context) {
	rebuilt := d.rec.Reconcile(d.reg.Pending)
	if !rebuilt && !d.dirty {
		return
	}
	d.dirty = false
	if len(d.renderers) == 0 {
		return
	}
	s := d.snapshot()
	for _, r := range d.renderers {
		r.Render(ctx, s)
	}
}

func (d *Deck) snapshot() Snapshot {
	all := d.view.List(notifications.FilterAll)
	visible := all[:0]
	for _, n := range all {
		if !d.reg.IsDismissed(n.ItemID) {
			visible = append(visible, n)
		}
	}
	return Snapshot{
		Pass:    d.rec.Passes(),
		Visible: visible,
		Counts:  d.view.Counts(),
		Status:  d.reg.StatusLines(),
	}
}

// Do runs fn on the deck goroutine and returns its error.
func (d *Deck) Do(ctx context.Context, fn func(v *notifications.View) error) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	a := action{fn: fn, done: make(chan error, 1)}
	select {
	case d.actions <- a:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.done:
		return err
	case <-d.stopped:
		select {
		case err := <-a.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns the filtered list and the counts it was built with.
func (d *Deck) List(ctx context.Context, f notifications.Filter) ([]notifications.Notification, notifications.Counts, error) {
	var (
		list   []notifications.Notification
		counts notifications.Counts
	)
	err := d.Do(ctx, func(v *notifications.View) error {
		list, counts = v.List(f), v.Counts()
		return nil
	})
	return list, counts, err
}

func (d *Deck) Find(ctx context.Context, id uuid.UUID) (notifications.Notification, bool, error) {
	var (
		n  notifications.Notification
		ok bool
	)
	err := d.Do(ctx, func(v *notifications.View) error {
		n, ok = v.Find(id)
		return nil
	})
	return n, ok, err
}

// Decide resolves an entry with its current remember flag.
func (d *Deck) Decide(ctx context.Context, id uuid.UUID, verdict decision.Verdict) error {
	return d.Do(ctx, func(v *notifications.View) error { return v.Decide(id, verdict) })
}

func (d *Deck) DecideWith(ctx context.Context, id uuid.UUID, verdict decision.Verdict, remember bool) error {
	return d.Do(ctx, func(v *notifications.View) error { return v.DecideWith(id, verdict, remember) })
}

// SetRemember flips an entry's remember flag. It returns
// decision.ErrUnknownItem when the entry is gone.
func (d *Deck) SetRemember(ctx context.Context, id uuid.UUID, remember bool) error {
	return d.Do(ctx, func(v *notifications.View) error {
		if !v.SetRemember(id, remember) {
			return decision.ErrUnknownItem
		}
		d.dirty = true
		return nil
	})
}

// Dismiss hides an entry from renderers without deciding it.
func (d *Deck) Dismiss(ctx context.Context, id uuid.UUID) error {
	return d.Do(ctx, func(v *notifications.View) error {
		if _, ok := v.Find(id); !ok {
			return decision.ErrUnknownItem
		}
		d.reg.Dismiss(id)
		d.dirty = true
		return nil
	})
}
