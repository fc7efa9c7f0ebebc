// Package registry is the process-wide authority over shared state.
//
// A Registry is built once in main before any worker starts and is handed to
// every component by pointer; the handle never changes, only the guarded
// contents do. Each subsystem carries its own lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaydeck/internal/comms"
	"relaydeck/internal/eventbus"
	"relaydeck/internal/pending"
	"relaydeck/internal/settings"
	"relaydeck/internal/signer"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

var ErrShuttingDown = errors.New("registry: shutting down")

// ErrReceiverTaken is returned by a second TakeCommandReceiver call.
var ErrReceiverTaken = eventbus.ErrReceiverTaken

const welcomeStatus = "Welcome to relaydeck. Pending decisions show up here."

type Options struct {
	Store  storage.Store
	Signer *signer.Signer
	Log    logx.Logger

	// WorkerBuffer is each worker subscription's buffer (default 256).
	WorkerBuffer int
	// StatusLines bounds the status queue (default 3).
	StatusLines int
}

type Registry struct {
	// FirstRun is true when no settings had been saved before this start.
	FirstRun bool

	ShuttingDown atomic.Bool
	BytesRead    atomic.Uint64

	toWorkers    *eventbus.Bus[comms.ToWorker]
	workerBuffer int
	commands     *eventbus.Queue[comms.Command]

	Connected *PeerTable
	Settings  *Guarded[settings.Settings]
	// Dismissed holds pending item IDs the operator hid from the console
	// without deciding them.
	Dismissed *Guarded[map[uuid.UUID]struct{}]
	Status    *Guarded[StatusQueue]

	Pending *pending.Source
	Signer  *signer.Signer
	Store   storage.Store

	log logx.Logger
}

// New builds the registry. Any error is fatal to the caller: no partially
// built registry is ever returned.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	if opts.Signer == nil {
		opts.Signer = signer.New()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.WorkerBuffer <= 0 {
		opts.WorkerBuffer = 256
	}

	raw, found, err := opts.Store.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: load settings: %w", err)
	}
	st, err := settings.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	r := &Registry{
		FirstRun:     !found,
		toWorkers:    eventbus.New[comms.ToWorker](),
		workerBuffer: opts.WorkerBuffer,
		commands:     eventbus.NewQueue[comms.Command](),
		Connected:    NewPeerTable(),
		Settings:     NewGuarded(st),
		Dismissed:    NewGuarded(map[uuid.UUID]struct{}{}),
		Status:       NewGuarded(NewStatusQueue(opts.StatusLines, welcomeStatus)),
		Pending:      pending.NewSource(),
		Signer:       opts.Signer,
		Store:        opts.Store,
		log:          opts.Log.With(logx.String("comp", "registry")),
	}
	r.log.Info("registry ready",
		logx.Bool("first_run", r.FirstRun),
		logx.Int("relays", len(st.Relays)),
		logx.Bool("identity", r.Signer.HasKey()))
	return r, nil
}

// Broadcast delivers msg to every live worker subscription. Workers that are
// not subscribed, or whose buffer is full, miss it.
func (r *Registry) Broadcast(msg comms.ToWorker) int {
	n := r.toWorkers.Publish(msg)
	r.log.Trace("broadcast", logx.String("kind", msg.Kind.String()), logx.String("target", msg.Target), logx.Int("delivered", n))
	return n
}

// SubscribeWorker returns a worker's receive channel and its unsubscribe func.
func (r *Registry) SubscribeWorker() (<-chan comms.ToWorker, func()) {
	return r.toWorkers.Subscribe(r.workerBuffer)
}

// SendCommand enqueues cmd for the coordinator without blocking. Once
// shutdown has begun only the first Shutdown command is accepted.
func (r *Registry) SendCommand(cmd comms.Command) error {
	if _, ok := cmd.(comms.Shutdown); ok {
		if !r.ShuttingDown.CompareAndSwap(false, true) {
			return nil
		}
		return r.commands.Push(cmd)
	}
	if r.ShuttingDown.Load() {
		return ErrShuttingDown
	}
	return r.commands.Push(cmd)
}

// TakeCommandReceiver hands the coordinator its end of the command queue.
// It succeeds exactly once.
func (r *Registry) TakeCommandReceiver() (*eventbus.Receiver[comms.Command], error) {
	return r.commands.TakeReceiver()
}

// CloseCommands stops intake; queued commands can still be drained.
func (r *Registry) CloseCommands() { r.commands.Close() }

// CurrentSettings returns a deep copy of the live settings.
func (r *Registry) CurrentSettings() settings.Settings {
	return View(r.Settings, func(s *settings.Settings) settings.Settings { return s.Clone() })
}

// ApplySettings replaces the live settings, tells workers, and asks the
// coordinator to persist them.
func (r *Registry) ApplySettings(s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.Settings.Store(s.Clone())
	r.Broadcast(comms.ToWorker{Kind: comms.WorkerSettingsChanged})
	return r.SendCommand(comms.SaveSettings{})
}

// WriteStatus appends an operator-facing status line.
func (r *Registry) WriteStatus(text string) {
	r.Status.WithLocked(func(q *StatusQueue) { q.Write(time.Now(), text) })
}

func (r *Registry) StatusLines() []string {
	return View(r.Status, func(q *StatusQueue) []string { return q.Read() })
}

func (r *Registry) Dismiss(id uuid.UUID) {
	r.Dismissed.WithLocked(func(m *map[uuid.UUID]struct{}) { (*m)[id] = struct{}{} })
}

func (r *Registry) IsDismissed(id uuid.UUID) bool {
	return View(r.Dismissed, func(m *map[uuid.UUID]struct{}) bool {
		_, ok := (*m)[id]
		return ok
	})
}

// ForgetDismissed drops dismissed IDs that are no longer pending.
func (r *Registry) ForgetDismissed(stillPending func(uuid.UUID) bool) {
	r.Dismissed.WithLocked(func(m *map[uuid.UUID]struct{}) {
		for id := range *m {
			if !stillPending(id) {
				delete(*m, id)
			}
		}
	})
}

// Profile is this process's public identity and where others can reach it.
type Profile struct {
	PublicKey string   `json:"public_key"`
	Relays    []string `json:"relays"`
}

// Profile returns the identity's public key and its write (outbox) relays.
// ok is false without an identity.
func (r *Registry) Profile() (p Profile, ok bool) {
	pk := r.Signer.PublicKey()
	if pk == "" {
		return Profile{}, false
	}
	return Profile{PublicKey: pk, Relays: r.CurrentSettings().WriteRelays()}, true
}
