// Package console is the operator's chat front end. It mirrors the deck's
// notification list as one card per item, with inline buttons to decide,
// remember or dismiss it, and serves a few read-only commands.
package console

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaydeck/internal/comms"
	"relaydeck/internal/deck"
	"relaydeck/internal/decision"
	"relaydeck/internal/notifications"
	kit "relaydeck/internal/transport"
	logx "relaydeck/pkg/logx"
	"relaydeck/pkg/tgui"
)

type Config struct {
	// OwnerID is the only user allowed to act.
	OwnerID int64
	// ChatID receives cards; zero means the owner's private chat.
	ChatID   int64
	ThreadID int
	// PageSize is the /pending page length (default 8).
	PageSize int
}

func (c Config) target() kit.ChatTarget {
	id := c.ChatID
	if id == 0 {
		id = c.OwnerID
	}
	return kit.ChatTarget{ChatID: id, ThreadID: c.ThreadID}
}

// Actions is the deck surface the console drives. *deck.Deck satisfies it.
type Actions interface {
	List(ctx context.Context, f notifications.Filter) ([]notifications.Notification, notifications.Counts, error)
	Find(ctx context.Context, id uuid.UUID) (notifications.Notification, bool, error)
	Decide(ctx context.Context, id uuid.UUID, verdict decision.Verdict) error
	SetRemember(ctx context.Context, id uuid.UUID, remember bool) error
	Dismiss(ctx context.Context, id uuid.UUID) error
}

// Backend exposes process state and accepts coordinator commands.
// *registry.Registry satisfies it.
type Backend interface {
	StatusLines() []string
	SendCommand(comms.Command) error
}

// RelayLister reports connected relays. *coordinator.Coordinator satisfies it.
type RelayLister interface {
	Running() []string
}

type Options struct {
	Config  Config
	Adapter kit.Adapter
	Actions Actions
	Backend Backend
	Relays  RelayLister
	Log     logx.Logger
}

type card struct {
	ref      kit.MessageRef
	text     string
	remember bool
}

type Console struct {
	cfg     Config
	ad      kit.Adapter
	actions Actions
	backend Backend
	relays  RelayLister
	log     logx.Logger

	latest     chan deck.Snapshot
	retryDelay time.Duration

	// cards is only touched by Run.
	cards map[uuid.UUID]*card

	mu       sync.Mutex
	outcomes map[uuid.UUID]string
}

func New(opts Options) (*Console, error) {
	if opts.Adapter == nil || opts.Actions == nil || opts.Backend == nil {
		return nil, errors.New("console: adapter, actions and backend are required")
	}
	if opts.Config.OwnerID == 0 {
		return nil, errors.New("console: owner id is required")
	}
	if opts.Config.PageSize <= 0 {
		opts.Config.PageSize = 8
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Console{
		cfg:        opts.Config,
		ad:         opts.Adapter,
		actions:    opts.Actions,
		backend:    opts.Backend,
		relays:     opts.Relays,
		log:        opts.Log.With(logx.String("comp", "console")),
		latest:     make(chan deck.Snapshot, 1),
		retryDelay: 2 * time.Second,
		cards:      map[uuid.UUID]*card{},
		outcomes:   map[uuid.UUID]string{},
	}, nil
}

// Render keeps only the newest snapshot; chat IO happens in Run.
func (c *Console) Render(_ context.Context, s deck.Snapshot) {
	for {
		select {
		case c.latest <- s:
			return
		default:
		}
		select {
		case <-c.latest:
		default:
		}
	}
}

// Run syncs cards with each snapshot until ctx ends. A sync that could not
// deliver every card is retried with the newest snapshot after retryDelay.
func (c *Console) Run(ctx context.Context) error {
	var (
		last  deck.Snapshot
		retry <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case last = <-c.latest:
		case <-retry:
		}
		retry = nil
		if !c.sync(ctx, last) {
			retry = time.After(c.retryDelay)
		}
	}
}

// sync reports whether every visible item has an up to date card.
func (c *Console) sync(ctx context.Context, s deck.Snapshot) bool {
	complete := true
	seen := make(map[uuid.UUID]bool, len(s.Visible))
	for _, n := range s.Visible {
		seen[n.ItemID] = true
		cd, ok := c.cards[n.ItemID]
		switch {
		case !ok:
			msg := cardMessage(n)
			ref, err := msg.Send(ctx, c.ad, c.cfg.target())
			if err != nil {
				c.log.Warn("card send failed", logx.String("item", n.ItemID.String()), logx.Err(err))
				complete = false
				continue
			}
			c.cards[n.ItemID] = &card{ref: ref, text: msg.Text, remember: n.Remember}
		case cd.remember != n.Remember:
			if err := cardMessage(n).Edit(ctx, c.ad, cd.ref); err != nil {
				c.log.Warn("card edit failed", logx.String("item", n.ItemID.String()), logx.Err(err))
				complete = false
				continue
			}
			cd.remember = n.Remember
		}
	}

	for id, cd := range c.cards {
		if seen[id] {
			continue
		}
		final := tgui.New().HTML(tgui.Raw(cd.text)).Blank().HTML(tgui.I(c.takeOutcome(id))).Build()
		if err := final.Edit(ctx, c.ad, cd.ref); err != nil {
			c.log.Debug("card close failed", logx.String("item", id.String()), logx.Err(err))
		}
		delete(c.cards, id)
	}

	// Outcomes of items decided without a card (dismissed, or decided from
	// /pending) have nothing to close.
	c.mu.Lock()
	for id := range c.outcomes {
		if !seen[id] {
			delete(c.outcomes, id)
		}
	}
	c.mu.Unlock()
	return complete
}

func (c *Console) setOutcome(id uuid.UUID, text string) {
	c.mu.Lock()
	c.outcomes[id] = text
	c.mu.Unlock()
}

func (c *Console) takeOutcome(id uuid.UUID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.outcomes[id]
	delete(c.outcomes, id)
	if !ok {
		return "No longer pending."
	}
	return text
}
