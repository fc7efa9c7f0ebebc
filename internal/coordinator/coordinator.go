// Package coordinator owns the command queue. It starts and stops relay
// workers, persists settings and decisions, and expires stale pending items.
// Commands are handled one at a time in the order they were sent.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaydeck/internal/comms"
	"relaydeck/internal/decision"
	"relaydeck/internal/eventbus"
	"relaydeck/internal/relay"
	"relaydeck/internal/registry"
	"relaydeck/internal/runtime/supervisor"
	"relaydeck/internal/settings"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

type Options struct {
	Registry *registry.Registry
	Sink     *decision.Sink
	Dialer   relay.Dialer

	// DialRate and DialBurst pace dials across all workers (default 2/s, burst 4).
	DialRate  rate.Limit
	DialBurst int

	RestartMin time.Duration
	RestartMax time.Duration
	// StopTimeout bounds how long Run waits for workers on the way out.
	StopTimeout time.Duration
	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration

	Log logx.Logger
	Now func() time.Time
}

type Coordinator struct {
	reg  *registry.Registry
	sink *decision.Sink
	opts Options
	log  logx.Logger
	deps relay.Deps

	// Owned by the Run goroutine.
	sup     *supervisor.Supervisor
	handled uint64

	mu      sync.Mutex
	workers map[string]context.CancelFunc
}

func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil || opts.Sink == nil {
		return nil, errors.New("coordinator: registry and sink are required")
	}
	if opts.Dialer == nil {
		opts.Dialer = relay.WSDialer{HandshakeTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	}
	if opts.DialRate <= 0 {
		opts.DialRate = 2
	}
	if opts.DialBurst <= 0 {
		opts.DialBurst = 4
	}
	if opts.RestartMin <= 0 {
		opts.RestartMin = time.Second
	}
	if opts.RestartMax <= 0 {
		opts.RestartMax = time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log.With(logx.String("comp", "coordinator"))
	return &Coordinator{
		reg:  opts.Registry,
		sink: opts.Sink,
		opts: opts,
		log:  log,
		deps: relay.Deps{
			Registry: opts.Registry,
			Sink:     opts.Sink,
			Dialer:   opts.Dialer,
			Limiter:  rate.NewLimiter(opts.DialRate, opts.DialBurst),
			Log:      opts.Log,
		},
		workers: map[string]context.CancelFunc{},
	}, nil
}

// Run processes commands until a Shutdown command arrives, the queue is
// closed, or ctx ends. It fails immediately if another coordinator already
// took the command queue.
func (c *Coordinator) Run(ctx context.Context) error {
	rx, err := c.reg.TakeCommandReceiver()
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.opts.Log))
	defer c.stopAll()

	c.log.Info("coordinator started")
	for {
		cmd, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, eventbus.ErrQueueClosed) || ctx.Err() != nil {
				c.log.Info("coordinator stopping", logx.String("why", stopWhy(err)))
				return nil
			}
			return err
		}
		c.handled++
		if c.handle(ctx, cmd) {
			c.log.Info("coordinator stopping", logx.String("why", "shutdown command"))
			return nil
		}
	}
}

func stopWhy(err error) string {
	if errors.Is(err, eventbus.ErrQueueClosed) {
		return "queue closed"
	}
	return "context done"
}

// handle applies one command and reports whether Run should stop.
func (c *Coordinator) handle(ctx context.Context, cmd comms.Command) (stop bool) {
	c.log.Debug("command", logx.String("cmd", comms.CommandName(cmd)))
	switch cmd := cmd.(type) {
	case comms.StartRelay:
		c.startRelay(cmd.URL, cmd.Jobs)
	case comms.StopRelay:
		c.stopRelay(cmd.URL)
	case comms.SaveSettings:
		c.saveSettings(ctx)
	case comms.DecisionRecorded:
		c.recordDecision(ctx, cmd)
	case comms.PruneExpired:
		c.pruneExpired(ctx)
	case comms.ReconnectAll:
		c.reconnectAll()
	case comms.Shutdown:
		return true
	default:
		c.log.Warn("unknown command", logx.String("cmd", comms.CommandName(cmd)))
	}
	return false
}

func (c *Coordinator) startRelay(url string, jobs []comms.RelayJob) {
	if url == "" {
		return
	}
	if c.reg.ShuttingDown.Load() {
		return
	}
	c.reg.Connected.Add(url, jobs...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.workers[url]; running {
		c.log.Debug("jobs merged into running relay", logx.String("relay", url), logx.Int("jobs", len(jobs)))
		return
	}
	if limit := c.reg.CurrentSettings().MaxRelays; limit > 0 && len(c.workers) >= limit {
		c.reg.Connected.Drop(url)
		c.reg.WriteStatus(fmt.Sprintf("Relay limit (%d) reached, not connecting to %s", limit, url))
		c.log.Warn("relay limit reached", logx.String("relay", url), logx.Int("max", limit))
		return
	}

	wctx, cancel := context.WithCancel(c.sup.Context())
	c.workers[url] = cancel
	w := relay.NewWorker(url, c.deps)
	c.sup.GoRestart("relay:"+url, func(context.Context) error {
		if wctx.Err() != nil {
			return nil
		}
		return w.Run(wctx)
	}, supervisor.WithRestartBackoff(c.opts.RestartMin, c.opts.RestartMax))
	c.log.Info("relay worker started", logx.String("relay", url))
}

func (c *Coordinator) stopRelay(url string) {
	c.reg.Broadcast(comms.ToWorker{Kind: comms.WorkerDropRelay, Target: url})
	c.mu.Lock()
	if cancel, ok := c.workers[url]; ok {
		cancel()
		delete(c.workers, url)
		c.log.Info("relay worker stopped", logx.String("relay", url))
	}
	c.mu.Unlock()
	c.reg.Connected.Drop(url)
}

func (c *Coordinator) reconnectAll() {
	st := c.reg.CurrentSettings()
	for _, r := range st.Relays {
		var jobs []comms.RelayJob
		if r.Read {
			jobs = append(jobs, comms.NewRelayJob(comms.ReasonFollow, true))
		}
		if r.Write {
			jobs = append(jobs, comms.NewRelayJob(comms.ReasonAdvertise, true))
		}
		if len(jobs) == 0 {
			continue
		}
		// Persistent jobs are already on file for a running relay.
		if c.isRunning(r.URL) && hasPersistent(c.reg.Connected.Jobs(r.URL)) {
			continue
		}
		c.startRelay(r.URL, jobs)
	}
}

func (c *Coordinator) isRunning(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workers[url]
	return ok
}

func hasPersistent(jobs []comms.RelayJob) bool {
	return slices.ContainsFunc(jobs, func(j comms.RelayJob) bool { return j.Persistent })
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
}

func (c *Coordinator) saveSettings(ctx context.Context) {
	raw, err := settings.Encode(c.reg.CurrentSettings())
	if err != nil {
		c.log.Error("encode settings failed", logx.Err(err))
		return
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.reg.Store.SaveSettings(sctx, raw); err != nil {
		c.log.Error("save settings failed", logx.Err(err))
		c.reg.WriteStatus("Saving settings failed: " + err.Error())
		return
	}
	c.log.Debug("settings saved")
}

func (c *Coordinator) recordDecision(ctx context.Context, d comms.DecisionRecorded) {
	c.reg.Pending.Remove(d.ItemID)

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	now := c.opts.Now()
	entry := storage.AuditEntry{
		At:       now,
		ItemID:   d.ItemID.String(),
		Kind:     d.Kind,
		Key:      d.Key,
		Action:   actionOf(d.Approved),
		Remember: d.Remember,
		Actor:    "operator",
	}
	if d.Remember && d.Key != "" {
		err := c.reg.Store.PutRemembered(sctx, storage.Remembered{Kind: d.Kind, Key: d.Key, Approved: d.Approved, At: now})
		if err != nil {
			c.log.Error("remember decision failed", logx.String("kind", d.Kind), logx.Err(err))
			entry.Error = err.Error()
		}
	}
	if err := c.reg.Store.AppendAudit(sctx, entry); err != nil {
		c.log.Warn("audit append failed", logx.Err(err))
	}
}

func actionOf(approved bool) string {
	if approved {
		return "approve"
	}
	return "decline"
}

func (c *Coordinator) pruneExpired(ctx context.Context) {
	ttl := c.reg.CurrentSettings().PendingTTL.Std()
	if ttl > 0 {
		expired := c.reg.Pending.PruneOlderThan(c.opts.Now().Add(-ttl))
		if len(expired) > 0 {
			sctx, cancel := c.storeCtx(ctx)
			for _, e := range expired {
				c.sink.Expire(e.ID)
				key, _ := e.Item.IdentityKey()
				err := c.reg.Store.AppendAudit(sctx, storage.AuditEntry{
					At:     c.opts.Now(),
					ItemID: e.ID.String(),
					Kind:   e.Item.Kind().String(),
					Key:    key,
					Action: "expire",
					Actor:  "system",
				})
				if err != nil {
					c.log.Warn("audit append failed", logx.String("item", e.ID.String()), logx.Err(err))
				}
			}
			cancel()
			c.log.Info("pending items expired", logx.Int("count", len(expired)))
		}
	}
	c.sink.Sweep()
	c.reg.ForgetDismissed(func(id uuid.UUID) bool {
		_, ok := c.reg.Pending.Get(id)
		return ok
	})
}

func (c *Coordinator) stopAll() {
	c.reg.ShuttingDown.Store(true)
	n := c.reg.Broadcast(comms.ToWorker{Kind: comms.WorkerShutdown})
	c.mu.Lock()
	for url, cancel := range c.workers {
		cancel()
		delete(c.workers, url)
	}
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	if err := c.sup.Stop(ctx); err != nil {
		c.log.Warn("workers did not stop cleanly", logx.Err(err))
	}
	c.log.Info("coordinator stopped", logx.Uint64("handled", c.handled), logx.Int("notified", n))
}

// Running lists relays with a live worker.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.workers))
	for url := range c.workers {
		out = append(out, url)
	}
	slices.Sort(out)
	return out
}
