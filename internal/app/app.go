// Package app wires relaydeck together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaydeck/internal/comms"
	"relaydeck/internal/config"
	"relaydeck/internal/console"
	"relaydeck/internal/coordinator"
	"relaydeck/internal/decision"
	"relaydeck/internal/deck"
	"relaydeck/internal/maintenance"
	"relaydeck/internal/registry"
	"relaydeck/internal/runtime/supervisor"
	"relaydeck/internal/settings"
	"relaydeck/internal/storage"
	kit "relaydeck/internal/transport"
	telegram "relaydeck/internal/transport/telegram/adapter"
	"relaydeck/internal/transport/telegram/router"
	logx "relaydeck/pkg/logx"
)

// Option customizes New.
type Option func(*options)

type options struct {
	adapter kit.Adapter
	notify  notifier
}

// WithAdapter replaces the Telegram adapter used by the console.
func WithAdapter(ad kit.Adapter) Option { return func(o *options) { o.adapter = ad } }

func withNotifier(n notifier) Option { return func(o *options) { o.notify = n } }

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	reg   *registry.Registry
	sink  *decision.Sink
	coord *coordinator.Coordinator
	deck  *deck.Deck
	maint *maintenance.Service

	adapter kit.Adapter
	router  *router.Router
	console *console.Console
	updates chan kit.Update

	notify    notifier
	sup       *supervisor.Supervisor
	coordStop time.Duration
	// done closes when the coordinator stops on its own.
	done      chan struct{}
	coordDone chan struct{}
	stopOnce  sync.Once
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.notify == nil {
		o.notify = sdNotifier{}
	}

	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(logConfig(cfg))
	cfgm = config.NewManager(cfgPath, log)
	cfgm.Commit(cfg)

	a := &App{
		cfgm:      cfgm,
		cfg:       cfg,
		logs:      logs,
		log:       log.With(logx.String("comp", "app")),
		notify:    o.notify,
		done:      make(chan struct{}),
		coordDone: make(chan struct{}),
	}
	// Release what was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			a.closeStore()
			_ = logs.Close()
		}
	}()

	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	sig, err := loadSigner(cfg, a.log)
	if err != nil {
		return nil, err
	}

	a.reg, err = registry.New(ctx, registry.Options{
		Store:       a.store,
		Signer:      sig,
		Log:         log,
		StatusLines: cfg.Deck.StatusLines,
	})
	if err != nil {
		return nil, err
	}
	if a.reg.FirstRun && len(cfg.Relays) > 0 {
		if err := a.seedRelays(cfg.Relays); err != nil {
			return nil, err
		}
	}

	a.sink = decision.NewSink(a.reg.Pending, a.reg, log)
	if err := a.sink.Load(ctx, a.store); err != nil {
		return nil, fmt.Errorf("decisions: %w", err)
	}

	co, err := coordinatorOptions(cfg)
	if err != nil {
		return nil, err
	}
	co.Registry, co.Sink, co.Log = a.reg, a.sink, log
	a.coordStop = coordStopTimeout(co.StopTimeout)
	if a.coord, err = coordinator.New(co); err != nil {
		return nil, err
	}

	tick, err := config.ParseDurationOrDefault("deck.tick", cfg.Deck.Tick, time.Second)
	if err != nil {
		return nil, err
	}
	a.deck = deck.New(deck.Options{Registry: a.reg, Sink: a.sink, Tick: tick, Log: log})

	a.maint = maintenance.New(maintenanceConfig(cfg), a.reg, log)
	if err := a.maint.Validate(maintenanceConfig(cfg)); err != nil {
		return nil, fmt.Errorf("maintenance: %w", err)
	}

	if cfg.ConsoleEnabled() {
		if err := a.buildConsole(cfg, o.adapter, log); err != nil {
			return nil, err
		}
	}

	cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return a.maint.Validate(maintenanceConfig(next))
	})
	ok = true
	return a, nil
}

// seedRelays applies the configured relays as the first settings; applying
// queues the save.
func (a *App) seedRelays(relays []settings.Relay) error {
	ed := settings.NewEditor(a.reg)
	for _, r := range relays {
		ed.SetRelay(r)
	}
	if err := ed.Save(); err != nil {
		return fmt.Errorf("seed relays: %w", err)
	}
	a.log.Info("relays seeded from config", logx.Int("count", len(relays)))
	return nil
}

func (a *App) buildConsole(cfg *config.Config, ad kit.Adapter, log logx.Logger) error {
	if ad == nil {
		tc, err := telegramConfig(cfg)
		if err != nil {
			return err
		}
		tg, err := telegram.New(tc, log.With(logx.String("comp", "telegram.adapter")))
		if err != nil {
			return fmt.Errorf("console: %w", err)
		}
		ad = tg
	}
	c := cfg.Console
	con, err := console.New(console.Options{
		Config: console.Config{
			OwnerID:  c.OwnerID,
			ChatID:   c.ChatID,
			ThreadID: c.ThreadID,
			PageSize: c.PageSize,
		},
		Adapter: ad,
		Actions: a.deck,
		Backend: a.reg,
		Relays:  a.coord,
		Log:     log,
	})
	if err != nil {
		return err
	}
	a.adapter = ad
	a.console = con
	a.router = router.New(log, ad, []int64{c.OwnerID}, router.Options{})
	a.updates = make(chan kit.Update, 128)
	a.deck.AddRenderer(con)
	return nil
}

// Registry exposes the shared state, mainly for tests.
func (a *App) Registry() *registry.Registry { return a.reg }

// Done closes when the coordinator stops by itself, e.g. after a Shutdown
// command.
func (a *App) Done() <-chan struct{} { return a.done }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.sup.Go("coordinator", func(c context.Context) error {
		defer close(a.coordDone)
		err := a.coord.Run(c)
		if err == nil && c.Err() == nil {
			close(a.done)
		}
		return err
	})
	a.sup.Go("deck", a.deck.Run)

	if err := a.maint.Start(ctx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	if err := a.reg.SendCommand(comms.ReconnectAll{}); err != nil {
		return err
	}

	if a.console != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return fmt.Errorf("console: %w", err)
		}
		a.router.Register(a.sup.Context(), a.console.Commands(), a.console.Callbacks())
		a.sup.Go("router", func(c context.Context) error { return a.router.Dispatch(c, a.updates) })
		a.sup.Go("console", a.console.Run)
	}

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(c, next)
			}
		}
	})

	a.startSystemd(a.sup)
	a.log.Info("relaydeck started",
		logx.Bool("console", a.console != nil),
		logx.Bool("first_run", a.reg.FirstRun),
		logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig fans a reloaded config out to the sections that can change
// live.
func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	prev := a.cfg
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", fields...)
	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(logConfig(next))
		case "maintenance":
			if err := a.maint.Apply(ctx, maintenanceConfig(next)); err != nil {
				a.log.Warn("maintenance reload failed", logx.Err(err))
			}
		case "relays":
			a.mergeRelays(next.Relays)
		}
	}
	if rest := config.RestartRequired(changed); len(rest) > 0 {
		a.log.Warn("config changes need a restart", logx.Strs("sections", rest))
	}
	a.cfg = next
}

// mergeRelays adds or updates configured relays in the saved settings and
// reconnects. Relays removed from the file stay until removed in settings.
func (a *App) mergeRelays(relays []settings.Relay) {
	ed := settings.NewEditor(a.reg)
	for _, r := range relays {
		ed.SetRelay(r)
	}
	if !ed.Dirty() {
		return
	}
	if err := ed.Save(); err != nil {
		a.log.Warn("relay merge rejected", logx.Err(err))
		return
	}
	if err := a.reg.SendCommand(comms.ReconnectAll{}); err != nil {
		a.log.Warn("relay merge: reconnect", logx.Err(err))
	}
}

// Stop shuts everything down. Each step is bounded so one component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return a.logs.Close()
	}
	var stopErr error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		a.notify.Stopping()

		step := func(name string, max time.Duration, fn func(context.Context) error) {
			start := time.Now()
			stepCtx, cancel := context.WithTimeout(ctx, max)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("panic in stop step %s: %v", name, r)
					}
				}()
				done <- fn(stepCtx)
			}()
			select {
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				}
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			case <-stepCtx.Done():
				a.log.Warn("stop step deadline reached (continuing)",
					logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			}
		}

		step("coordinator", a.coordStop, func(c context.Context) error {
			if err := a.reg.SendCommand(comms.Shutdown{}); err != nil {
				return err
			}
			select {
			case <-a.coordDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
		step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
		if a.adapter != nil {
			step("adapter", 3*time.Second, a.adapter.Stop)
		}
		a.sup.Cancel()
		step("supervisor", 3*time.Second, a.sup.Wait)
		a.reg.CloseCommands()
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })

		a.log.Info("stopped", logx.String("reason", string(reason)))
		stopErr = a.logs.Close()
	})
	return stopErr
}

// coordStopTimeout leaves room for workers to drain after Shutdown.
func coordStopTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = 5 * time.Second
	}
	return d + time.Second
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		a.log.Warn("storage close", logx.Err(err))
	}
}

// CheckConfig parses and validates path without starting anything.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if err != nil {
		return nil, err
	}
	var errs []error
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	mc := maintenanceConfig(cfg)
	if err := maintenance.New(mc, nil, logx.Nop()).Validate(mc); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}
	if _, err := coordinatorOptions(cfg); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}
