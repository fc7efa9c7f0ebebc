// Package router dispatches chat updates to registered commands and inline
// button callbacks on a small worker pool.
package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaydeck/internal/runtime/supervisor"
	kit "relaydeck/internal/transport"
	logx "relaydeck/pkg/logx"
	"relaydeck/pkg/tgui"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles callback data "scope:action:payload".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Payload and CallbackID are set for callbacks.
	Payload    string
	CallbackID string
	MessageID  int
	ReqID      string
	answered   bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Answer acknowledges a callback with a short toast. It is a no-op for
// message requests and after the first call.
func (r *Request) Answer(ctx context.Context, text string) error {
	if r.CallbackID == "" || r.answered {
		return nil
	}
	r.answered = true
	return r.Adapter.AnswerCallback(ctx, r.CallbackID, text)
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

type Options struct {
	Workers  int
	QueueCap int
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	workers int

	mu        sync.RWMutex
	commands  map[string]*Command
	ordered   []*Command
	callbacks map[string]CallbackRoute
	owners    []int64

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 64
	}
	return &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		workers:   opts.Workers,
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    slices.Clone(owners),
		jobs:      make(chan func(), opts.QueueCap),
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Register replaces the command and callback tables. A help command is
// always added, and the platform menu is refreshed when the adapter
// supports it.
func (r *Router) Register(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show this help",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, r.helpText(req.Args), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return err
		},
	})

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		ordered = append(ordered, c)
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
	}
	cb := map[string]CallbackRoute{}
	for _, route := range cbs {
		if route.Scope == "" || route.Action == "" || route.Handle == nil {
			continue
		}
		cb[route.Scope+":"+route.Action] = route
	}

	r.mu.Lock()
	r.commands, r.ordered, r.callbacks = byName, ordered, cb
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := menuCommands(ordered)
		go func() {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// Dispatch reads updates until ctx ends or the channel closes.
func (r *Router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in router job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route handles one update. Handlers run on the worker pool.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.commands[strings.ToLower(word)]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "Unauthorized.", nil)
		return
	}

	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		Adapter: r.adapter,
	}
	r.enqueue(ctx, req, cmd.Handle, cmd.Timeout, func() {
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	})
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, err := tgui.ParseData(strings.TrimSpace(cb.Data))
	if err != nil {
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[scope+":"+action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !r.isOwner(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Only the owner can do that.")
		return
	}

	req := &Request{
		Update:     up,
		Chat:       kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:     cb.FromID,
		Command:    "cb:" + scope + ":" + action,
		Payload:    payload,
		CallbackID: cb.ID,
		MessageID:  cb.MessageID,
		Adapter:    r.adapter,
	}
	r.enqueue(ctx, req, route.Handle, route.Timeout, func() {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Busy, try again.")
	})
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	req.ReqID = uuid.NewString()[:8]
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	job := func() {
		_ = final(ctx, req)
		// Stops the client's loading spinner if the handler did not answer.
		_ = req.Answer(ctx, "")
	}
	select {
	case r.jobs <- job:
	default:
		busy()
	}
}
