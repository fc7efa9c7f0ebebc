// Package relay runs one worker per relay connection. A worker asks for
// permission to connect, answers the relay's authentication challenges and
// forwards remote signing requests, raising pending items whenever a human has
// to decide.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"relaydeck/internal/comms"
	"relaydeck/internal/decision"
	"relaydeck/internal/pending"
	"relaydeck/internal/registry"
	"relaydeck/internal/settings"
	logx "relaydeck/pkg/logx"
)

// ErrDenied ends a worker whose connection was refused by policy or by the
// operator. It is not retried.
var ErrDenied = errors.New("relay: connection denied")

// Deps are shared by every worker.
type Deps struct {
	Registry *registry.Registry
	Sink     *decision.Sink
	Dialer   Dialer
	// Limiter paces dials across all workers. Nil means unpaced.
	Limiter *rate.Limiter
	Log     logx.Logger
}

type Worker struct {
	url  string
	deps Deps
	log  logx.Logger

	// lockedRaised keeps the "identity locked" item from piling up.
	lockedRaised atomic.Bool
}

func NewWorker(url string, deps Deps) *Worker {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{url: url, deps: deps, log: log.With(logx.String("relay", url))}
}

func (w *Worker) URL() string { return w.url }

// Run connects and serves the relay until ctx ends, the coordinator drops
// this relay, or the connection fails. A nil return means "do not restart".
func (w *Worker) Run(ctx context.Context) error {
	reg := w.deps.Registry
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, unsub := reg.SubscribeWorker()
	defer unsub()
	go func() {
		for m := range msgs {
			if !m.For(w.url) {
				continue
			}
			switch m.Kind {
			case comms.WorkerShutdown, comms.WorkerDropRelay:
				w.log.Debug("worker told to stop", logx.String("why", m.Kind.String()))
				cancel()
				return
			}
		}
	}()

	if err := w.permitConnect(ctx); err != nil {
		if errors.Is(err, ErrDenied) {
			w.log.Info("connection denied")
			reg.WriteStatus("Connection to " + w.url + " denied")
			_ = reg.SendCommand(comms.StopRelay{URL: w.url})
			return nil
		}
		return quiet(ctx, err)
	}

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx); err != nil {
			return quiet(ctx, err)
		}
	}
	conn, err := w.deps.Dialer.Dial(ctx, w.url)
	if err != nil {
		return quiet(ctx, fmt.Errorf("dial: %w", err))
	}
	defer conn.Close()
	w.log.Info("connected")

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		f, n, err := conn.Next(ctx)
		if err != nil {
			// Unblock handlers waiting on decisions before waiting for them.
			cancel()
			return quiet(ctx, fmt.Errorf("read: %w", err))
		}
		reg.BytesRead.Add(uint64(n))

		switch f.Label {
		case LabelAuth:
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				w.handleAuth(ctx, conn, f.Arg(0))
			}()
		case LabelSign:
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				w.handleSign(ctx, conn, f)
			}()
		case LabelNotice:
			w.log.Info("relay notice", logx.String("msg", f.Arg(0)))
		default:
			w.log.Trace("frame ignored", logx.String("label", f.Label))
		}
	}
}

// quiet turns failures caused by our own cancellation into a clean stop.
func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) permitConnect(ctx context.Context) error {
	st := w.deps.Registry.CurrentSettings()
	if slices.ContainsFunc(st.Relays, func(r settings.Relay) bool { return r.URL == w.url }) {
		return nil
	}
	ok, err := w.ask(ctx, st.ConnectPolicy,
		pending.NewRelayConnectionRequest(w.url, w.deps.Registry.Connected.Jobs(w.url)))
	if err != nil {
		return err
	}
	if !ok {
		return ErrDenied
	}
	return nil
}

// ask applies policy and, under PolicyAsk, a remembered verdict or the
// operator's decision.
func (w *Worker) ask(ctx context.Context, policy settings.Policy, item pending.Item) (bool, error) {
	switch policy {
	case settings.PolicyAlways:
		return true, nil
	case settings.PolicyNever:
		return false, nil
	}
	d, err := w.deps.Sink.Request(ctx, item)
	if errors.Is(err, decision.ErrExpired) {
		w.log.Info("request expired", logx.String("kind", item.Kind().String()))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.Auto {
		w.log.Debug("remembered decision applied",
			logx.String("kind", item.Kind().String()), logx.String("verdict", d.Verdict.String()))
	}
	return d.Verdict.Approved(), nil
}

func (w *Worker) send(ctx context.Context, conn Conn, f Frame) {
	if err := conn.Send(ctx, f); err != nil && ctx.Err() == nil {
		w.log.Warn("send failed", logx.String("label", f.Label), logx.Err(err))
	}
}

func (w *Worker) signerReady() bool {
	if w.deps.Registry.Signer.IsReady() {
		return true
	}
	if w.lockedRaised.CompareAndSwap(false, true) {
		w.deps.Registry.Pending.Add(pending.GenericItem{
			Payload: "Unlock your identity so " + w.url + " can be answered",
		})
	}
	return false
}

func (w *Worker) handleAuth(ctx context.Context, conn Conn, challenge string) {
	if challenge == "" {
		return
	}
	if !w.signerReady() {
		w.log.Info("auth skipped: identity locked")
		return
	}
	reg := w.deps.Registry
	account := reg.Signer.PublicKey()
	ok, err := w.ask(ctx, reg.CurrentSettings().AuthPolicy,
		pending.RelayAuthenticationRequest{Account: account, Relay: w.url})
	if err != nil || !ok {
		w.log.Info("auth not answered", logx.Bool("approved", ok), logx.Err(err))
		return
	}
	sig, err := reg.Signer.Sign(authMessage(challenge, w.url))
	if err != nil {
		w.log.Warn("auth signing failed", logx.Err(err))
		return
	}
	w.send(ctx, conn, Frame{Label: LabelAuth, Args: []string{challenge, account, hex.EncodeToString(sig)}})
	w.log.Info("authenticated")
}

func (w *Worker) handleSign(ctx context.Context, conn Conn, f Frame) {
	client, account, command := f.Arg(0), f.Arg(1), f.Arg(2)
	deny := Frame{Label: LabelDenied, Args: []string{client, command}}
	if !w.signerReady() {
		w.send(ctx, conn, deny)
		return
	}
	// Remote sign requests are always put to the operator.
	d, err := w.deps.Sink.Request(ctx, pending.RemoteSignRequest{ClientName: client, Account: account, Command: command})
	if err != nil || !d.Verdict.Approved() {
		if ctx.Err() == nil {
			w.send(ctx, conn, deny)
		}
		return
	}
	sig, err := w.deps.Registry.Signer.Sign([]byte(command))
	if err != nil {
		w.send(ctx, conn, deny)
		return
	}
	w.send(ctx, conn, Frame{Label: LabelSigned, Args: []string{client, command, hex.EncodeToString(sig)}})
}

// authMessage binds a challenge to the relay it came from.
func authMessage(challenge, relay string) []byte {
	return []byte(challenge + "\n" + relay)
}
