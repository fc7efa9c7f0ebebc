package coordinator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaydeck/internal/comms"
	"relaydeck/internal/decision"
	"relaydeck/internal/pending"
	"relaydeck/internal/registry"
	"relaydeck/internal/relay"
	"relaydeck/internal/settings"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

// idleConn never delivers a frame.
type idleConn struct{}

func (idleConn) Next(ctx context.Context) (relay.Frame, int, error) {
	<-ctx.Done()
	return relay.Frame{}, 0, ctx.Err()
}
func (idleConn) Send(context.Context, relay.Frame) error { return nil }
func (idleConn) Close() error                            { return nil }

type countDialer struct {
	mu    sync.Mutex
	dials map[string]int
}

func (d *countDialer) Dial(_ context.Context, url string) (relay.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials == nil {
		d.dials = map[string]int{}
	}
	d.dials[url]++
	return idleConn{}, nil
}

func (d *countDialer) count(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

type harness struct {
	reg    *registry.Registry
	sink   *decision.Sink
	store  *storage.Memory
	dialer *countDialer
	coord  *Coordinator
	now    time.Time
	done   chan error
}

func start(t *testing.T, st settings.Settings) *harness {
	t.Helper()
	store := storage.NewMemory()
	reg, err := registry.New(context.Background(), registry.Options{Store: store})
	require.NoError(t, err)
	reg.Settings.Store(st)

	h := &harness{reg: reg, store: store, dialer: &countDialer{}, now: time.Unix(1_000, 0), done: make(chan error, 1)}
	h.sink = decision.NewSink(reg.Pending, reg, logx.Nop())
	h.coord, err = New(Options{
		Registry:  reg,
		Sink:      h.sink,
		Dialer:    h.dialer,
		DialRate:  1000,
		DialBurst: 100,
		Now:       func() time.Time { return h.now },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- h.coord.Run(ctx) }()
	return h
}

func (h *harness) send(t *testing.T, cmds ...comms.Command) {
	t.Helper()
	for _, c := range cmds {
		require.NoError(t, h.reg.SendCommand(c))
	}
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.send(t, comms.Shutdown{})
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond, msg)
}

func withRelays(urls ...string) settings.Settings {
	st := settings.Default()
	for _, u := range urls {
		st.Relays = append(st.Relays, settings.Relay{URL: u, Read: true})
	}
	return st
}

func TestStartAndStopRelay(t *testing.T) {
	h := start(t, withRelays("wss://a"))
	h.send(t, comms.StartRelay{URL: "wss://a", Jobs: []comms.RelayJob{comms.NewRelayJob(comms.ReasonFollow, false)}})

	eventually(t, func() bool { return h.dialer.count("wss://a") == 1 }, "dialed")
	assert.Equal(t, []string{"wss://a"}, h.coord.Running())
	assert.True(t, h.reg.Connected.Has("wss://a"))

	// A second start merges jobs into the running worker.
	h.send(t, comms.StartRelay{URL: "wss://a", Jobs: []comms.RelayJob{comms.NewRelayJob(comms.ReasonPostEvent, false)}})
	eventually(t, func() bool { return len(h.reg.Connected.Jobs("wss://a")) == 2 }, "jobs merged")
	assert.Equal(t, 1, h.dialer.count("wss://a"))

	h.send(t, comms.StopRelay{URL: "wss://a"})
	eventually(t, func() bool { return len(h.coord.Running()) == 0 }, "stopped")
	assert.False(t, h.reg.Connected.Has("wss://a"))

	h.shutdown(t)
}

func TestRelayLimit(t *testing.T) {
	st := withRelays("wss://a", "wss://b")
	st.MaxRelays = 1
	h := start(t, st)
	h.send(t, comms.StartRelay{URL: "wss://a"}, comms.StartRelay{URL: "wss://b"})

	eventually(t, func() bool { return h.dialer.count("wss://a") == 1 }, "first started")
	eventually(t, func() bool {
		for _, l := range h.reg.StatusLines() {
			if strings.Contains(l, "Relay limit") {
				return true
			}
		}
		return false
	}, "limit reported")
	assert.Equal(t, []string{"wss://a"}, h.coord.Running())
	assert.False(t, h.reg.Connected.Has("wss://b"))
	h.shutdown(t)
}

func TestReconnectAllStartsConfiguredRelays(t *testing.T) {
	st := settings.Default()
	st.Relays = []settings.Relay{
		{URL: "wss://r", Read: true},
		{URL: "wss://w", Write: true},
		{URL: "wss://off"},
	}
	h := start(t, st)
	h.send(t, comms.ReconnectAll{})
	eventually(t, func() bool { return len(h.coord.Running()) == 2 }, "two relays")
	assert.Equal(t, []string{"wss://r", "wss://w"}, h.coord.Running())

	jobs := h.reg.Connected.Jobs("wss://r")
	require.Len(t, jobs, 1)
	assert.Equal(t, comms.ReasonFollow, jobs[0].Reason)
	assert.True(t, jobs[0].Persistent)

	// Running relays with persistent jobs are left alone.
	h.send(t, comms.ReconnectAll{})
	h.shutdown(t)
	assert.Equal(t, 1, h.dialer.count("wss://r"))
	assert.Equal(t, 1, h.dialer.count("wss://w"))
}

func TestSaveSettingsPersists(t *testing.T) {
	h := start(t, settings.Default())
	st := withRelays("wss://saved")
	require.NoError(t, h.reg.ApplySettings(st))

	eventually(t, func() bool {
		raw, ok, _ := h.store.LoadSettings(context.Background())
		if !ok {
			return false
		}
		got, err := settings.Decode(raw)
		return err == nil && got.Equal(st)
	}, "settings stored")
	h.shutdown(t)
}

func TestDecisionRecordedRemovesAndRemembers(t *testing.T) {
	h := start(t, settings.Default())
	e := h.reg.Pending.Add(pending.RelayConnectionRequest{Relay: "wss://x"})
	sign := h.reg.Pending.Add(pending.RemoteSignRequest{ClientName: "c", Command: "x"})

	require.NoError(t, h.sink.Submit(decision.Decision{ItemID: e.ID, Verdict: decision.Approve, Remember: true}))
	require.NoError(t, h.sink.Submit(decision.Decision{ItemID: sign.ID, Verdict: decision.Decline, Remember: true}))

	eventually(t, func() bool { return h.reg.Pending.Len() == 0 }, "removed from queue")
	eventually(t, func() bool { return len(h.store.Audit()) == 2 }, "audited")

	list, err := h.store.ListRemembered(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1, "unkeyed items are never remembered")
	assert.Equal(t, pending.KindRelayConnection.String(), list[0].Kind)
	assert.Equal(t, "wss://x", list[0].Key)
	assert.True(t, list[0].Approved)

	audit := h.store.Audit()
	assert.Equal(t, "approve", audit[0].Action)
	assert.True(t, audit[0].Remember)
	assert.Equal(t, "decline", audit[1].Action)
	h.shutdown(t)
}

func TestPruneExpiredWakesWaiters(t *testing.T) {
	h := start(t, settings.Default())
	h.now = time.Unix(10_000, 0)

	old := h.reg.Pending.AddAt(pending.GenericItem{Payload: "old"}, time.Unix(10_000-3600, 0))
	fresh := h.reg.Pending.AddAt(pending.GenericItem{Payload: "new"}, time.Unix(10_000-5, 0))
	h.reg.Dismiss(old.ID)
	h.reg.Dismiss(fresh.ID)

	waited := make(chan error, 1)
	go func() {
		_, err := h.sink.Await(context.Background(), old)
		waited <- err
	}()
	eventually(t, func() bool { return h.sink.Waiting() == 1 }, "waiter registered")

	h.send(t, comms.PruneExpired{})
	select {
	case err := <-waited:
		assert.ErrorIs(t, err, decision.ErrExpired)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	eventually(t, func() bool { return len(h.store.Audit()) == 1 }, "expiry audited")
	assert.Equal(t, "expire", h.store.Audit()[0].Action)

	_, ok := h.reg.Pending.Get(fresh.ID)
	assert.True(t, ok)
	eventually(t, func() bool { return !h.reg.IsDismissed(old.ID) }, "dismissed entry forgotten")
	assert.True(t, h.reg.IsDismissed(fresh.ID))
	h.shutdown(t)
}

// auditFailStore rejects audit appends.
type auditFailStore struct {
	*storage.Memory
}

func (auditFailStore) AppendAudit(context.Context, storage.AuditEntry) error {
	return errors.New("disk full")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPruneExpiredLogsAuditFailure(t *testing.T) {
	reg, err := registry.New(context.Background(), registry.Options{Store: auditFailStore{storage.NewMemory()}})
	require.NoError(t, err)
	reg.Settings.Store(settings.Default())
	var logs lockedBuffer
	coord, err := New(Options{
		Registry: reg,
		Sink:     decision.NewSink(reg.Pending, reg, logx.Nop()),
		Dialer:   &countDialer{},
		Log:      logx.NewWriter(&logs, "debug"),
		Now:      func() time.Time { return time.Unix(10_000, 0) },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	old := reg.Pending.AddAt(pending.GenericItem{Payload: "old"}, time.Unix(10_000-3600, 0))
	require.NoError(t, reg.SendCommand(comms.PruneExpired{}))
	eventually(t, func() bool { return strings.Contains(logs.String(), "audit append failed") }, "audit failure logged")
	assert.Contains(t, logs.String(), old.ID.String())
	assert.Contains(t, logs.String(), "disk full")
	_, ok := reg.Pending.Get(old.ID)
	assert.False(t, ok, "expiry proceeds without the audit row")

	require.NoError(t, reg.SendCommand(comms.Shutdown{}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestShutdownStopsWorkersAndRejectsCommands(t *testing.T) {
	h := start(t, withRelays("wss://a"))
	h.send(t, comms.StartRelay{URL: "wss://a"})
	eventually(t, func() bool { return h.dialer.count("wss://a") == 1 }, "dialed")

	h.shutdown(t)
	assert.Empty(t, h.coord.Running())
	assert.True(t, h.reg.ShuttingDown.Load())
	assert.ErrorIs(t, h.reg.SendCommand(comms.SaveSettings{}), registry.ErrShuttingDown)
	assert.NoError(t, h.reg.SendCommand(comms.Shutdown{}), "repeat shutdown is ignored")
}

func TestSecondRunFails(t *testing.T) {
	h := start(t, settings.Default())
	h.send(t, comms.SaveSettings{})
	eventually(t, func() bool {
		_, ok, _ := h.store.LoadSettings(context.Background())
		return ok
	}, "first coordinator running")
	c2, err := New(Options{Registry: h.reg, Sink: h.sink})
	require.NoError(t, err)
	assert.ErrorIs(t, c2.Run(context.Background()), registry.ErrReceiverTaken)
	h.shutdown(t)
}
