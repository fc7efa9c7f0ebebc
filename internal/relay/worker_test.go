package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaydeck/internal/comms"
	"relaydeck/internal/decision"
	"relaydeck/internal/pending"
	"relaydeck/internal/registry"
	"relaydeck/internal/settings"
	"relaydeck/internal/signer"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

type fakeConn struct {
	in chan Frame

	mu     sync.Mutex
	sent   []Frame
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{in: make(chan Frame, 8)} }

func (c *fakeConn) Next(ctx context.Context) (Frame, int, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, 0, errors.New("eof")
		}
		return f, 10, nil
	case <-ctx.Done():
		return Frame{}, 0, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.sent...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conn  *fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fixture struct {
	reg    *registry.Registry
	sink   *decision.Sink
	dialer *fakeDialer
	conn   *fakeConn
}

func newFixture(t *testing.T, st settings.Settings, unlocked bool) *fixture {
	t.Helper()
	sg := signer.New()
	if unlocked {
		require.NoError(t, sg.Generate("pw"))
	}
	reg, err := registry.New(context.Background(), registry.Options{Store: storage.NewMemory(), Signer: sg})
	require.NoError(t, err)
	reg.Settings.Store(st)
	conn := newFakeConn()
	return &fixture{
		reg:    reg,
		sink:   decision.NewSink(reg.Pending, reg, logx.Nop()),
		dialer: &fakeDialer{conn: conn},
		conn:   conn,
	}
}

func (f *fixture) worker(url string) *Worker {
	return NewWorker(url, Deps{Registry: f.reg, Sink: f.sink, Dialer: f.dialer})
}

func (f *fixture) run(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond, msg)
}

func trusted(urls ...string) settings.Settings {
	st := settings.Default()
	for _, u := range urls {
		st.Relays = append(st.Relays, settings.Relay{URL: u, Read: true, Write: true})
	}
	return st
}

func TestTrustedRelayConnectsWithoutAsking(t *testing.T) {
	f := newFixture(t, trusted("wss://a"), false)
	cancel, done := f.run(t, f.worker("wss://a"))

	eventually(t, func() bool { return f.dialer.count() == 1 }, "dialed")
	f.conn.in <- Frame{Label: LabelNotice, Args: []string{"hi"}}
	eventually(t, func() bool { return f.reg.BytesRead.Load() == 10 }, "bytes counted")
	assert.Zero(t, f.reg.Pending.Len())

	cancel()
	assert.NoError(t, <-done)
}

func TestUntrustedRelayAsksAndDenialStops(t *testing.T) {
	f := newFixture(t, settings.Default(), false)
	_, done := f.run(t, f.worker("wss://b"))

	eventually(t, func() bool { return f.reg.Pending.Len() == 1 }, "connection request raised")
	e := f.reg.Pending.Snapshot()[0]
	req, ok := e.Item.(pending.RelayConnectionRequest)
	require.True(t, ok)
	assert.Equal(t, "wss://b", req.Relay)

	require.NoError(t, f.sink.Submit(decision.Decision{ItemID: e.ID, Verdict: decision.Decline}))
	assert.NoError(t, <-done)
	assert.Zero(t, f.dialer.count())

	rx, err := f.reg.TakeCommandReceiver()
	require.NoError(t, err)
	var names []string
	for {
		c, ok := rx.TryRecv()
		if !ok {
			break
		}
		names = append(names, comms.CommandName(c))
	}
	assert.Contains(t, names, comms.CommandName(comms.StopRelay{}))
}

func TestPolicyNeverDeniesWithoutAsking(t *testing.T) {
	st := settings.Default()
	st.ConnectPolicy = settings.PolicyNever
	f := newFixture(t, st, false)
	_, done := f.run(t, f.worker("wss://c"))
	assert.NoError(t, <-done)
	assert.Zero(t, f.reg.Pending.Len())
	assert.Zero(t, f.dialer.count())
}

func TestDialErrorIsReturned(t *testing.T) {
	f := newFixture(t, trusted("wss://a"), false)
	f.dialer.err = errors.New("refused")
	_, done := f.run(t, f.worker("wss://a"))
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestAuthChallengeAnsweredAfterApproval(t *testing.T) {
	f := newFixture(t, trusted("wss://a"), true)
	_, done := f.run(t, f.worker("wss://a"))

	f.conn.in <- Frame{Label: LabelAuth, Args: []string{"chal"}}
	eventually(t, func() bool { return f.reg.Pending.Len() == 1 }, "auth request raised")
	e := f.reg.Pending.Snapshot()[0]
	ar, ok := e.Item.(pending.RelayAuthenticationRequest)
	require.True(t, ok)
	assert.Equal(t, f.reg.Signer.PublicKey(), ar.Account)

	require.NoError(t, f.sink.Submit(decision.Decision{ItemID: e.ID, Verdict: decision.Approve}))
	eventually(t, func() bool { return len(f.conn.frames()) == 1 }, "auth reply sent")

	reply := f.conn.frames()[0]
	assert.Equal(t, LabelAuth, reply.Label)
	assert.Equal(t, "chal", reply.Arg(0))
	sig, err := hex.DecodeString(reply.Arg(2))
	require.NoError(t, err)
	assert.True(t, signer.Verify(reply.Arg(1), authMessage("chal", "wss://a"), sig))

	close(f.conn.in)
	assert.Error(t, <-done)
}

func TestRememberedAuthSkipsQueue(t *testing.T) {
	st := trusted("wss://a")
	f := newFixture(t, st, true)
	store := storage.NewMemory()
	require.NoError(t, store.PutRemembered(context.Background(), storage.Remembered{
		Kind:     pending.KindRelayAuthentication.String(),
		Key:      pending.AuthKey(f.reg.Signer.PublicKey(), "wss://a"),
		Approved: true,
	}))
	require.NoError(t, f.sink.Load(context.Background(), store))

	_, _ = f.run(t, f.worker("wss://a"))
	f.conn.in <- Frame{Label: LabelAuth, Args: []string{"x"}}
	eventually(t, func() bool { return len(f.conn.frames()) == 1 }, "answered from memory")
	assert.Zero(t, f.reg.Pending.Len())
}

func TestLockedIdentityRaisesOneItem(t *testing.T) {
	f := newFixture(t, trusted("wss://a"), false)
	_, _ = f.run(t, f.worker("wss://a"))

	f.conn.in <- Frame{Label: LabelAuth, Args: []string{"1"}}
	f.conn.in <- Frame{Label: LabelAuth, Args: []string{"2"}}
	f.conn.in <- Frame{Label: LabelSign, Args: []string{"cli", "acct", "cmd"}}
	eventually(t, func() bool { return len(f.conn.frames()) == 1 }, "sign denied")

	assert.Equal(t, LabelDenied, f.conn.frames()[0].Label)
	require.Equal(t, 1, f.reg.Pending.Len())
	assert.Equal(t, pending.KindGeneric, f.reg.Pending.Snapshot()[0].Item.Kind())
}

func TestSignRequest(t *testing.T) {
	f := newFixture(t, trusted("wss://a"), true)
	_, _ = f.run(t, f.worker("wss://a"))

	f.conn.in <- Frame{Label: LabelSign, Args: []string{"cli", "acct", "yes"}}
	f.conn.in <- Frame{Label: LabelSign, Args: []string{"cli", "acct", "no"}}
	eventually(t, func() bool { return f.reg.Pending.Len() == 2 }, "both raised")

	for _, e := range f.reg.Pending.Snapshot() {
		v := decision.Decline
		if e.Item.(pending.RemoteSignRequest).Command == "yes" {
			v = decision.Approve
		}
		require.NoError(t, f.sink.Submit(decision.Decision{ItemID: e.ID, Verdict: v}))
	}
	eventually(t, func() bool { return len(f.conn.frames()) == 2 }, "both answered")

	got := map[string]string{}
	for _, fr := range f.conn.frames() {
		got[fr.Arg(1)] = fr.Label
	}
	assert.Equal(t, map[string]string{"yes": LabelSigned, "no": LabelDenied}, got)
}

func TestDropRelayStopsWorker(t *testing.T) {
	f := newFixture(t, trusted("wss://a", "wss://b"), false)
	_, doneA := f.run(t, f.worker("wss://a"))
	eventually(t, func() bool { return f.dialer.count() == 1 && f.reg.Broadcast(comms.ToWorker{}) >= 1 }, "subscribed")

	f.reg.Broadcast(comms.ToWorker{Kind: comms.WorkerDropRelay, Target: "wss://b"})
	select {
	case <-doneA:
		t.Fatal("worker for another relay stopped")
	case <-time.After(20 * time.Millisecond):
	}

	f.reg.Broadcast(comms.ToWorker{Kind: comms.WorkerDropRelay, Target: "wss://a"})
	assert.NoError(t, <-doneA)
}

func TestFrameCodec(t *testing.T) {
	b, err := EncodeFrame(Frame{Label: LabelAuth, Args: []string{"c", "p"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["AUTH","c","p"]`, string(b))

	f, err := DecodeFrame([]byte(`["SIGN","cli",7,{"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, LabelSign, f.Label)
	assert.Equal(t, []string{"cli", "7", `{"a":1}`}, f.Args)
	assert.Empty(t, f.Arg(5))

	for _, bad := range []string{`[]`, `{}`, `[1]`, `nope`} {
		_, err := DecodeFrame([]byte(bad))
		assert.Error(t, err, bad)
	}
	_, err = EncodeFrame(Frame{})
	assert.Error(t, err)
}
