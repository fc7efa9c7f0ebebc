package deck

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaydeck/internal/decision"
	"relaydeck/internal/notifications"
	"relaydeck/internal/pending"
	"relaydeck/internal/registry"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

type captured struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *captured) Render(_ context.Context, s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *captured) last() (Snapshot, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return Snapshot{}, 0
	}
	return c.snaps[len(c.snaps)-1], len(c.snaps)
}

func setup(t *testing.T) (*Deck, *registry.Registry, *decision.Sink, *captured) {
	t.Helper()
	reg, err := registry.New(context.Background(), registry.Options{Store: storage.NewMemory()})
	require.NoError(t, err)
	sink := decision.NewSink(reg.Pending, reg, logx.Nop())
	d := New(Options{Registry: reg, Sink: sink, Tick: 10 * time.Millisecond})
	c := &captured{}
	d.AddRenderer(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, reg, sink, c
}

func TestRendersOnChange(t *testing.T) {
	_, reg, _, c := setup(t)
	reg.Pending.Add(pending.RelayConnectionRequest{Relay: "wss://a"})

	require.Eventually(t, func() bool {
		s, _ := c.last()
		return len(s.Visible) == 1
	}, time.Second, time.Millisecond)

	s, n := c.last()
	assert.Equal(t, 1, s.Counts.Relays())
	assert.NotEmpty(t, s.Status, "welcome line")

	// Ticks without a change render nothing new.
	time.Sleep(50 * time.Millisecond)
	_, n2 := c.last()
	assert.Equal(t, n, n2)
}

func TestListAndDecide(t *testing.T) {
	d, reg, sink, _ := setup(t)
	ctx := context.Background()
	e := reg.Pending.Add(pending.RelayAuthenticationRequest{Account: "A", Relay: "wss://r"})

	list, counts, err := d.List(ctx, notifications.FilterRelayAuthentication)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, counts.Get(notifications.CategoryRelayAuthentication))

	got := make(chan decision.Decision, 1)
	go func() {
		dec, err := sink.Await(ctx, e)
		assert.NoError(t, err)
		got <- dec
	}()

	require.NoError(t, d.DecideWith(ctx, e.ID, decision.Approve, true))
	select {
	case dec := <-got:
		assert.Equal(t, decision.Approve, dec.Verdict)
		assert.True(t, dec.Remember)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	v, ok := sink.Lookup(pending.KindRelayAuthentication, pending.AuthKey("A", "wss://r"))
	assert.True(t, ok)
	assert.Equal(t, decision.Approve, v)

	assert.ErrorIs(t, d.Decide(ctx, uuid.New(), decision.Decline), decision.ErrUnknownItem)
}

func TestSetRememberAndDismissRerender(t *testing.T) {
	d, reg, _, c := setup(t)
	ctx := context.Background()
	e := reg.Pending.Add(pending.RelayConnectionRequest{Relay: "wss://a"})
	other := reg.Pending.Add(pending.GenericItem{Payload: "x"})

	require.Eventually(t, func() bool {
		s, _ := c.last()
		return len(s.Visible) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, d.SetRemember(ctx, e.ID, true))
	require.Eventually(t, func() bool {
		s, _ := c.last()
		return len(s.Visible) == 2 && s.Visible[0].Remember
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Dismiss(ctx, other.ID))
	require.Eventually(t, func() bool {
		s, _ := c.last()
		return len(s.Visible) == 1
	}, time.Second, time.Millisecond)
	s, _ := c.last()
	assert.Equal(t, 2, s.Counts.Total(), "dismissed items still count")

	n, ok, err := d.Find(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", n.Summary())

	assert.ErrorIs(t, d.SetRemember(ctx, uuid.New(), true), decision.ErrUnknownItem)
	assert.ErrorIs(t, d.Dismiss(ctx, uuid.New()), decision.ErrUnknownItem)
}

func TestStoppedDeck(t *testing.T) {
	reg, err := registry.New(context.Background(), registry.Options{Store: storage.NewMemory()})
	require.NoError(t, err)
	d := New(Options{Registry: reg, Sink: decision.NewSink(reg.Pending, reg, logx.Nop())})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	_, _, err = d.List(context.Background(), notifications.FilterAll)
	assert.ErrorIs(t, err, ErrStopped)
}
