package decision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaydeck/internal/comms"
	"relaydeck/internal/pending"
	"relaydeck/internal/storage"
	logx "relaydeck/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	cmds []comms.Command
}

func (r *recorder) SendCommand(c comms.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	return nil
}

func (r *recorder) all() []comms.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]comms.Command(nil), r.cmds...)
}

func newSink() (*Sink, *pending.Source, *recorder) {
	src := pending.NewSource()
	rec := &recorder{}
	return NewSink(src, rec, logx.Nop()), src, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestWaitsForSubmit(t *testing.T) {
	s, src, rec := newSink()
	item := pending.RelayAuthenticationRequest{Account: "A", Relay: "wss://r"}

	got := make(chan Decision, 1)
	go func() {
		d, err := s.Request(context.Background(), item)
		assert.NoError(t, err)
		got <- d
	}()
	waitFor(t, func() bool { return src.Len() == 1 && s.Waiting() == 1 })

	e := src.Snapshot()[0]
	require.NoError(t, s.Submit(Decision{ItemID: e.ID, Verdict: Approve, Remember: true}))

	d := <-got
	assert.Equal(t, Approve, d.Verdict)
	assert.Equal(t, pending.KindRelayAuthentication, d.Kind)
	assert.Equal(t, pending.AuthKey("A", "wss://r"), d.Key)
	assert.False(t, d.Auto)

	cmds := rec.all()
	require.Len(t, cmds, 1)
	rd := cmds[0].(comms.DecisionRecorded)
	assert.Equal(t, e.ID, rd.ItemID)
	assert.True(t, rd.Approved)
	assert.True(t, rd.Remember)

	// Remembered: the next identical request answers without queueing.
	d, err := s.Request(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, d.Auto)
	assert.Equal(t, Approve, d.Verdict)
	assert.Equal(t, 1, src.Len(), "coordinator has not removed the first item yet; nothing new queued")
}

func TestSubmitErrors(t *testing.T) {
	s, src, _ := newSink()
	e := src.Add(pending.GenericItem{Payload: "unlock"})

	assert.Error(t, s.Submit(Decision{ItemID: e.ID}), "zero verdict")
	assert.ErrorIs(t, s.Submit(Decision{ItemID: [16]byte{1}, Verdict: Approve}), ErrUnknownItem)

	require.NoError(t, s.Submit(Decision{ItemID: e.ID, Verdict: Decline}))
	assert.ErrorIs(t, s.Submit(Decision{ItemID: e.ID, Verdict: Approve}), ErrAlreadyDecided)

	src.Remove(e.ID)
	s.Sweep()
	assert.ErrorIs(t, s.Submit(Decision{ItemID: e.ID, Verdict: Approve}), ErrUnknownItem)
}

func TestRememberIgnoredForUnkeyedKinds(t *testing.T) {
	s, src, rec := newSink()
	e := src.Add(pending.RemoteSignRequest{ClientName: "c", Account: "A", Command: "sign_event"})
	require.NoError(t, s.Submit(Decision{ItemID: e.ID, Verdict: Approve, Remember: true}))

	rd := rec.all()[0].(comms.DecisionRecorded)
	assert.False(t, rd.Remember)
	assert.Empty(t, rd.Key)
}

func TestExpireWakesAllWaiters(t *testing.T) {
	s, src, _ := newSink()
	e := src.Add(pending.RelayConnectionRequest{Relay: "wss://a"})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Await(context.Background(), e)
			errs <- err
		}()
	}
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.slots[e.ID] != nil && s.slots[e.ID].waiters == 2
	})

	src.Remove(e.ID)
	assert.True(t, s.Expire(e.ID))
	assert.False(t, s.Expire(e.ID), "already resolved")
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrExpired)
	}
}

func TestRequestCancelWithdrawsItem(t *testing.T) {
	s, src, _ := newSink()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, pending.RelayConnectionRequest{Relay: "wss://slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, src.Len())
	s.Sweep()
	assert.Equal(t, 0, s.Waiting())
}

func TestSubmitBeforeAwait(t *testing.T) {
	s, src, _ := newSink()
	e := src.Add(pending.RelayConnectionRequest{Relay: "wss://fast"})
	require.NoError(t, s.Submit(Decision{ItemID: e.ID, Verdict: Decline}))

	d, err := s.Await(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Decline, d.Verdict)
}

func TestLoadAndForget(t *testing.T) {
	s, _, _ := newSink()
	st := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutRemembered(ctx, storage.Remembered{Kind: "relay_connection", Key: "wss://a", Approved: true}))
	require.NoError(t, st.PutRemembered(ctx, storage.Remembered{Kind: "remote_sign", Key: "x"}))
	require.NoError(t, st.PutRemembered(ctx, storage.Remembered{Kind: "bogus", Key: "y"}))

	require.NoError(t, s.Load(ctx, st))
	v, ok := s.Lookup(pending.KindRelayConnection, "wss://a")
	require.True(t, ok)
	assert.Equal(t, Approve, v)
	_, ok = s.Lookup(pending.KindRemoteSign, "x")
	assert.False(t, ok, "unkeyed kinds are never remembered")

	assert.True(t, s.Forget(pending.KindRelayConnection, "wss://a"))
	_, ok = s.Lookup(pending.KindRelayConnection, "wss://a")
	assert.False(t, ok)
}
