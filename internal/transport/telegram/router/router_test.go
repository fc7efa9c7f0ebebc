package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "relaydeck/internal/transport"
	logx "relaydeck/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	answers []string
	menu    []kit.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) answerTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

const owner = int64(42)

func startRouter(t *testing.T, cmds []Command, cbs []CallbackRoute) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{owner}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	r.Register(ctx, cmds, cbs)

	updates := make(chan kit.Update, 8)
	done := make(chan error, 1)
	go func() { done <- r.Dispatch(ctx, updates) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, updates
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: from, Text: text}}
}

func TestCommandDispatch(t *testing.T) {
	got := make(chan []string, 1)
	ad, updates := startRouter(t, []Command{{
		Name:    "pending",
		Aliases: []string{"p"},
		Handle: func(_ context.Context, req *Request) error {
			got <- req.Args
			return nil
		},
	}}, nil)

	updates <- message(owner, "/p@relaydeck_bot auth")
	select {
	case args := <-got:
		assert.Equal(t, []string{"auth"}, args)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	updates <- message(7, "/pending")
	require.Eventually(t, func() bool {
		return len(ad.sentTexts()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "Unauthorized.", ad.sentTexts()[0])

	updates <- message(owner, "/nope")
	require.Eventually(t, func() bool {
		return len(ad.sentTexts()) == 2
	}, time.Second, time.Millisecond)
	assert.Contains(t, ad.sentTexts()[1], "Unknown command")
}

func TestHelpAndMenu(t *testing.T) {
	ad, updates := startRouter(t, []Command{
		{Name: "status", Description: "show relays", Access: AccessEveryone, Handle: func(context.Context, *Request) error { return nil }},
		{Name: "pending", Description: "list pending items", Usage: "/pending [filter]", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)

	updates <- message(7, "/help")
	require.Eventually(t, func() bool { return len(ad.sentTexts()) == 1 }, time.Second, time.Millisecond)
	help := ad.sentTexts()[0]
	assert.Contains(t, help, "<code>/status</code> — show relays")
	assert.Contains(t, help, "🔒 <code>/pending</code>")

	updates <- message(7, "/help pending")
	require.Eventually(t, func() bool { return len(ad.sentTexts()) == 2 }, time.Second, time.Millisecond)
	assert.Contains(t, ad.sentTexts()[1], "/pending [filter]")

	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.menu) == 3
	}, time.Second, time.Millisecond)
	assert.True(t, strings.HasPrefix(ad.menu[1].Description, "🔒"))
}

func TestCallbackAccess(t *testing.T) {
	got := make(chan *Request, 1)
	ad, updates := startRouter(t, nil, []CallbackRoute{{
		Scope:  "deck",
		Action: "approve",
		Handle: func(ctx context.Context, req *Request) error {
			got <- req
			return req.Answer(ctx, "Approved")
		},
	}})

	cb := func(from int64, data string) kit.Update {
		return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", ChatID: 1, FromID: from, MessageID: 9, Data: data}}
	}

	updates <- cb(7, "deck:approve:abc")
	require.Eventually(t, func() bool { return len(ad.answerTexts()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "Only the owner can do that.", ad.answerTexts()[0])

	updates <- cb(owner, "deck:approve:abc")
	select {
	case req := <-got:
		assert.Equal(t, "abc", req.Payload)
		assert.Equal(t, 9, req.MessageID)
	case <-time.After(time.Second):
		t.Fatal("callback not handled")
	}
	require.Eventually(t, func() bool { return len(ad.answerTexts()) >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "Approved", ad.answerTexts()[1])
}

func TestSanitizeCommand(t *testing.T) {
	cases := map[string]string{
		"Pending":      "pending",
		"/relay-stats": "relay_stats",
		"9lives":       "cmd_9lives",
		"!!":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeCommand(in), in)
	}
}
