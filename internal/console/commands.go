package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"relaydeck/internal/comms"
	"relaydeck/internal/decision"
	"relaydeck/internal/notifications"
	kit "relaydeck/internal/transport"
	"relaydeck/internal/transport/telegram/router"
	"relaydeck/pkg/tgui"
)

// Commands lists the chat commands the console serves.
func (c *Console) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "welcome and queue summary", Access: router.AccessEveryone, Handle: c.cmdStart},
		{Name: "pending", Aliases: []string{"p"}, Description: "list pending items", Usage: "/pending [all|auth|conn|sign|pending] [page]", Handle: c.cmdPending},
		{Name: "status", Description: "recent status lines", Handle: c.cmdStatus},
		{Name: "relays", Description: "connected relays", Handle: c.cmdRelays},
		{Name: "connect", Description: "connect to a relay", Usage: "/connect <url> [reason]", Handle: c.cmdConnect},
		{Name: "disconnect", Description: "drop a relay connection", Usage: "/disconnect <url>", Handle: c.cmdDisconnect},
		{Name: "reconnect", Description: "reconnect configured relays", Handle: c.cmdReconnect},
	}
}

// Callbacks lists the inline button routes. All are owner only.
func (c *Console) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: scope, Action: actApprove, Handle: c.verdictHandler(decision.Approve)},
		{Scope: scope, Action: actDecline, Handle: c.verdictHandler(decision.Decline)},
		{Scope: scope, Action: actRemember, Handle: c.cbRemember},
		{Scope: scope, Action: actDismiss, Handle: c.cbDismiss},
		{Scope: scope, Action: actPage, Handle: c.cbPage},
	}
}

func (c *Console) cmdStart(ctx context.Context, req *router.Request) error {
	if req.FromID != c.cfg.OwnerID {
		_, err := req.Reply(ctx, "This deck is private.", nil)
		return err
	}
	_, counts, err := c.actions.List(ctx, notifications.FilterAll)
	if err != nil {
		return err
	}
	msg := tgui.New().
		Title("🛰", "relaydeck").
		Line("Cards for new requests arrive here. Use /pending to browse the queue.").
		Blank().
		HTML(badges(counts)).
		Build()
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (c *Console) cmdPending(ctx context.Context, req *router.Request) error {
	f := notifications.FilterAll
	page := 0
	for _, a := range req.Args {
		if n, err := strconv.Atoi(a); err == nil {
			page = n - 1
			continue
		}
		parsed, err := notifications.ParseFilter(a)
		if err != nil {
			_, err = req.Reply(ctx, err.Error(), nil)
			return err
		}
		f = parsed
	}
	msg, err := c.pendingMessage(ctx, f, page)
	if err != nil {
		return err
	}
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (c *Console) pendingMessage(ctx context.Context, f notifications.Filter, page int) (tgui.Message, error) {
	list, counts, err := c.actions.List(ctx, f)
	if err != nil {
		return tgui.Message{}, err
	}
	p := tgui.Paginate(list, page, c.cfg.PageSize)

	b := tgui.New().Title("📋", f.Name()).HTML(badges(counts)).Blank()
	if p.Total == 0 {
		b.Line("Nothing pending.")
	}
	// Every listed item gets its own verdict row, so items whose card was
	// dismissed can still be decided here.
	kb := tgui.NewInline()
	for i, n := range p.Items {
		num := strconv.Itoa(p.From + i + 1)
		line := tgui.JoinH(" ", tgui.Esc(num+"."), tgui.Esc(emoji(n.Category())), tgui.B(n.Title()), tgui.I(n.CreatedAt.Format("15:04")))
		if n.Remember {
			line = tgui.JoinH(" ", line, tgui.Raw("☑"))
		}
		b.HTML(line)
		id := n.ItemID.String()
		kb.Row(
			tgui.Btn("✅ "+num, data(actApprove, id)),
			tgui.Btn("❌ "+num, data(actDecline, id)),
		)
	}
	if p.Pages > 1 {
		b.Blank().Line(p.Label())
		var nav []kit.Button
		if p.HasPrev {
			nav = append(nav, tgui.Btn("« Prev", data(actPage, pageToken(f, p.Index-1))))
		}
		if p.HasNext {
			nav = append(nav, tgui.Btn("Next »", data(actPage, pageToken(f, p.Index+1))))
		}
		kb.Row(nav...)
	}
	return b.Inline(kb).Build(), nil
}

// badges renders the two queue badges.
func badges(c notifications.Counts) tgui.H {
	return tgui.JoinH(" · ",
		tgui.JoinH(" ", tgui.Esc("Relays"), tgui.Code(strconv.Itoa(c.Relays()))),
		tgui.JoinH(" ", tgui.Esc("Pending"), tgui.Code(strconv.Itoa(c.Pending()))),
	)
}

func (c *Console) cmdStatus(ctx context.Context, req *router.Request) error {
	lines := c.backend.StatusLines()
	b := tgui.New().Title("📡", "Status")
	if len(lines) == 0 {
		b.Line("No status yet.")
	}
	b.Bullets(lines...)
	_, err := b.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (c *Console) cmdRelays(ctx context.Context, req *router.Request) error {
	var running []string
	if c.relays != nil {
		running = c.relays.Running()
	}
	b := tgui.New().Title("🔌", fmt.Sprintf("Relays (%d)", len(running)))
	if len(running) == 0 {
		b.Line("No relay connected.")
	}
	for _, url := range running {
		b.HTML(tgui.JoinH(" ", tgui.Raw("•"), tgui.Code(url)))
	}
	_, err := b.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (c *Console) cmdConnect(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		_, err := req.Reply(ctx, "Usage: /connect <url> [reason]", nil)
		return err
	}
	reason := comms.ReasonFetchMetadata
	if len(req.Args) > 1 {
		r, err := comms.ParseJobReason(req.Args[1])
		if err != nil {
			_, err = req.Reply(ctx, err.Error(), nil)
			return err
		}
		reason = r
	}
	url := req.Args[0]
	return c.command(ctx, req, comms.StartRelay{URL: url, Jobs: []comms.RelayJob{comms.NewRelayJob(reason, false)}}, "Connecting to "+url+".")
}

func (c *Console) cmdDisconnect(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		_, err := req.Reply(ctx, "Usage: /disconnect <url>", nil)
		return err
	}
	return c.command(ctx, req, comms.StopRelay{URL: req.Args[0]}, "Dropping "+req.Args[0]+".")
}

func (c *Console) cmdReconnect(ctx context.Context, req *router.Request) error {
	return c.command(ctx, req, comms.ReconnectAll{}, "Reconnecting configured relays.")
}

func (c *Console) command(ctx context.Context, req *router.Request, cmd comms.Command, ok string) error {
	text := ok
	if err := c.backend.SendCommand(cmd); err != nil {
		text = "Not accepted: " + err.Error()
	}
	_, err := req.Reply(ctx, text, nil)
	return err
}

func (c *Console) verdictHandler(v decision.Verdict) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		id, err := uuid.Parse(req.Payload)
		if err != nil {
			return req.Answer(ctx, "Bad button.")
		}
		n, ok, err := c.actions.Find(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return req.Answer(ctx, "No longer pending.")
		}
		outcome := "Approved"
		if !v.Approved() {
			outcome = "Declined"
		}
		if n.Remember {
			outcome += " and remembered"
		}
		// Recorded first so the card closes with it once the item leaves the queue.
		c.setOutcome(id, outcome+".")
		if err := c.actions.Decide(ctx, id, v); err != nil {
			c.takeOutcome(id)
			if errors.Is(err, decision.ErrUnknownItem) || errors.Is(err, decision.ErrAlreadyDecided) {
				return req.Answer(ctx, "No longer pending.")
			}
			return err
		}
		return req.Answer(ctx, outcome)
	}
}

func (c *Console) cbRemember(ctx context.Context, req *router.Request) error {
	id, err := uuid.Parse(req.Payload)
	if err != nil {
		return req.Answer(ctx, "Bad button.")
	}
	n, ok, err := c.actions.Find(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return req.Answer(ctx, "No longer pending.")
	}
	if _, keyed := n.IdentityKey(); !keyed {
		return req.Answer(ctx, "This request cannot be remembered.")
	}
	if err := c.actions.SetRemember(ctx, id, !n.Remember); err != nil {
		if errors.Is(err, decision.ErrUnknownItem) {
			return req.Answer(ctx, "No longer pending.")
		}
		return err
	}
	if n.Remember {
		return req.Answer(ctx, "Remember off")
	}
	return req.Answer(ctx, "Remember on")
}

func (c *Console) cbDismiss(ctx context.Context, req *router.Request) error {
	id, err := uuid.Parse(req.Payload)
	if err != nil {
		return req.Answer(ctx, "Bad button.")
	}
	c.setOutcome(id, "Dismissed. Still pending; see /pending.")
	if err := c.actions.Dismiss(ctx, id); err != nil {
		c.takeOutcome(id)
		if errors.Is(err, decision.ErrUnknownItem) {
			return req.Answer(ctx, "No longer pending.")
		}
		return err
	}
	return req.Answer(ctx, "Dismissed")
}

func (c *Console) cbPage(ctx context.Context, req *router.Request) error {
	f, page, err := parsePageToken(req.Payload)
	if err != nil {
		return req.Answer(ctx, "Bad button.")
	}
	msg, err := c.pendingMessage(ctx, f, page)
	if err != nil {
		return err
	}
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.MessageID}
	return msg.Edit(ctx, req.Adapter, ref)
}
