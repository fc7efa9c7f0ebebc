package console

import (
	"strconv"
	"strings"
	"time"

	"relaydeck/internal/notifications"
	"relaydeck/internal/pending"
	kit "relaydeck/internal/transport"
	"relaydeck/pkg/tgui"
)

// Callback actions under the "deck" scope.
const (
	scope         = "deck"
	actApprove    = "approve"
	actDecline    = "decline"
	actRemember   = "remember"
	actDismiss    = "dismiss"
	actPage       = "page"
	summaryLength = 300
)

func emoji(c notifications.Category) string {
	switch c {
	case notifications.CategoryRelayAuthentication:
		return "🔐"
	case notifications.CategoryRelayConnection:
		return "🔌"
	case notifications.CategoryRemoteSign:
		return "✍️"
	default:
		return "🔔"
	}
}

func cardMessage(n notifications.Notification) tgui.Message {
	b := tgui.New().
		Title(emoji(n.Category()), n.Title()).
		KV("Type", n.Category().Name()).
		KV("Received", n.CreatedAt.Format(time.DateTime))
	cardDetails(b, n.Item)
	return b.Inline(cardKeyboard(n)).Build()
}

func cardDetails(b *tgui.Builder, it pending.Item) {
	switch it := it.(type) {
	case pending.RelayConnectionRequest:
		b.KV("Relay", it.Relay)
	case pending.RelayAuthenticationRequest:
		b.KV("Relay", it.Relay).KV("Account", it.Account)
	case pending.RemoteSignRequest:
		b.KV("Client", it.ClientName).KV("Account", it.Account).
			Blank().HTML(tgui.Quote(tgui.TruncRunes(it.Command, summaryLength)))
	default:
		b.Blank().Line(tgui.TruncRunes(it.Describe(), summaryLength))
	}
}

func cardKeyboard(n notifications.Notification) *tgui.Inline {
	id := n.ItemID.String()
	kb := tgui.NewInline().Row(
		tgui.Btn("✅ Approve", data(actApprove, id)),
		tgui.Btn("❌ Decline", data(actDecline, id)),
	)
	var last []kit.Button
	if _, ok := n.IdentityKey(); ok {
		label := "☐ Remember"
		if n.Remember {
			label = "☑ Remember"
		}
		last = append(last, tgui.Btn(label, data(actRemember, id)))
	}
	last = append(last, tgui.Btn("🙈 Dismiss", data(actDismiss, id)))
	return kb.Row(last...)
}

// data builds callback data. Payloads here are uuids and short page tokens,
// which always fit.
func data(action, payload string) string {
	s, err := tgui.Data(scope, action, payload)
	if err != nil {
		panic(err)
	}
	return s
}

func pageToken(f notifications.Filter, page int) string {
	return filterName(f) + "." + strconv.Itoa(page)
}

func parsePageToken(s string) (notifications.Filter, int, error) {
	name, num, _ := strings.Cut(s, ".")
	f, err := notifications.ParseFilter(name)
	if err != nil {
		return f, 0, err
	}
	page, err := strconv.Atoi(num)
	if err != nil {
		return f, 0, err
	}
	return f, page, nil
}

func filterName(f notifications.Filter) string {
	switch f {
	case notifications.FilterRelayAuthentication:
		return "auth"
	case notifications.FilterRelayConnection:
		return "conn"
	case notifications.FilterRemoteSign:
		return "sign"
	case notifications.FilterGeneric:
		return "pending"
	default:
		return "all"
	}
}
