package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	kit "relaydeck/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q, want [hello]", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 12, "")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("chunks = %q", got)
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	s := strings.Repeat("é", 95)
	for _, c := range splitText(s, 10, "") {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk has %d runes, limit 10", n)
		}
	}
}

func TestSplitTextAvoidsCuttingTags(t *testing.T) {
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitText(s, 10, "HTML")
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("first chunk = %q, want the text before the tag", got[0])
	}
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("second chunk = %q, want it to start with the tag", got[1])
	}
}

func TestMarkup(t *testing.T) {
	if markup(nil) != nil {
		t.Fatal("empty keyboard should give nil markup")
	}
	rm := markup(kit.Keyboard{
		{{Text: "Approve", Data: "deck:approve:x"}, {Text: "Decline", Data: "deck:decline:x"}},
		{{Text: "Dismiss", Data: "deck:dismiss:x"}},
	})
	if len(rm.InlineKeyboard) != 2 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("InlineKeyboard = %+v", rm.InlineKeyboard)
	}
	if rm.InlineKeyboard[1][0].Data != "deck:dismiss:x" {
		t.Fatalf("data = %q", rm.InlineKeyboard[1][0].Data)
	}
}
