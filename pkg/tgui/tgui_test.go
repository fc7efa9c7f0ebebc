package tgui

import (
	"strings"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	d, err := Data("deck", "approve", "1f0e:x")
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	scope, action, payload, err := ParseData(d)
	if err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if scope != "deck" || action != "approve" || payload != "1f0e:x" {
		t.Fatalf("got %q %q %q", scope, action, payload)
	}
}

func TestDataRejects(t *testing.T) {
	if _, err := Data("deck", "a:b", ""); err == nil {
		t.Fatal("colon in action accepted")
	}
	if _, err := Data("deck", "x", strings.Repeat("p", 64)); err == nil {
		t.Fatal("oversized data accepted")
	}
	if _, _, _, err := ParseData("deck"); err == nil {
		t.Fatal("missing action accepted")
	}
}

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, c := range cases {
		if got := TruncRunes(c.in, c.n); got != c.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}

func TestBuilderEscapes(t *testing.T) {
	m := New().
		Title("🔔", "Relay <auth>").
		KV("relay", "wss://a?x=1&y=2").
		Line("").
		Bullets("one", " ", "two").
		Inline(NewInline().Grid(2, Btn("A", "d:a"), Btn("B", "d:b"), Btn("C", "d:c"))).
		Build()

	want := "🔔 <b>Relay &lt;auth&gt;</b>\n• <b>relay</b>: wss://a?x=1&amp;y=2\n\n• one\n• two"
	if m.Text != want {
		t.Fatalf("Text =\n%s\nwant\n%s", m.Text, want)
	}
	if m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview {
		t.Fatalf("Opt = %+v", m.Opt)
	}
	if len(m.Opt.Keyboard) != 2 || len(m.Opt.Keyboard[1]) != 1 {
		t.Fatalf("Keyboard = %+v", m.Opt.Keyboard)
	}
}

func TestPaginate(t *testing.T) {
	items := make([]int, 25)
	p := Paginate(items, 1, 10)
	if len(p.Items) != 10 || !p.HasPrev || !p.HasNext {
		t.Fatalf("page 1 = %+v", p)
	}
	if got := p.Label(); got != "Page 2/3 • 11–20 of 25" {
		t.Fatalf("Label = %q", got)
	}
	p = Paginate(items, 9, 10)
	if p.Index != 2 || len(p.Items) != 5 || p.HasNext {
		t.Fatalf("clamped page = %+v", p)
	}
	if got := Paginate([]int{}, 0, 10).Label(); got != "Page 1/1" {
		t.Fatalf("empty Label = %q", got)
	}
}
