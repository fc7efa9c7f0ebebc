package tgui

import (
	"html"
	"strings"
)

// H is HTML already escaped for ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw trusts s as HTML. Meant for fixed glyphs and previously built H.
func Raw(s string) H { return H(s) }

// tag wraps escaped text in one of the tags Telegram accepts.
func tag(name, text string) H {
	var sb strings.Builder
	sb.Grow(len(text) + 2*len(name) + 5)
	sb.WriteString("<" + name + ">")
	sb.WriteString(html.EscapeString(text))
	sb.WriteString("</" + name + ">")
	return H(sb.String())
}

func B(s string) H     { return tag("b", s) }
func I(s string) H     { return tag("i", s) }
func Code(s string) H  { return tag("code", s) }
func Quote(s string) H { return tag("blockquote", s) }

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	var sb strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(string(p))
	}
	return H(sb.String())
}
