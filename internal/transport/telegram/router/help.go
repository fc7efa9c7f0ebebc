package router

import (
	"strings"

	"relaydeck/pkg/tgui"
)

// helpText renders help in HTML parse mode.
func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(args) > 0 {
		c, ok := r.commands[sanitizeCommand(args[0])]
		if !ok {
			return tgui.New().
				Title("❓", "Unknown command").
				HTML(tgui.JoinH(" ", tgui.Esc("Type"), tgui.Code("/help"), tgui.Esc("for the list."))).
				Build().Text
		}
		b := tgui.New().Title("📚", "/"+c.Name)
		if c.Description != "" {
			b.Line(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			b.HTML(tgui.I("🔒 owner only"))
		}
		if c.Usage != "" {
			b.Blank().HTML(tgui.B("Usage")).HTML(tgui.Code(c.Usage))
		}
		if len(c.Aliases) > 0 {
			b.Blank().HTML(tgui.B("Aliases")).Line("/" + strings.Join(c.Aliases, ", /"))
		}
		return b.Build().Text
	}

	b := tgui.New().Title("📚", "Commands").Blank()
	for _, c := range r.ordered {
		line := tgui.Code("/" + c.Name)
		if c.Description != "" {
			line = tgui.JoinH(" — ", line, tgui.Esc(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			line = tgui.JoinH(" ", tgui.Raw("🔒"), line)
		}
		b.HTML(tgui.JoinH(" ", tgui.Raw("•"), line))
	}
	return b.Build().Text
}
