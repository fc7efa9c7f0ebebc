package tgui

import kit "relaydeck/internal/transport"

// Inline builds an inline keyboard row by row.
type Inline struct {
	rows kit.Keyboard
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row. Empty rows are skipped.
func (i *Inline) Row(btn ...kit.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

// Grid lays buttons out in rows of cols.
func (i *Inline) Grid(cols int, btn ...kit.Button) *Inline {
	if cols <= 0 {
		cols = 2
	}
	for len(btn) > 0 {
		n := min(cols, len(btn))
		i.Row(btn[:n]...)
		btn = btn[n:]
	}
	return i
}

func (i *Inline) Keyboard() kit.Keyboard {
	if i == nil {
		return nil
	}
	return i.rows
}

// Btn creates a callback button with raw callback data.
func Btn(text, data string) kit.Button {
	return kit.Button{Text: text, Data: data}
}
