package settings

// Target is where edited settings are read from and applied to.
type Target interface {
	CurrentSettings() Settings
	ApplySettings(Settings) error
}

// Editor holds a working copy of the settings that the operator changes
// field by field before saving or reverting.
type Editor struct {
	target  Target
	Working Settings
}

func NewEditor(t Target) *Editor {
	return &Editor{target: t, Working: t.CurrentSettings()}
}

// Dirty reports whether the working copy differs from the live settings.
func (e *Editor) Dirty() bool {
	return !e.Working.Equal(e.target.CurrentSettings())
}

// Revert discards local edits.
func (e *Editor) Revert() {
	e.Working = e.target.CurrentSettings()
}

// Save applies the working copy. Saving an unchanged copy does nothing.
func (e *Editor) Save() error {
	if !e.Dirty() {
		return nil
	}
	return e.target.ApplySettings(e.Working.Clone())
}

// SetRelay adds or updates a relay in the working copy.
func (e *Editor) SetRelay(r Relay) {
	for i := range e.Working.Relays {
		if e.Working.Relays[i].URL == r.URL {
			e.Working.Relays[i] = r
			return
		}
	}
	e.Working.Relays = append(e.Working.Relays, r)
}

// RemoveRelay drops url from the working copy and reports whether it was there.
func (e *Editor) RemoveRelay(url string) bool {
	for i := range e.Working.Relays {
		if e.Working.Relays[i].URL == url {
			e.Working.Relays = append(e.Working.Relays[:i:i], e.Working.Relays[i+1:]...)
			return true
		}
	}
	return false
}
