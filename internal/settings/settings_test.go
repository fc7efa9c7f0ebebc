package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTarget struct {
	live    Settings
	applied int
}

func (m *memTarget) CurrentSettings() Settings { return m.live.Clone() }
func (m *memTarget) ApplySettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.live = s
	m.applied++
	return nil
}

func TestDecodeDefaultsAndDurations(t *testing.T) {
	s, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)

	s, err = Decode([]byte(`{"pending_ttl":"90s","auth_policy":"never"}`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, s.PendingTTL.Std())
	assert.Equal(t, PolicyNever, s.AuthPolicy)
	assert.Equal(t, PolicyAsk, s.ConnectPolicy, "omitted field keeps default")

	raw, err := Encode(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pending_ttl":"1m30s"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Settings)
		ok   bool
	}{
		{"default", func(*Settings) {}, true},
		{"bad policy", func(s *Settings) { s.ConnectPolicy = "maybe" }, false},
		{"http relay", func(s *Settings) { s.Relays = []Relay{{URL: "http://x"}} }, false},
		{"duplicate relay", func(s *Settings) { s.Relays = []Relay{{URL: "wss://x"}, {URL: "wss://x"}} }, false},
		{"negative max", func(s *Settings) { s.MaxRelays = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mut(&s)
			if tt.ok {
				assert.NoError(t, s.Validate())
			} else {
				assert.Error(t, s.Validate())
			}
		})
	}
}

func TestEditorDirtyRevertSave(t *testing.T) {
	target := &memTarget{live: Default()}
	ed := NewEditor(target)
	assert.False(t, ed.Dirty())
	require.NoError(t, ed.Save())
	assert.Equal(t, 0, target.applied, "clean save is a no-op")

	ed.SetRelay(Relay{URL: "wss://a", Read: true})
	assert.True(t, ed.Dirty())
	ed.Revert()
	assert.False(t, ed.Dirty())
	assert.Empty(t, ed.Working.Relays)

	ed.SetRelay(Relay{URL: "wss://a", Read: true})
	ed.SetRelay(Relay{URL: "wss://a", Write: true})
	ed.SetRelay(Relay{URL: "wss://b"})
	require.True(t, ed.RemoveRelay("wss://b"))
	require.NoError(t, ed.Save())
	assert.Equal(t, 1, target.applied)
	assert.Equal(t, []Relay{{URL: "wss://a", Write: true}}, target.live.Relays)
	assert.False(t, ed.Dirty())

	ed.Working.AuthPolicy = "bogus"
	assert.Error(t, ed.Save())
}
