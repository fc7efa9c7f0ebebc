// Package settings holds the user-editable preferences that the rest of the
// process reads through the registry.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Policy decides what happens when a worker needs permission.
type Policy string

const (
	PolicyAsk    Policy = "ask"
	PolicyAlways Policy = "always"
	PolicyNever  Policy = "never"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyAsk, PolicyAlways, PolicyNever:
		return true
	}
	return false
}

// Relay is one configured relay.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// Duration is a time.Duration stored as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Settings struct {
	Relays        []Relay  `json:"relays"`
	ConnectPolicy Policy   `json:"connect_policy"`
	AuthPolicy    Policy   `json:"auth_policy"`
	MaxRelays     int      `json:"max_relays"`
	PendingTTL    Duration `json:"pending_ttl"`
}

func Default() Settings {
	return Settings{
		ConnectPolicy: PolicyAsk,
		AuthPolicy:    PolicyAsk,
		MaxRelays:     16,
		PendingTTL:    Duration(10 * time.Minute),
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.Relays = slices.Clone(s.Relays)
	return s
}

func (s Settings) Equal(o Settings) bool {
	return slices.Equal(s.Relays, o.Relays) &&
		s.ConnectPolicy == o.ConnectPolicy &&
		s.AuthPolicy == o.AuthPolicy &&
		s.MaxRelays == o.MaxRelays &&
		s.PendingTTL == o.PendingTTL
}

// ReadRelays returns the URLs of relays marked for reading.
func (s Settings) ReadRelays() []string {
	var out []string
	for _, r := range s.Relays {
		if r.Read {
			out = append(out, r.URL)
		}
	}
	return out
}

// WriteRelays returns the URLs of relays marked for writing (outbox).
func (s Settings) WriteRelays() []string {
	var out []string
	for _, r := range s.Relays {
		if r.Write {
			out = append(out, r.URL)
		}
	}
	return out
}

func (s Settings) Validate() error {
	var errs []error
	if !s.ConnectPolicy.Valid() {
		errs = append(errs, fmt.Errorf("connect_policy: invalid %q", s.ConnectPolicy))
	}
	if !s.AuthPolicy.Valid() {
		errs = append(errs, fmt.Errorf("auth_policy: invalid %q", s.AuthPolicy))
	}
	if s.MaxRelays < 0 {
		errs = append(errs, errors.New("max_relays: must be >= 0"))
	}
	if s.PendingTTL < 0 {
		errs = append(errs, errors.New("pending_ttl: must be >= 0"))
	}
	seen := map[string]bool{}
	for i, r := range s.Relays {
		u := strings.TrimSpace(r.URL)
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			errs = append(errs, fmt.Errorf("relays[%d].url: want ws:// or wss://, got %q", i, r.URL))
			continue
		}
		if seen[u] {
			errs = append(errs, fmt.Errorf("relays[%d].url: duplicate %q", i, u))
		}
		seen[u] = true
	}
	return errors.Join(errs...)
}

// Decode parses persisted settings. Missing fields keep their defaults.
func Decode(raw []byte) (Settings, error) {
	s := Default()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, s.Validate()
}

func Encode(s Settings) ([]byte, error) {
	return json.Marshal(s)
}
