package config

import (
	"errors"
	"fmt"
	"strings"

	"relaydeck/internal/settings"
)

// Validate checks everything that can be checked without opening files or
// the network.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	co := c.Coordinator
	if co.DialRate < 0 {
		add(errors.New("coordinator.dial_rate: must be >= 0"))
	}
	if co.DialBurst < 0 {
		add(errors.New("coordinator.dial_burst: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"coordinator.handshake_timeout": co.HandshakeTimeout,
		"coordinator.restart_min":       co.RestartMin,
		"coordinator.restart_max":       co.RestartMax,
		"coordinator.stop_timeout":      co.StopTimeout,
		"coordinator.store_timeout":     co.StoreTimeout,
		"deck.tick":                     c.Deck.Tick,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if con := c.Console; con != nil && con.Enabled {
		if strings.TrimSpace(con.Token) == "" {
			add(errors.New("console.token: required when the console is enabled"))
		}
		if con.OwnerID == 0 {
			add(errors.New("console.owner_id: required when the console is enabled"))
		}
		_, err := ParseDurationField("console.poll_timeout", con.PollTimeout)
		add(err)
	}

	if len(c.Relays) > 0 {
		seed := settings.Default()
		seed.Relays = c.Relays
		if err := seed.Validate(); err != nil {
			add(fmt.Errorf("relays: %w", err))
		}
	}
	return errors.Join(errs...)
}
