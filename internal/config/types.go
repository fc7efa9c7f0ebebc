// Package config loads the operator config file (JSON or YAML) and watches it
// for changes.
package config

import "relaydeck/internal/settings"

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Signer      SignerConfig      `json:"signer"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Deck        DeckConfig        `json:"deck"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Console     *ConsoleConfig    `json:"console,omitempty"`

	// Relays seeds the relay list on first run only. Afterwards the saved
	// settings win.
	Relays []settings.Relay `json:"relays,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaydeck.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SignerConfig locates the encrypted identity. The passphrase is never read
// from the file, only from the named environment variable.
type SignerConfig struct {
	KeyFile       string `json:"key_file"`
	PassphraseEnv string `json:"passphrase_env,omitempty"` // default RELAYDECK_PASSPHRASE
}

// CoordinatorConfig tunes relay connections. Durations are Go duration
// strings; zero values take the coordinator defaults.
type CoordinatorConfig struct {
	DialRate         float64 `json:"dial_rate,omitempty"`
	DialBurst        int     `json:"dial_burst,omitempty"`
	HandshakeTimeout string  `json:"handshake_timeout,omitempty"`
	RestartMin       string  `json:"restart_min,omitempty"`
	RestartMax       string  `json:"restart_max,omitempty"`
	StopTimeout      string  `json:"stop_timeout,omitempty"`
	StoreTimeout     string  `json:"store_timeout,omitempty"`
}

type DeckConfig struct {
	Tick        string `json:"tick,omitempty"`
	StatusLines int    `json:"status_lines,omitempty"`
}

type MaintenanceConfig struct {
	Enabled  bool              `json:"enabled"`
	Timezone string            `json:"timezone,omitempty"`
	Jobs     map[string]string `json:"jobs,omitempty"`
}

type ConsoleConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	OwnerID     int64   `json:"owner_id"`
	ChatID      int64   `json:"chat_id,omitempty"`
	ThreadID    int     `json:"thread_id,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
	SendRate    float64 `json:"send_rate,omitempty"`
	SendBurst   int     `json:"send_burst,omitempty"`
	PageSize    int     `json:"page_size,omitempty"`
}

// ConsoleEnabled reports whether the console section is present and on.
func (c *Config) ConsoleEnabled() bool {
	return c.Console != nil && c.Console.Enabled
}
