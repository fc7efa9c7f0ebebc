package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON files under Path's directory
//   - "sqlite": SQLite database file at Path
//   - "memory", "none" or empty: nothing persisted
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Remembered is a decision the user asked to apply automatically to future
// items with the same kind and identity key.
type Remembered struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Approved bool      `json:"approved"`
	At       time.Time `json:"at"`
}

// AuditEntry records one resolved pending item.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ItemID   string    `json:"item_id"`
	Kind     string    `json:"kind"`
	Key      string    `json:"key,omitempty"`
	Action   string    `json:"action"` // approve, decline, expire
	Remember bool      `json:"remember,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Store is the persistence API used by the registry, the decision sink and
// the coordinator.
type Store interface {
	// LoadSettings returns the raw settings document. ok is false when none
	// was saved yet.
	LoadSettings(ctx context.Context) (raw []byte, ok bool, err error)
	SaveSettings(ctx context.Context, raw []byte) error

	PutRemembered(ctx context.Context, r Remembered) error
	DeleteRemembered(ctx context.Context, kind, key string) error
	ListRemembered(ctx context.Context) ([]Remembered, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

func rememberedKey(kind, key string) string { return kind + "\x00" + key }
