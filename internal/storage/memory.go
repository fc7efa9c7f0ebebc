package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps everything in process. Tests use it directly.
type Memory struct {
	mu         sync.Mutex
	settings   []byte
	remembered map[string]Remembered
	audit      []AuditEntry
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{remembered: map[string]Remembered{}}
}

func (m *Memory) LoadSettings(ctx context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return nil, false, nil
	}
	return append([]byte(nil), m.settings...), true, nil
}

func (m *Memory) SaveSettings(ctx context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.settings = append([]byte(nil), raw...)
	return nil
}

func (m *Memory) PutRemembered(ctx context.Context, r Remembered) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.remembered[rememberedKey(r.Kind, r.Key)] = r
	return nil
}

func (m *Memory) DeleteRemembered(ctx context.Context, kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.remembered, rememberedKey(kind, key))
	return nil
}

func (m *Memory) ListRemembered(ctx context.Context) ([]Remembered, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedRemembered(m.remembered), nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of everything appended so far.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortedRemembered(m map[string]Remembered) []Remembered {
	out := make([]Remembered, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}
