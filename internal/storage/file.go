package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "relaydeck/pkg/logx"
)

// fileStore keeps state in plain files next to Path.
//
// Files:
//   - <prefix>.settings.json              (replaced atomically on save)
//   - <prefix>.remembered.snapshot.json   (periodic snapshot)
//   - <prefix>.remembered.journal.jsonl   (append-only put/delete journal)
//   - <prefix>.audit.jsonl                (append-only JSON Lines)
//
// The remembered journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	settingsPath string
	snapshotPath string
	journal      *os.File
	audit        *os.File

	remembered map[string]Remembered
	writes     int
}

const compactEvery = 256

type journalRecord struct {
	Op string     `json:"op"` // put, del
	R  Remembered `json:"r"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		settingsPath: prefix + ".settings.json",
		snapshotPath: prefix + ".remembered.snapshot.json",
		remembered:   map[string]Remembered{},
	}
	journalPath := prefix + ".remembered.journal.jsonl"

	if err := loadRememberedSnapshot(s.snapshotPath, s.remembered); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("remembered snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.remembered); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var err error
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.audit, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		if s.writes > 0 {
			errs = append(errs, s.compactLocked())
		}
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) LoadSettings(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) SaveSettings(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.settingsPath, raw)
}

func (s *fileStore) PutRemembered(ctx context.Context, r Remembered) error {
	return s.journalWrite(journalRecord{Op: "put", R: r})
}

func (s *fileStore) DeleteRemembered(ctx context.Context, kind, key string) error {
	return s.journalWrite(journalRecord{Op: "del", R: Remembered{Kind: kind, Key: key}})
}

func (s *fileStore) journalWrite(rec journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	applyRecord(s.remembered, rec)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("remembered compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListRemembered(ctx context.Context) ([]Remembered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRemembered(s.remembered), nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(sortedRemembered(s.remembered))
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.snapshotPath, b); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	s.writes = 0
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func applyRecord(m map[string]Remembered, rec journalRecord) {
	k := rememberedKey(rec.R.Kind, rec.R.Key)
	switch rec.Op {
	case "put":
		m[k] = rec.R
	case "del":
		delete(m, k)
	}
}

func loadRememberedSnapshot(path string, out map[string]Remembered) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var list []Remembered
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, r := range list {
		out[rememberedKey(r.Kind, r.Key)] = r
	}
	return nil
}

func replayJournal(path string, out map[string]Remembered) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		applyRecord(out, rec)
	}
	return sc.Err()
}
