package cached

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotRow is the on-disk shape of one cache entry. Leases are never
// persisted: spec.md is explicit that locks are cache-advisory only and do
// not survive restart.
type snapshotRow struct {
	Key        string
	Bytes      []byte
	Size       int
	ExpireAt   time.Time
	LastAccess time.Time
}

// SaveSnapshot atomically serializes the live cache table to path via a
// temp-file-plus-rename, so a crash mid-write never leaves a torn file.
func (s *Store) SaveSnapshot(path string) error {
	s.mu.Lock()
	rows := make([]snapshotRow, 0, len(s.items))
	for k, e := range s.items {
		rows = append(rows, snapshotRow{k, e.Bytes, e.Size, e.ExpireAt, e.LastAccess})
	}
	s.mu.Unlock()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cache-snapshot-*")
	if err != nil {
		return fmt.Errorf("cached: snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("cached: snapshot encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cached: snapshot close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cached: snapshot rename: %w", err)
	}
	return nil
}

// LoadSnapshot restores cache rows from path, dropping any already expired,
// then unconditionally deletes the snapshot file (restored or not — a
// snapshot is single-use). If the restored total still exceeds budget it
// runs eviction once.
func (s *Store) LoadSnapshot(path string) error {
	defer os.Remove(path)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cached: snapshot open: %w", err)
	}
	defer f.Close()

	var rows []snapshotRow
	if err := gob.NewDecoder(f).Decode(&rows); err != nil {
		return fmt.Errorf("cached: snapshot decode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, r := range rows {
		if now.After(r.ExpireAt) {
			continue
		}
		s.items[r.Key] = &entry{Bytes: r.Bytes, Size: r.Size, ExpireAt: r.ExpireAt, LastAccess: r.LastAccess}
		s.total += r.Size
	}
	if s.total > s.cfg.MaxCacheBytes {
		s.evictLocked()
	}
	return nil
}
