// Package storage persists alert records as a single JSON file keyed by
// tracking key. The store is the only owner of the file; all readers get
// snapshot copies and multi-step mutations go through Update so no partial
// write is ever visible.
package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

const currentVersion = "1.1"

// fileState matches the JSON layout on disk.
type fileState struct {
	Version  string                        `json:"version"`
	LastSync string                        `json:"last_sync"`
	Records  map[string]models.AlertRecord `json:"records"`
}

// Store is the persisted tracking-key -> AlertRecord mapping.
type Store struct {
	path  string
	mu    sync.RWMutex
	state fileState
}

// Open loads the store at path, creating a fresh file when none exists and
// migrating older schema versions in place.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("[store] no state file at %s, starting empty", path)
		s.state = fileState{Version: currentVersion, Records: map[string]models.AlertRecord{}}
		s.save()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	if err := json.Unmarshal(b, &s.state); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if s.state.Records == nil {
		s.state.Records = map[string]models.AlertRecord{}
	}

	if migrate(&s.state) {
		log.Printf("[store] migrated state schema to %s", s.state.Version)
		s.save()
	}
	return s, nil
}

// migrate upgrades older on-disk layouts. Returns true when the state changed
// and needs saving.
func migrate(st *fileState) bool {
	updated := false

	// 1.0 -> 1.1: records gained original_quantity; backfill it from the
	// live quantity so full-close detection keeps working.
	if st.Version < "1.1" {
		for key, rec := range st.Records {
			if rec.Position != nil && rec.Position.OriginalQuantity.IsZero() {
				rec.Position.OriginalQuantity = rec.Position.Quantity.Abs()
				st.Records[key] = rec
			}
		}
		st.Version = "1.1"
		updated = true
	}

	return updated
}

// Get returns a copy of one record.
func (s *Store) Get(trackingKey string) (models.AlertRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Records[trackingKey]
	if ok {
		rec = cloneRecord(rec)
	}
	return rec, ok
}

// Snapshot returns copies of all records.
func (s *Store) Snapshot() []models.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AlertRecord, 0, len(s.state.Records))
	for _, rec := range s.state.Records {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Put inserts or replaces a record and persists.
func (s *Store) Put(rec models.AlertRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Records[rec.TrackingKey] = cloneRecord(rec)
	s.save()
}

// Update applies fn to the stored record under the store lock; the read and
// the write are one atomic step. fn returning an error aborts without
// mutating. A missing key is an error.
func (s *Store) Update(trackingKey string, fn func(*models.AlertRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Records[trackingKey]
	if !ok {
		return fmt.Errorf("store: no record for %s", trackingKey)
	}
	work := cloneRecord(rec)
	if err := fn(&work); err != nil {
		return err
	}
	s.state.Records[trackingKey] = work
	s.save()
	return nil
}

// Delete removes a record and persists.
func (s *Store) Delete(trackingKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Records, trackingKey)
	s.save()
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Records)
}

// save writes the state atomically: temp file in the same directory, fsync,
// then rename over the destination. Callers must hold s.mu.
func (s *Store) save() {
	s.state.LastSync = time.Now().UTC().Format(time.RFC3339)

	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		log.Printf("[store] ERROR: marshal state: %v", err)
		return
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		log.Printf("[store] ERROR: create temp file: %v", err)
		return
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		log.Printf("[store] ERROR: write temp file: %v", err)
		return
	}
	if err := f.Sync(); err != nil {
		f.Close()
		log.Printf("[store] ERROR: sync temp file: %v", err)
		return
	}
	f.Close()

	if err := os.Rename(tmp, s.path); err != nil {
		log.Printf("[store] ERROR: replace state file: %v", err)
	}
}

// cloneRecord deep-copies the pointer and slice fields so snapshots never
// alias store-owned memory.
func cloneRecord(rec models.AlertRecord) models.AlertRecord {
	if rec.Position != nil {
		pos := *rec.Position
		rec.Position = &pos
	}
	if rec.LastOrderUpdate != nil {
		upd := *rec.LastOrderUpdate
		rec.LastOrderUpdate = &upd
	}
	if rec.Targets != nil {
		targets := make([]models.PriceTarget, len(rec.Targets))
		copy(targets, rec.Targets)
		rec.Targets = targets
	}
	return rec
}
