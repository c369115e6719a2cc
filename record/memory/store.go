// Package memory implements record.Store fully in memory.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record"
)

// Ensure Store implements record.Store at compile time.
var _ record.Store = (*Store)(nil)

// Store is an in-memory record.Store.
type Store struct {
	mu      sync.RWMutex
	records []*record.Record
	seq     int64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{}
}

// Put persists a copy of the payload under the given tags.
func (m *Store) Put(_ context.Context, tags []string, payload []byte) (id.RecordID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &record.Record{
		ID:        id.NewRecordID(),
		Tags:      append([]string(nil), tags...),
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	m.seq++
	m.records = append(m.records, rec)
	return rec.ID, nil
}

// FindByTags returns records carrying every given tag, newest first.
func (m *Store) FindByTags(_ context.Context, tags []string, limit int) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*record.Record
	for _, rec := range m.records {
		if !hasAllTags(rec.Tags, tags) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	// Insertion order is write order; newest first means reversed.
	// sort.SliceStable keeps ties (same timestamp) in reverse write order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	sort.SliceStable(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// Len returns the number of stored records.
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
