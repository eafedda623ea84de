package database

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/seya-ai/scraper-service/internal/model"
	"github.com/seya-ai/scraper-service/internal/scraper"
)

// MemoryStore keeps metadata rows in a map keyed by URL. Repeated upserts
// for the same URL keep the original row id, matching the database's
// ON CONFLICT behaviour.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]memoryRow
}

type memoryRow struct {
	id  string
	rec model.MetadataRecord
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]memoryRow)}
}

// Upsert stores or replaces the record and returns its stable id.
func (m *MemoryStore) Upsert(_ context.Context, rec model.MetadataRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rec.URL]
	if !ok {
		row = memoryRow{id: uuid.NewString()}
	}
	row.rec = rec
	m.rows[rec.URL] = row
	return row.id, nil
}

// Get returns the stored record for a URL.
func (m *MemoryStore) Get(url string) (model.MetadataRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[url]
	return row.rec, ok
}

// Len reports the number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

var _ scraper.MetadataStore = (*MemoryStore)(nil)
