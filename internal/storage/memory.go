package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/seya-ai/scraper-service/internal/scraper"
)

// MemoryStore keeps objects in a map. It backs local development runs and
// the orchestrator tests.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentHash string
}

// NewMemory returns an empty in-memory store.
func NewMemory(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string]memoryObject)}
}

// UploadFile reads the scratch file fully into memory.
func (m *MemoryStore) UploadFile(ctx context.Context, key, path, contentHash string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scratch file: %w", err)
	}
	return m.Upload(ctx, key, data, "text/html", "gzip", contentHash)
}

// Upload stores the payload under key.
func (m *MemoryStore) Upload(_ context.Context, key string, data []byte, _, _, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memoryObject{data: buf, contentHash: contentHash}
	return nil
}

// StoredHash returns the hash recorded at upload time, or empty when the key
// does not exist.
func (m *MemoryStore) StoredHash(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return "", nil
	}
	return obj.contentHash, nil
}

// Bucket returns the configured bucket name.
func (m *MemoryStore) Bucket() string {
	return m.bucket
}

// PublicURL renders a memory:// URL, good enough for logs and tests.
func (m *MemoryStore) PublicURL(key string) string {
	return fmt.Sprintf("memory://%s/%s", m.bucket, key)
}

// Object returns a stored payload for assertions in tests.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

var _ scraper.ObjectStore = (*MemoryStore)(nil)
