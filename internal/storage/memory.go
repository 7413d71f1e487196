package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process BlobStore used by tests and examples.
// Listing returns keys in lexical order.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads []string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores data under key directly
func (m *MemoryStore) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Get returns the bytes stored under key
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Delete removes key
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Uploads returns every key passed to Upload, in call order, including repeats
func (m *MemoryStore) Uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uploads...)
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Download(ctx context.Context, key, localPath string) error {
	data, ok := m.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return os.WriteFile(localPath, data, 0644)
}

func (m *MemoryStore) Upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.uploads = append(m.uploads, key)
	return nil
}

// PresignURL returns a memory:// URL naming the key
func (m *MemoryStore) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u := url.URL{
		Scheme:   "memory",
		Path:     "/" + key,
		RawQuery: "ttl=" + ttl.String(),
	}
	return u.String(), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
