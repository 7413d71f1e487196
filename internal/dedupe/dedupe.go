// Package dedupe records which source objects have been fully processed.
package dedupe

import (
	"context"
	"sync"
)

// Ledger is the de-duplication record of processed source keys
type Ledger interface {
	// Has reports whether key was already processed successfully
	Has(ctx context.Context, key string) (bool, error)

	// MarkDone records key as processed
	MarkDone(ctx context.Context, key string) error
}

// MemoryLedger keeps processed keys for the lifetime of the process
type MemoryLedger struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

func (l *MemoryLedger) Has(ctx context.Context, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[key]
	return ok, nil
}

func (l *MemoryLedger) MarkDone(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[key] = struct{}{}
	return nil
}

// Len returns the number of recorded keys
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}
