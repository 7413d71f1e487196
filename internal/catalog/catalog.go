// Package catalog lists the output prefix and returns time-limited download
// URLs for every stored result.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tendant/detect-pipeline/internal/storage"
	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

// Catalog reads the outbox through a BlobStore
type Catalog struct {
	store  storage.BlobStore
	prefix string
	ttl    time.Duration
}

// New creates a catalog over prefix; ttl <= 0 falls back to one hour
func New(store storage.BlobStore, prefix string, ttl time.Duration) *Catalog {
	if prefix == "" {
		prefix = pipeline.DefaultOutboxPrefix
	}
	if ttl <= 0 {
		ttl = pipeline.DefaultPresignTTL
	}
	return &Catalog{store: store, prefix: prefix, ttl: ttl}
}

// Prefix returns the listed prefix
func (c *Catalog) Prefix() string {
	return c.prefix
}

// List returns one presigned URL per object under the prefix, in listing order.
// Folder marker objects are listed like any other key.
// An empty outbox yields an empty, non-nil slice.
func (c *Catalog) List(ctx context.Context) ([]string, error) {
	keys, err := c.store.List(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		u, err := c.store.PresignURL(ctx, key, c.ttl)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		urls = append(urls, u)
	}

	log.Debug().Str("prefix", c.prefix).Int("count", len(urls)).Msg("Listed predictions")
	return urls, nil
}
