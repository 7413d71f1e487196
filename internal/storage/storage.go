package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key vanished between listing and fetch
	ErrNotFound = errors.New("object not found")

	// ErrTransient wraps retryable store failures (network, list, get, put)
	ErrTransient = errors.New("transient store error")
)

// BlobStore is the object store used by the pipeline and the catalog
type BlobStore interface {
	// List returns every key under prefix, in the order the store returns them
	List(ctx context.Context, prefix string) ([]string, error)

	// Download fetches the object at key into localPath
	Download(ctx context.Context, key, localPath string) error

	// Upload stores the local file at localPath under key
	Upload(ctx context.Context, localPath, key string) error

	// PresignURL returns a time-limited read-only URL for key
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Ping verifies that the store is reachable
	Ping(ctx context.Context) error
}

// IsDirMarker reports whether key is a "directory" placeholder object
func IsDirMarker(key string) bool {
	return strings.HasSuffix(key, "/")
}

// BaseName returns the final path segment of key
func BaseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// JoinKey joins a prefix and a file name into an object key
func JoinKey(prefix, name string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix + name
	}
	return prefix + "/" + name
}
