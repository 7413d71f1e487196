package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FilesystemStorage implements BlobStore on a local directory.
// Keys map to slash-separated paths below baseDir.
type FilesystemStorage struct {
	baseDir string
	now     func() time.Time
}

// NewFilesystemStorage creates a new filesystem store
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	return &FilesystemStorage{
		baseDir: abs,
		now:     time.Now,
	}, nil
}

// resolve maps key to a path inside baseDir
func (fs *FilesystemStorage) resolve(key string) (string, error) {
	path := filepath.Join(fs.baseDir, filepath.FromSlash(key))

	// Security: prevent directory traversal
	rel, err := filepath.Rel(fs.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q: path traversal detected", key)
	}
	return path, nil
}

// List walks the directory tree and returns the keys under prefix in lexical order.
// Directories that match the prefix are reported as "dir/" markers, like S3 folder objects.
func (fs *FilesystemStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(fs.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == fs.baseDir {
			return nil
		}

		rel, err := filepath.Rel(fs.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			key += "/"
			// Skip subtrees that can never match the prefix
			if !strings.HasPrefix(key, prefix) && !strings.HasPrefix(prefix, key) {
				return filepath.SkipDir
			}
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrTransient, prefix, err)
	}
	return keys, nil
}

// Download copies the file at key to localPath
func (fs *FilesystemStorage) Download(ctx context.Context, key, localPath string) error {
	path, err := fs.resolve(key)
	if err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("%w: open %s: %w", ErrTransient, key, err)
	}
	defer src.Close()

	return copyToFile(src, localPath)
}

// Upload copies localPath to the file at key
func (fs *FilesystemStorage) Upload(ctx context.Context, localPath, key string) error {
	path, err := fs.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %w", ErrTransient, key, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := copyToFile(src, path); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return nil
}

// PresignURL returns a file:// URL carrying the expiry as a query parameter.
// The filesystem store has no signing authority; the expiry is informational.
func (fs *FilesystemStorage) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: "expires=" + strconv.FormatInt(fs.now().Add(ttl).Unix(), 10),
	}
	return u.String(), nil
}

// Ping checks that the base directory is still there
func (fs *FilesystemStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.baseDir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", fs.baseDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.baseDir)
	}
	return nil
}

func copyToFile(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy to %s: %w", path, err)
	}
	return dst.Close()
}
