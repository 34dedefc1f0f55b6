// Package filecache implements a content-addressed byte store of
// allowed-extension asset files, keyed by SHA-1 of their contents
// (spec.md §4.1).
package filecache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syncmesh/modsync/internal/validation"
)

var (
	// ErrDisallowedExtension aliases validation.ErrDisallowedAsset. Ensure
	// does not return it: for paths outside the asset allow-list it
	// returns (nil, nil), i.e. "no entry" (Option<None>).
	ErrDisallowedExtension = validation.ErrDisallowedAsset
	ErrNotFound            = errors.New("filecache: blob not found")
)

// Entry mirrors spec.md §3's FileEntry.
type Entry struct {
	Path              string
	Hash              string // hex SHA-1, upper-case
	Size              int64
	LastModified      time.Time
	CachedAt          time.Time
	CachedBlobLocation string
}

// Cache is a process-singleton, directory-backed content store.
type Cache struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*Entry // hash -> entry

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex // hash -> single-writer-per-key lock
}

// New opens (and creates if absent) a FileCache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: create dir: %w", err)
	}
	return &Cache{
		dir:      dir,
		entries:  make(map[string]*Entry),
		keyLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (c *Cache) blobPath(hash string) string {
	return filepath.Join(c.dir, strings.ToLower(hash)+".cache")
}

func (c *Cache) lockFor(hash string) *sync.Mutex {
	c.keyLocksMu.Lock()
	defer c.keyLocksMu.Unlock()
	m, ok := c.keyLocks[hash]
	if !ok {
		m = &sync.Mutex{}
		c.keyLocks[hash] = m
	}
	return m
}

// Ensure computes the SHA-1 of path's contents and, if its extension is
// on the allow-list, guarantees a cached blob exists for that hash.
// Returns (nil, nil) for disallowed extensions, matching Option<None>.
func (c *Cache) Ensure(path string) (*Entry, error) {
	if err := validation.ValidateAssetExtension(path); err != nil {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("filecache: stat %s: %w", path, err)
	}

	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	lock := c.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	blobPath := c.blobPath(hash)
	if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
		if err := copyFile(path, blobPath); err != nil {
			return nil, fmt.Errorf("filecache: copy blob: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("filecache: stat blob: %w", err)
	}

	entry := &Entry{
		Path:               path,
		Hash:               hash,
		Size:               info.Size(),
		LastModified:       info.ModTime(),
		CachedAt:           time.Now(),
		CachedBlobLocation: blobPath,
	}

	c.mu.Lock()
	c.entries[hash] = entry
	c.mu.Unlock()

	return entry, nil
}

// GetByHash reads back the cached blob bytes for hash.
func (c *Cache) GetByHash(hash string) ([]byte, error) {
	data, err := os.ReadFile(c.blobPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filecache: read blob: %w", err)
	}
	return data, nil
}

// Cleanup deletes entries (and their on-disk blobs) whose CachedAt is
// older than maxAge. Returns the number removed.
func (c *Cache) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for hash, entry := range c.entries {
		if entry.CachedAt.Before(cutoff) {
			_ = os.Remove(c.blobPath(hash))
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("filecache: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("filecache: hash %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
