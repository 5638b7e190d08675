package tth

import (
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/prxssh/dchub/internal/identity"
)

// CacheEntry is one hashed file's persisted record, keyed by real path.
type CacheEntry struct {
	Size    int64
	ModTime time.Time
	TTH     identity.TTHValue
	Leaves  [][24]byte
}

// Cache is an on-disk gob snapshot of hashed files, keyed by real path. It
// is never hand-edited or exchanged over the wire, so a dense binary
// encoding is used instead of the XML formats the rest of the core uses for
// interchange data (see DESIGN.md, Open Question: hash cache format).
type Cache struct {
	mut     sync.RWMutex
	path    string
	entries map[string]CacheEntry
	dirty   bool
}

// LoadCache reads path if it exists, or returns an empty cache bound to it.
func LoadCache(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string]CacheEntry)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&c.entries); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the cached entry for path if it matches size and modTime.
func (c *Cache) Lookup(path string, size int64, modTime time.Time) (CacheEntry, bool) {
	c.mut.RLock()
	defer c.mut.RUnlock()

	e, ok := c.entries[path]
	if !ok || e.Size != size || !e.ModTime.Equal(modTime) {
		return CacheEntry{}, false
	}
	return e, true
}

// Store records a freshly-computed hash for path.
func (c *Cache) Store(path string, e CacheEntry) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.entries[path] = e
	c.dirty = true
}

// Forget drops the cache entry for path, e.g. when the file was removed
// from the share.
func (c *Cache) Forget(path string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if _, ok := c.entries[path]; ok {
		delete(c.entries, path)
		c.dirty = true
	}
}

// Flush writes the cache to disk if it has unsaved changes.
func (c *Cache) Flush() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if !c.dirty {
		return nil
	}

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(c.entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return err
	}

	c.dirty = false
	return nil
}
