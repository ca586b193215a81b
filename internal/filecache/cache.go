// Package filecache is a size-bounded on-disk cache. Entries are plain files
// named after their sanitized key; the file modification time is the only
// recency signal used for eviction.
package filecache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyncload/internal/file"
)

const (
	maxNameLen = 120
	// eviction stops once the cache is down to this share of its capacity
	lowWaterNum, lowWaterDen = 3, 4
	// at most this share of the free disk space is used
	freeShareDen = 10
)

type Options struct {
	Dir      string
	Capacity int64
	// FreeSpace reports available bytes on the cache volume; defaults to
	// file.FreeSpace.
	FreeSpace func(dir string) (int64, error)
	Logger    *zerolog.Logger
}

// Cache stores byte blobs under dir. Reads, writes and eviction of the
// directory and the running size counter happen under mu.
type Cache struct {
	mu        sync.Mutex
	dir       string
	capacity  int64
	size      int64
	evictPend bool
	scanned   chan struct{}

	freeSpace func(string) (int64, error)
	bg        *serial
	logger    zerolog.Logger
}

// New creates the cache directory if needed and schedules the initial size
// scan in the background.
func New(opts Options) (*Cache, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("invalid capacity: %d", opts.Capacity)
	}
	if err := file.EnsureDir(opts.Dir); err != nil {
		return nil, err
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = file.FreeSpace
	}
	logger := log.With().Str("component", "filecache").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	bg, err := newSerial(func(r any) {
		logger.Error().Interface("panic", r).Msg("background job panicked")
	})
	if err != nil {
		return nil, fmt.Errorf("create background pool: %w", err)
	}
	c := &Cache{
		dir:       opts.Dir,
		capacity:  opts.Capacity,
		freeSpace: opts.FreeSpace,
		bg:        bg,
		scanned:   make(chan struct{}),
		logger:    logger.With().Str("dir", opts.Dir).Logger(),
	}
	if !bg.submit(c.scan) {
		close(c.scanned)
	}
	return c, nil
}

// Dir is the cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Capacity() int64 { return c.capacity }

// EffectiveCapacity is the configured capacity or a tenth of the free disk
// space, whichever is smaller.
func (c *Cache) EffectiveCapacity() int64 {
	free, err := c.freeSpace(c.dir)
	if err != nil {
		return c.capacity
	}
	return min(c.capacity, free/freeShareDen)
}

// Size is the running total of bytes stored. It blocks until the initial
// scan has finished.
func (c *Cache) Size() int64 {
	c.lock()
	defer c.mu.Unlock()
	return c.size
}

// Path returns the file an entry for key is stored in.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, Sanitize(key))
}

func (c *Cache) Has(key string) bool {
	info, err := os.Stat(c.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Get returns the bytes stored for key. An entry that cannot be read is
// deleted and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.lock()
	defer c.mu.Unlock()
	path := c.Path(key)
	data, err := os.ReadFile(path) //nolint:gosec // path is sanitized and inside the cache dir
	if err == nil {
		return data, true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn().Err(err).Str("key", key).Msg("unreadable cache entry, removing")
		c.removeLocked(path)
	}
	return nil, false
}

// Put stores data under key unless an entry already exists; existing entries
// are never overwritten. Crossing the effective capacity schedules an
// eviction.
func (c *Cache) Put(key string, data []byte) error {
	c.lock()
	path := c.Path(key)
	if _, err := os.Stat(path); err == nil {
		c.mu.Unlock()
		return nil
	}
	n, err := file.CreateAtomic(path, bytes.NewReader(data))
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, file.ErrExists) {
			return nil
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	c.size += n
	over := c.size > c.EffectiveCapacity()
	c.mu.Unlock()

	if over {
		c.scheduleEviction()
	}
	return nil
}

// PutAsync stores data on the background worker and returns immediately.
func (c *Cache) PutAsync(key string, data []byte) {
	ok := c.bg.submit(func() {
		if err := c.Put(key, data); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("async put failed")
		}
	})
	if !ok {
		c.logger.Debug().Str("key", key).Msg("cache closed, dropping write")
	}
}

// Remove deletes the entry for key, if any.
func (c *Cache) Remove(key string) {
	c.lock()
	defer c.mu.Unlock()
	c.removeLocked(c.Path(key))
}

func (c *Cache) removeLocked(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("remove cache entry")
		return
	}
	if info.Mode().IsRegular() {
		c.size = max(0, c.size-info.Size())
	}
}

// Flush waits for pending background writes and evictions.
func (c *Cache) Flush(ctx context.Context) error {
	return c.bg.flush(ctx)
}

// Close drains the background worker. Later PutAsync calls are dropped.
func (c *Cache) Close(ctx context.Context) error {
	if err := c.bg.close(ctx); err != nil {
		return fmt.Errorf("close file cache: %w", err)
	}
	return nil
}

// lock acquires mu once the initial scan has seeded the size counter.
func (c *Cache) lock() {
	<-c.scanned
	c.mu.Lock()
}

// scan seeds the size counter. Mutations wait for it so no write is counted
// twice.
func (c *Cache) scan() {
	defer close(c.scanned)
	c.mu.Lock()
	start := time.Now()
	size, err := file.DirSize(c.dir)
	if err != nil {
		c.logger.Warn().Err(err).Msg("initial size scan")
	}
	c.size = size
	over := c.size > c.EffectiveCapacity()
	c.mu.Unlock()

	c.logger.Debug().Int64("size", size).Dur("took", time.Since(start)).Msg("cache size scanned")
	if over {
		c.scheduleEviction()
	}
}

func (c *Cache) scheduleEviction() {
	c.mu.Lock()
	if c.evictPend {
		c.mu.Unlock()
		return
	}
	c.evictPend = true
	c.mu.Unlock()

	if !c.bg.submit(c.evict) {
		c.mu.Lock()
		c.evictPend = false
		c.mu.Unlock()
	}
}

type entry struct {
	path    string
	size    int64
	modTime time.Time
}

// evict deletes the least recently modified files until the cache is at or
// below three quarters of its effective capacity.
func (c *Cache) evict() {
	c.lock()
	defer c.mu.Unlock()
	c.evictPend = false

	limit := c.EffectiveCapacity()
	entries, total, err := c.list()
	if err != nil {
		c.logger.Error().Err(err).Msg("list cache entries")
		return
	}
	c.size = total
	if c.size <= limit {
		return
	}

	target := limit * lowWaterNum / lowWaterDen
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	removed := 0
	for _, e := range entries {
		if c.size <= target {
			break
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", e.path).Msg("evict cache entry")
			continue
		}
		c.size -= e.size
		removed++
	}
	c.logger.Info().Int("removed", removed).Int64("size", c.size).Int64("limit", limit).Msg("evicted cache entries")
}

func (c *Cache) list() ([]entry, int64, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	entries := make([]entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if !d.Type().IsRegular() || file.IsTemp(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		entries = append(entries, entry{
			path:    filepath.Join(c.dir, d.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return entries, total, nil
}

// Sanitize maps a cache key to a file name. Characters outside
// [A-Za-z0-9._-] become '_'; a name that had to be changed, or is too long,
// gets a hash of the original key appended so distinct keys stay distinct.
func Sanitize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == key && len(name) <= maxNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(key))
	suffix := hex.EncodeToString(sum[:8])
	if len(name) > maxNameLen-len(suffix)-1 {
		name = name[:maxNameLen-len(suffix)-1]
	}
	return name + "-" + suffix
}
