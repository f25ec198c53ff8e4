package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/augment/pkg/assetid"
	"github.com/hashicorp-forge/augment/pkg/models"
)

// ErrMiss is returned by Lookup when no complete entry exists.
var ErrMiss = errors.New("cache miss")

// Entry is one cached package. Entries are never mutated after creation.
type Entry struct {
	ID        assetid.ID
	Hash      assetid.Hash
	Bytes     []byte
	FetchedAt time.Time
}

// Outcome describes how GetOrFetch produced its entry.
type Outcome string

const (
	OutcomeHit       Outcome = "hit"
	OutcomeFetched   Outcome = "fetched"
	OutcomeCoalesced Outcome = "coalesced"
)

// FetchFunc retrieves package bytes on a miss. Returning an error stores
// nothing.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Config configures a Cache.
type Config struct {
	// Root is the blob directory on the cache filesystem.
	Root string
	// FetchTimeout bounds a coalesced fetch. Zero means unbounded.
	FetchTimeout time.Duration
}

// Stats holds cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Coalesced uint64
	Stores    uint64
	Entries   int
}

type indexEntry struct {
	hash      assetid.Hash
	blobPath  string
	size      int64
	fetchedAt time.Time
}

// Cache is a content-addressed package cache.
type Cache struct {
	fs     afero.Fs
	db     *gorm.DB
	cfg    Config
	logger hclog.Logger

	mu    sync.RWMutex
	index map[assetid.ID]indexEntry

	flight singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	coalesced atomic.Uint64
	stores    atomic.Uint64

	now func() time.Time
}

// New creates a cache on fs. db may be nil, in which case the index only
// lives in memory.
func New(fs afero.Fs, db *gorm.DB, cfg Config, logger hclog.Logger) (*Cache, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if err := fs.MkdirAll(blobDir(cfg.Root), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &Cache{
		fs:     fs,
		db:     db,
		cfg:    cfg,
		logger: logger.Named("asset-cache"),
		index:  make(map[assetid.ID]indexEntry),
		now:    time.Now,
	}

	if db != nil {
		if err := c.load(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func blobDir(root string) string {
	return path.Join(root, "blobs")
}

// load rebuilds the in-memory index from the database. Rows whose blob is
// missing or has the wrong size are skipped and behave as misses.
func (c *Cache) load() error {
	rows, err := models.GetAllCacheEntries(c.db)
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	loaded := 0
	for _, row := range rows {
		id := assetid.ID(row.Identifier)
		if !row.ContentHash.Matches(id) {
			c.logger.Warn("skipping cache entry with stale hash", "id", id)
			continue
		}
		info, err := c.fs.Stat(path.Join(c.cfg.Root, row.BlobPath))
		if err != nil || info.Size() != row.Size {
			c.logger.Warn("skipping cache entry with missing or truncated blob",
				"id", id,
				"blob", row.BlobPath,
			)
			continue
		}
		c.index[id] = indexEntry{
			hash:      row.ContentHash,
			blobPath:  row.BlobPath,
			size:      row.Size,
			fetchedAt: row.FetchedAt,
		}
		loaded++
	}

	c.logger.Info("loaded cache index", "entries", loaded, "rows", len(rows))
	return nil
}

// Lookup returns the entry for id, or ErrMiss.
func (c *Cache) Lookup(id assetid.ID) (*Entry, error) {
	entry, err := c.lookup(id)
	if errors.Is(err, ErrMiss) {
		c.misses.Add(1)
		lookupsTotal.WithLabelValues("miss").Inc()
	} else if err == nil {
		c.hits.Add(1)
		lookupsTotal.WithLabelValues("hit").Inc()
	}
	return entry, err
}

func (c *Cache) lookup(id assetid.ID) (*Entry, error) {
	hash := assetid.HashOf(id)

	c.mu.RLock()
	ie, ok := c.index[id]
	c.mu.RUnlock()
	if !ok || !ie.hash.Equal(hash) {
		return nil, ErrMiss
	}

	data, err := afero.ReadFile(c.fs, path.Join(c.cfg.Root, ie.blobPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cached blob disappeared", "id", id, "blob", ie.blobPath)
			c.forget(id, ie)
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read cached blob: %w", err)
	}
	if int64(len(data)) != ie.size {
		c.logger.Warn("cached blob truncated", "id", id, "want", ie.size, "got", len(data))
		c.forget(id, ie)
		return nil, ErrMiss
	}

	return &Entry{
		ID:        id,
		Hash:      ie.hash,
		Bytes:     data,
		FetchedAt: ie.fetchedAt,
	}, nil
}

// forget drops id from the in-memory index if it still points at ie.
func (c *Cache) forget(id assetid.ID, ie indexEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.index[id]; ok && cur.blobPath == ie.blobPath && cur.fetchedAt.Equal(ie.fetchedAt) {
		delete(c.index, id)
	}
}

// Store writes data as the entry for id, replacing any previous entry.
func (c *Cache) Store(id assetid.ID, data []byte) (*Entry, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("identifier cannot be empty")
	}
	hash := assetid.HashOf(id)
	blobPath := path.Join("blobs", hash.String())

	if err := c.writeBlob(blobPath, data); err != nil {
		return nil, err
	}

	fetchedAt := c.now().UTC()
	if c.db != nil {
		row := &models.CacheEntry{
			Identifier:  id.String(),
			ContentHash: hash,
			BlobPath:    blobPath,
			Size:        int64(len(data)),
			FetchedAt:   fetchedAt,
		}
		if err := row.Upsert(c.db); err != nil {
			return nil, fmt.Errorf("failed to write cache index: %w", err)
		}
	}

	c.mu.Lock()
	c.index[id] = indexEntry{
		hash:      hash,
		blobPath:  blobPath,
		size:      int64(len(data)),
		fetchedAt: fetchedAt,
	}
	c.mu.Unlock()

	c.stores.Add(1)
	storesTotal.Inc()
	storedBytes.Add(float64(len(data)))

	c.logger.Debug("stored package", "id", id, "hash", hash.String(), "bytes", len(data))

	return &Entry{ID: id, Hash: hash, Bytes: data, FetchedAt: fetchedAt}, nil
}

// writeBlob writes data to a temporary file and renames it into place.
func (c *Cache) writeBlob(blobPath string, data []byte) error {
	dir := blobDir(c.cfg.Root)
	tmp, err := afero.TempFile(c.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary blob: %w", err)
	}
	tmpName := tmp.Name()

	n, err := tmp.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		_ = tmp.Close()
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to write temporary blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to sync temporary blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to close temporary blob: %w", err)
	}

	if err := c.fs.Rename(tmpName, path.Join(c.cfg.Root, blobPath)); err != nil {
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to move blob into place: %w", err)
	}
	return nil
}

// GetOrFetch returns the entry for id, calling fetch on a miss. Concurrent
// misses for the same identifier share a single fetch; the fetch keeps
// running if the first caller goes away and is bounded by the fetch timeout.
func (c *Cache) GetOrFetch(ctx context.Context, id assetid.ID, fetch FetchFunc) (*Entry, Outcome, error) {
	entry, err := c.Lookup(id)
	if err == nil {
		return entry, OutcomeHit, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, "", err
	}

	// outcome is only written by the closure when this caller leads the
	// flight; the channel receive orders it before the read below.
	outcome := OutcomeCoalesced
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(assetid.HashOf(id).String(), func() (interface{}, error) {
		// A previous flight may have stored the entry after our lookup.
		if e, err := c.lookup(id); err == nil {
			outcome = OutcomeHit
			return e, nil
		}
		outcome = OutcomeFetched

		fctx := fetchCtx
		if c.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fetchCtx, c.cfg.FetchTimeout)
			defer cancel()
		}

		data, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		return c.Store(id, data)
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		if outcome == OutcomeCoalesced {
			c.coalesced.Add(1)
			coalescedTotal.Inc()
		}
		return res.Val.(*Entry), outcome, nil
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.index)
	c.mu.RUnlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Stores:    c.stores.Load(),
		Entries:   entries,
	}
}
