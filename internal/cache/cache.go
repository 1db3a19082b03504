package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/storage"
	"github.com/italolelis/offline_downloader/internal/storage/sqlite"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

const (
	dirPerm       = 0755
	contentSuffix = ".bin"
)

var (
	ErrFolderLocked = errors.New("cache folder is locked by another cache instance")
	ErrNotCached    = errors.New("content not cached")
	ErrCorrupt      = errors.New("cached content is corrupt")
	ErrReleased     = errors.New("cache has been released")
)

// Span is a fully written piece of cached content.
type Span struct {
	Key       string
	File      string
	Length    int64
	LastTouch time.Time
}

// lockedFolders holds every directory currently owned by a SimpleCache in
// this process. Two caches over one folder would corrupt each other's index.
var lockedFolders = struct {
	sync.Mutex
	dirs map[string]struct{}
}{dirs: make(map[string]struct{})}

func lockFolder(dir string) bool {
	lockedFolders.Lock()
	defer lockedFolders.Unlock()

	if _, ok := lockedFolders.dirs[dir]; ok {
		return false
	}

	lockedFolders.dirs[dir] = struct{}{}

	return true
}

func unlockFolder(dir string) {
	lockedFolders.Lock()
	defer lockedFolders.Unlock()

	delete(lockedFolders.dirs, dir)
}

// SimpleCache stores whole content entries as files in one directory and
// keeps their metadata in a SQLite index next to them.
type SimpleCache struct {
	dir     string
	evictor Evictor
	index   storage.ContentIndex
	now     func() time.Time

	mu         sync.Mutex
	totalSpace int64
	released   bool
}

type options struct {
	index     storage.ContentIndex
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

type Option func(*options)

// WithIndex replaces the default SQLite index stored in the cache folder.
func WithIndex(index storage.ContentIndex) Option {
	return func(o *options) { o.index = index }
}

// WithTelemetry instruments index operations.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithClock overrides the clock used for span touches.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a cache rooted at dir, creating the directory if needed. Only one
// cache may own a directory at a time; a second call for the same directory
// fails with ErrFolderLocked until the first cache is released.
func New(ctx context.Context, dir string, evictor Evictor, opts ...Option) (*SimpleCache, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if evictor == nil {
		evictor = NoOpEvictor{}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}

	if !lockFolder(abs) {
		return nil, fmt.Errorf("%w: %s", ErrFolderLocked, abs)
	}

	c, err := open(ctx, abs, evictor, o)
	if err != nil {
		unlockFolder(abs)

		return nil, err
	}

	return c, nil
}

func open(ctx context.Context, dir string, evictor Evictor, o options) (*SimpleCache, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	index := o.index
	if index == nil {
		db, err := sqlite.InitDB(filepath.Join(dir, sqlite.IndexFile))
		if err != nil {
			return nil, err
		}

		index = sqlite.NewContentIndex(db)
	}

	if o.telemetry != nil {
		index = sqlite.NewInstrumentedContentIndex(index, o.telemetry)
	}

	c := &SimpleCache{
		dir:     dir,
		evictor: evictor,
		index:   index,
		now:     o.now,
	}

	if err := c.initialize(ctx); err != nil {
		index.Close()

		return nil, err
	}

	logger.Info("content cache ready", "dir", dir, "size", humanize.Bytes(uint64(c.totalSpace)))

	return c, nil
}

// initialize drops index records whose files are gone and sums the rest.
func (c *SimpleCache) initialize(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	records, err := c.index.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	for _, rec := range records {
		info, err := os.Stat(filepath.Join(c.dir, rec.FileName))
		if err != nil || info.Size() != rec.Length {
			logger.Warn("dropping orphaned cache entry", "key", rec.Key, "file", rec.FileName)

			if err := c.index.Remove(ctx, rec.Key); err != nil {
				return fmt.Errorf("failed to drop orphaned cache entry: %w", err)
			}

			continue
		}

		c.totalSpace += rec.Length
	}

	return nil
}

// Dir returns the absolute cache directory.
func (c *SimpleCache) Dir() string {
	return c.dir
}

// CacheSpace returns the number of bytes currently held.
func (c *SimpleCache) CacheSpace() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.totalSpace
}

// Lookup returns the span stored under key. ErrNotCached means a plain miss;
// ErrCorrupt means the index and the file disagree.
func (c *SimpleCache) Lookup(ctx context.Context, key string) (Span, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return Span{}, ErrReleased
	}

	rec, err := c.index.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Span{}, ErrNotCached
	}

	if err != nil {
		return Span{}, fmt.Errorf("failed to read cache index: %w", err)
	}

	span := Span{Key: rec.Key, File: filepath.Join(c.dir, rec.FileName), Length: rec.Length, LastTouch: rec.LastAccess}

	info, err := os.Stat(span.File)
	if err != nil {
		return Span{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	if info.Size() != span.Length {
		return Span{}, fmt.Errorf("%w: %s: expected %d bytes, found %d", ErrCorrupt, key, span.Length, info.Size())
	}

	if c.evictor.RequiresCacheSpanTouches() {
		span.LastTouch = c.now()
		if err := c.index.Touch(ctx, key, span.LastTouch); err != nil {
			return Span{}, fmt.Errorf("failed to touch cache span: %w", err)
		}
	}

	return span, nil
}

// Write stores everything read from r under key, replacing any previous
// content. The evictor is consulted before the new span is committed.
func (c *SimpleCache) Write(ctx context.Context, key string, r io.Reader) (Span, error) {
	tmp, err := os.CreateTemp(c.dir, "*.tmp")
	if err != nil {
		return Span{}, fmt.Errorf("failed to create cache file: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return Span{}, fmt.Errorf("failed to write cache file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return Span{}, ErrReleased
	}

	if err := c.makeRoom(ctx, key, n); err != nil {
		return Span{}, err
	}

	fileName := contentFileName(key)
	target := filepath.Join(c.dir, fileName)

	if err := os.Rename(tmp.Name(), target); err != nil {
		return Span{}, fmt.Errorf("failed to commit cache file: %w", err)
	}

	committed = true

	span := Span{Key: key, File: target, Length: n, LastTouch: c.now()}
	if err := c.index.Put(ctx, storage.ContentRecord{Key: key, FileName: fileName, Length: n, LastAccess: span.LastTouch}); err != nil {
		os.Remove(target)

		return Span{}, fmt.Errorf("failed to index cache file: %w", err)
	}

	c.totalSpace += n

	return span, nil
}

// makeRoom removes the previous span for key and whatever the evictor picks.
// Callers hold c.mu.
func (c *SimpleCache) makeRoom(ctx context.Context, key string, required int64) error {
	records, err := c.index.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	candidates := make([]Span, 0, len(records))

	for _, rec := range records {
		if rec.Key == key {
			if err := c.removeLocked(ctx, rec.Key, rec.FileName, rec.Length); err != nil {
				return err
			}

			continue
		}

		candidates = append(candidates, Span{
			Key:       rec.Key,
			File:      filepath.Join(c.dir, rec.FileName),
			Length:    rec.Length,
			LastTouch: rec.LastAccess,
		})
	}

	for _, victim := range c.evictor.Evict(candidates, c.totalSpace, required) {
		logctx.LoggerFromContext(ctx).Debug("evicting cache span", "key", victim.Key, "size", humanize.Bytes(uint64(victim.Length)))

		if err := c.removeLocked(ctx, victim.Key, filepath.Base(victim.File), victim.Length); err != nil {
			return err
		}
	}

	return nil
}

// Remove deletes the content stored under key. Removing a missing key is not an error.
func (c *SimpleCache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrReleased
	}

	rec, err := c.index.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	return c.removeLocked(ctx, rec.Key, rec.FileName, rec.Length)
}

func (c *SimpleCache) removeLocked(ctx context.Context, key, fileName string, length int64) error {
	if err := c.index.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to remove cache record: %w", err)
	}

	if err := os.Remove(filepath.Join(c.dir, fileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}

	c.totalSpace -= length

	return nil
}

// Keys returns every cached key, least recently touched first.
func (c *SimpleCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, ErrReleased
	}

	records, err := c.index.All(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}

	return keys, nil
}

// Release closes the index and frees the folder for another cache instance.
func (c *SimpleCache) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil
	}

	c.released = true

	unlockFolder(c.dir)

	return c.index.Close()
}

func contentFileName(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:]) + contentSuffix
}
