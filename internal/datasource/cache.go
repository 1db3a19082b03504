package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/italolelis/offline_downloader/internal/cache"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

const (
	// FlagIgnoreCacheOnError makes every cache failure fall through to the
	// upstream source, including failures in the middle of a read.
	FlagIgnoreCacheOnError = 1 << iota
	// FlagIgnoreCacheForUnsetLengthRequests sends open ended requests straight upstream.
	FlagIgnoreCacheForUnsetLengthRequests
)

// CacheIgnoredReason tells a CacheEventListener why the cache was bypassed.
type CacheIgnoredReason int

const (
	CacheIgnoredReasonError CacheIgnoredReason = iota
	CacheIgnoredReasonUnsetLength
)

func (r CacheIgnoredReason) String() string {
	switch r {
	case CacheIgnoredReasonError:
		return "error"
	case CacheIgnoredReasonUnsetLength:
		return "unset_length"
	default:
		return "unknown"
	}
}

// ContentCache is the part of the content cache a CacheDataSource needs.
type ContentCache interface {
	Lookup(ctx context.Context, key string) (cache.Span, error)
	Write(ctx context.Context, key string, r io.Reader) (cache.Span, error)
	CacheSpace() int64
}

// CacheEventListener observes cache hits and bypasses.
type CacheEventListener interface {
	OnCachedBytesRead(cacheSize, cachedBytesRead int64)
	OnCacheIgnored(reason CacheIgnoredReason)
}

// SinkFactory creates write-through sinks that copy upstream content into the cache.
type SinkFactory interface {
	CreateSink(ctx context.Context, key string) (Sink, error)
}

// Sink receives the bytes of one upstream read. Commit is called only when
// the whole resource was read; Abort otherwise.
type Sink interface {
	io.Writer
	Commit() error
	Abort()
}

// CacheFactory layers a ContentCache over an upstream factory. A nil sink
// factory makes it read-only: misses are served upstream and never written back.
type CacheFactory struct {
	cache     ContentCache
	upstream  Factory
	cacheRead Factory
	sink      SinkFactory
	flags     int
	events    CacheEventListener
}

// NewCacheFactory wires a cache data source factory. cacheRead opens the files
// backing cached spans; it defaults to a FileFactory without a listener.
func NewCacheFactory(c ContentCache, upstream, cacheRead Factory, sink SinkFactory, flags int, events CacheEventListener) *CacheFactory {
	if cacheRead == nil {
		cacheRead = NewFileFactory(nil)
	}

	return &CacheFactory{
		cache:     c,
		upstream:  upstream,
		cacheRead: cacheRead,
		sink:      sink,
		flags:     flags,
		events:    events,
	}
}

// ReadOnly reports whether misses are never written back.
func (f *CacheFactory) ReadOnly() bool { return f.sink == nil }

// Flags returns the flags the factory was built with.
func (f *CacheFactory) Flags() int { return f.flags }

func (f *CacheFactory) CreateDataSource() DataSource {
	return &CacheDataSource{factory: f}
}

// CacheDataSource serves a DataSpec from the cache when possible.
type CacheDataSource struct {
	factory *CacheFactory
}

func (s *CacheDataSource) Open(ctx context.Context, spec DataSpec) (io.ReadCloser, error) {
	f := s.factory
	key := spec.CacheKey()

	if f.flags&FlagIgnoreCacheForUnsetLengthRequests != 0 && spec.Length == LengthUnset {
		s.notifyIgnored(CacheIgnoredReasonUnsetLength)

		return f.upstream.CreateDataSource().Open(ctx, spec)
	}

	span, err := f.cache.Lookup(ctx, key)
	if errors.Is(err, cache.ErrNotCached) {
		return s.openUpstream(ctx, spec, true)
	}

	if err != nil {
		return s.handleCacheError(ctx, spec, err)
	}

	if spec.Position >= span.Length {
		return io.NopCloser(eofReader{}), nil
	}

	cachedSpec := DataSpec{URI: span.File, Position: spec.Position, Length: span.Length - spec.Position}
	if spec.Length != LengthUnset && spec.Length < cachedSpec.Length {
		cachedSpec.Length = spec.Length
	}

	rc, err := f.cacheRead.CreateDataSource().Open(ctx, cachedSpec)
	if err != nil {
		return s.handleCacheError(ctx, spec, err)
	}

	return &cacheStream{
		source:    s,
		ctx:       ctx,
		spec:      spec,
		expected:  cachedSpec.Length,
		current:   rc,
		fromCache: true,
	}, nil
}

// handleCacheError falls back upstream when FlagIgnoreCacheOnError is set.
func (s *CacheDataSource) handleCacheError(ctx context.Context, spec DataSpec, err error) (io.ReadCloser, error) {
	if s.factory.flags&FlagIgnoreCacheOnError == 0 {
		return nil, &CacheReadError{Key: spec.CacheKey(), Err: err}
	}

	logctx.LoggerFromContext(ctx).Warn("ignoring cache after read error", "key", spec.CacheKey(), "err", err)
	s.notifyIgnored(CacheIgnoredReasonError)

	return s.openUpstream(ctx, spec, false)
}

func (s *CacheDataSource) openUpstream(ctx context.Context, spec DataSpec, writeBack bool) (io.ReadCloser, error) {
	f := s.factory

	rc, err := f.upstream.CreateDataSource().Open(ctx, spec)
	if err != nil {
		return nil, err
	}

	// Only whole resources are written back; a partial span would be indexed
	// as complete content.
	if !writeBack || f.sink == nil || spec.Position != 0 || spec.Length != LengthUnset {
		return rc, nil
	}

	sink, err := f.sink.CreateSink(ctx, spec.CacheKey())
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("cache sink unavailable", "key", spec.CacheKey(), "err", err)

		return rc, nil
	}

	return &teeStream{ReadCloser: rc, ctx: ctx, key: spec.CacheKey(), sink: sink}, nil
}

func (s *CacheDataSource) notifyIgnored(reason CacheIgnoredReason) {
	if s.factory.events != nil {
		s.factory.events.OnCacheIgnored(reason)
	}
}

// cacheStream reads cached bytes and, with FlagIgnoreCacheOnError, switches to
// upstream at the current offset if the cached file fails or ends early.
type cacheStream struct {
	source    *CacheDataSource
	ctx       context.Context
	spec      DataSpec
	expected  int64
	current   io.ReadCloser
	fromCache bool
	read      int64
	cached    int64
}

func (c *cacheStream) Read(p []byte) (int, error) {
	n, err := c.current.Read(p)
	c.read += int64(n)

	if c.fromCache {
		c.cached += int64(n)

		if errors.Is(err, io.EOF) && c.read < c.expected {
			err = fmt.Errorf("cached span ended after %d of %d bytes: %w", c.read, c.expected, io.ErrUnexpectedEOF)
		}

		if err != nil && !errors.Is(err, io.EOF) {
			if switchErr := c.switchUpstream(err); switchErr != nil {
				return n, switchErr
			}

			if n == 0 {
				return c.Read(p)
			}

			return n, nil
		}
	}

	return n, err
}

func (c *cacheStream) switchUpstream(cause error) error {
	f := c.source.factory
	if f.flags&FlagIgnoreCacheOnError == 0 {
		return &CacheReadError{Key: c.spec.CacheKey(), Err: cause}
	}

	logctx.LoggerFromContext(c.ctx).Warn("cache read failed, continuing upstream",
		"key", c.spec.CacheKey(), "offset", c.read, "err", cause)
	c.source.notifyIgnored(CacheIgnoredReasonError)

	c.current.Close()

	rc, err := f.upstream.CreateDataSource().Open(c.ctx, c.spec.Subrange(c.read))
	if err != nil {
		c.current = io.NopCloser(eofReader{})
		c.fromCache = false

		return err
	}

	c.current = rc
	c.fromCache = false

	return nil
}

func (c *cacheStream) Close() error {
	err := c.current.Close()

	if events := c.source.factory.events; events != nil && c.cached > 0 {
		events.OnCachedBytesRead(c.source.factory.cache.CacheSpace(), c.cached)
	}

	return err
}

// teeStream copies upstream bytes into a sink and commits on a clean EOF.
type teeStream struct {
	io.ReadCloser
	ctx  context.Context
	key  string
	sink Sink
	done bool
	once sync.Once
}

func (t *teeStream) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 && !t.done {
		if _, werr := t.sink.Write(p[:n]); werr != nil {
			t.finish(false)
		}
	}

	if errors.Is(err, io.EOF) {
		t.finish(true)
	}

	return n, err
}

func (t *teeStream) Close() error {
	t.finish(false)

	return t.ReadCloser.Close()
}

func (t *teeStream) finish(complete bool) {
	t.once.Do(func() {
		t.done = true

		if complete {
			if err := t.sink.Commit(); err != nil {
				logctx.LoggerFromContext(t.ctx).Warn("failed to commit cache write", "key", t.key, "err", err)
			}

			return
		}

		t.sink.Abort()
	})
}

// CacheSinkFactory buffers upstream bytes in a temporary file and writes them
// to the cache on Commit.
type CacheSinkFactory struct {
	cache ContentCache
	dir   string
}

func NewCacheSinkFactory(c ContentCache, tempDir string) *CacheSinkFactory {
	return &CacheSinkFactory{cache: c, dir: tempDir}
}

func (f *CacheSinkFactory) CreateSink(ctx context.Context, key string) (Sink, error) {
	tmp, err := os.CreateTemp(f.dir, "sink-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create sink buffer: %w", err)
	}

	return &cacheSink{ctx: ctx, cache: f.cache, key: key, file: tmp}, nil
}

type cacheSink struct {
	ctx   context.Context
	cache ContentCache
	key   string
	file  *os.File
}

func (s *cacheSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *cacheSink) Commit() error {
	defer s.Abort()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := s.cache.Write(s.ctx, s.key, s.file)

	return err
}

func (s *cacheSink) Abort() {
	s.file.Close()
	os.Remove(s.file.Name())
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
