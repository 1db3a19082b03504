package cache

import (
	"sort"
)

// Evictor decides which spans leave the cache to make room for new content.
// Implementations are fixed when a SimpleCache is built.
type Evictor interface {
	// RequiresCacheSpanTouches reports whether reads must refresh a span's
	// LastTouch. Evictors that ignore access order return false so reads stay
	// free of index writes.
	RequiresCacheSpanTouches() bool
	// Evict returns the victims among candidates so that cacheSize plus
	// required bytes fits the evictor's budget.
	Evict(candidates []Span, cacheSize, required int64) []Span
}

// NoOpEvictor never evicts. The cache grows without bound.
type NoOpEvictor struct{}

func (NoOpEvictor) RequiresCacheSpanTouches() bool { return false }

func (NoOpEvictor) Evict([]Span, int64, int64) []Span { return nil }

// LRUEvictor keeps the cache under MaxBytes by dropping the least recently
// touched spans first.
type LRUEvictor struct {
	MaxBytes int64
}

func NewLRUEvictor(maxBytes int64) *LRUEvictor {
	return &LRUEvictor{MaxBytes: maxBytes}
}

func (e *LRUEvictor) RequiresCacheSpanTouches() bool { return true }

func (e *LRUEvictor) Evict(candidates []Span, cacheSize, required int64) []Span {
	if cacheSize+required <= e.MaxBytes {
		return nil
	}

	ordered := make([]Span, len(candidates))
	copy(ordered, candidates)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastTouch.Before(ordered[j].LastTouch)
	})

	var victims []Span

	for _, span := range ordered {
		if cacheSize+required <= e.MaxBytes {
			break
		}

		victims = append(victims, span)
		cacheSize -= span.Length
	}

	return victims
}
