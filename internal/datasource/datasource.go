// Package datasource provides layered factories for reading media content:
// plain HTTP, local files, scheme based routing between the two, and a cache
// backed wrapper that serves downloaded content before going upstream.
package datasource

import (
	"context"
	"io"
)

// LengthUnset marks a DataSpec that reads to the end of the resource.
const LengthUnset int64 = -1

// DataSpec identifies the byte range to read from a resource.
type DataSpec struct {
	URI      string
	Position int64
	Length   int64
	// Key overrides the URI as the cache key when set.
	Key string
}

// NewDataSpec returns a spec covering the whole resource at uri.
func NewDataSpec(uri string) DataSpec {
	return DataSpec{URI: uri, Length: LengthUnset}
}

// CacheKey returns the key under which the resource is cached.
func (s DataSpec) CacheKey() string {
	if s.Key != "" {
		return s.Key
	}

	return s.URI
}

// Subrange returns the spec that remains after offset bytes were consumed.
func (s DataSpec) Subrange(offset int64) DataSpec {
	out := s
	out.Position += offset

	if s.Length != LengthUnset {
		out.Length -= offset
	}

	return out
}

// DataSource opens readers over a DataSpec.
type DataSource interface {
	Open(ctx context.Context, spec DataSpec) (io.ReadCloser, error)
}

// Factory creates DataSource instances.
type Factory interface {
	CreateDataSource() DataSource
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() DataSource

func (f FactoryFunc) CreateDataSource() DataSource { return f() }

// TransferListener observes bytes moving through a data source.
type TransferListener interface {
	OnTransferStart(spec DataSpec)
	OnBytesTransferred(spec DataSpec, n int)
	OnTransferEnd(spec DataSpec)
}
