package datasource

import (
	"context"
	"io"
	"net/url"
	"strings"
)

// DefaultFactory routes file URIs and plain paths to a local file source and
// everything else to a base factory, usually an HTTPFactory.
type DefaultFactory struct {
	listener TransferListener
	base     Factory
}

func NewDefaultFactory(listener TransferListener, base Factory) *DefaultFactory {
	return &DefaultFactory{listener: listener, base: base}
}

func (f *DefaultFactory) CreateDataSource() DataSource {
	return &DefaultDataSource{
		file: NewFileFactory(f.listener).CreateDataSource(),
		base: f.base,
	}
}

type DefaultDataSource struct {
	file DataSource
	base Factory
}

func (s *DefaultDataSource) Open(ctx context.Context, spec DataSpec) (io.ReadCloser, error) {
	scheme := ""
	if u, err := url.Parse(spec.URI); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}

	switch scheme {
	case "", "file":
		return s.file.Open(ctx, spec)
	case "http", "https":
		if s.base == nil {
			return nil, &UnsupportedSchemeError{URI: spec.URI, Scheme: scheme}
		}

		return s.base.CreateDataSource().Open(ctx, spec)
	default:
		return nil, &UnsupportedSchemeError{URI: spec.URI, Scheme: scheme}
	}
}
