package datasource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// FileFactory creates sources reading local files.
type FileFactory struct {
	listener TransferListener
}

func NewFileFactory(listener TransferListener) *FileFactory {
	return &FileFactory{listener: listener}
}

func (f *FileFactory) CreateDataSource() DataSource {
	return &FileDataSource{listener: f.listener}
}

// FileDataSource reads a byte range of a local file addressed by a plain path
// or a file:// URI.
type FileDataSource struct {
	listener TransferListener
}

func (s *FileDataSource) Open(_ context.Context, spec DataSpec) (io.ReadCloser, error) {
	path, err := filePath(spec.URI)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	if spec.Position > 0 {
		if _, err := f.Seek(spec.Position, io.SeekStart); err != nil {
			f.Close()

			return nil, fmt.Errorf("failed to seek file: %w", err)
		}
	}

	var rc io.ReadCloser = f
	if spec.Length != LengthUnset {
		rc = limitReadCloser(f, spec.Length)
	}

	return withListener(rc, spec, s.listener), nil
}

func filePath(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file:") {
		return uri, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid file uri %q: %w", uri, err)
	}

	return u.Path, nil
}
