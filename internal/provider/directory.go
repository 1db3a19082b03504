package provider

import (
	"context"
	"os"
	"sync"

	"github.com/italolelis/offline_downloader/internal/logctx"
)

const dirPerm = 0755

// DirectoryResolver picks the root directory for all offline state once and
// remembers it.
type DirectoryResolver struct {
	preferred func() (string, bool)
	fallback  string

	once sync.Once
	dir  string
}

// NewDirectoryResolver prefers the directory returned by preferred when it
// reports it as available, and uses fallback otherwise.
func NewDirectoryResolver(preferred func() (string, bool), fallback string) *DirectoryResolver {
	return &DirectoryResolver{preferred: preferred, fallback: fallback}
}

// Resolve returns the download directory. Only the first call evaluates the
// preferred location.
func (r *DirectoryResolver) Resolve(ctx context.Context) string {
	r.once.Do(func() {
		if r.preferred != nil {
			if dir, ok := r.preferred(); ok {
				r.dir = dir

				return
			}
		}

		logctx.LoggerFromContext(ctx).Debug("preferred download directory unavailable, using fallback", "dir", r.fallback)

		r.dir = r.fallback
	})

	return r.dir
}

// ExternalDirectory reports dir as available when it is set, can be created
// and accepts new files.
func ExternalDirectory(dir string) func() (string, bool) {
	return func() (string, bool) {
		if dir == "" {
			return "", false
		}

		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return "", false
		}

		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return "", false
		}

		probe.Close()
		os.Remove(probe.Name())

		return dir, true
	}
}
