package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/italolelis/offline_downloader/internal/logctx"
)

const tempSuffix = ".tmp"

// DeleteStaleTempFiles removes temporary files under dir last modified more
// than maxAge ago. They are left behind when a process dies halfway through
// writing cached content or an action file. It returns the number of files
// removed.
func DeleteStaleTempFiles(ctx context.Context, dir string, maxAge time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale temp file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale temp file", "file", path, "age", now.Sub(info.ModTime()).Round(time.Second))

		removed++

		return nil
	})

	return removed, err
}

// Scheduler runs DeleteStaleTempFiles on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler parses spec, a standard cron expression or descriptor such as
// "@hourly", and registers the sweep of dir. Call Start to run it.
func NewScheduler(ctx context.Context, spec, dir string, maxAge time.Duration) (*Scheduler, error) {
	c := cron.New()

	_, err := c.AddFunc(spec, func() {
		removed, err := DeleteStaleTempFiles(ctx, dir, maxAge, time.Now())
		if err != nil {
			logctx.LoggerFromContext(ctx).Error("temp file cleanup failed", "dir", dir, "err", err)

			return
		}

		logctx.LoggerFromContext(ctx).Debug("temp file cleanup finished", "dir", dir, "removed", removed)
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents further runs and returns a context done once a running sweep
// has finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
