package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/italolelis/offline_downloader/internal/config"
	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/offline"
)

type fetchOptions struct {
	Type     string
	Segments []string
	Key      string
}

func (o *fetchOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Type, "type", "t", offline.TypeProgressive, "action type: progressive, hls, dash or ss")
	fs.StringArrayVarP(&o.Segments, "segment", "s", nil, "segment uri to download, repeatable")
	fs.StringVar(&o.Key, "key", "", "custom cache key for progressive media")
}

func newFetchCommand(ctx context.Context, loadConfig func() (*config.Config, error)) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch <uri>",
		Short: "downloads one media for offline use and waits for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			return fetch(setupLogger(ctx, cfg), cfg, opts, args[0])
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}

func fetch(ctx context.Context, cfg *config.Config, opts *fetchOptions, uri string) error {
	action := offline.Action{Type: opts.Type, URI: uri, Segments: opts.Segments, CustomCacheKey: opts.Key}
	if err := offline.ValidateAction(action, offline.DefaultDeserializers()); err != nil {
		return err
	}

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(uri),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	p := newProvider(cfg, nil, &barListener{bar: bar})

	defer func() {
		if err := p.Close(); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to release offline resources", "err", err)
		}
	}()

	tracker, err := p.DownloadTracker(ctx)
	if err != nil {
		return err
	}

	if tracker.IsDownloaded(uri) {
		fmt.Fprintf(os.Stdout, "%s is already tracked for offline use\n", uri)

		return nil
	}

	manager, err := p.DownloadManager(ctx)
	if err != nil {
		return err
	}

	done := make(chan offline.TaskState, 1)
	manager.AddListener(&completionListener{action: action, done: done})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { _ = manager.Run(runCtx) }()

	if _, err := tracker.ToggleDownload(ctx, action); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case state := <-done:
		_ = bar.Finish()

		if state.Status == offline.TaskFailed {
			return state.Err
		}

		if state.Status != offline.TaskCompleted {
			return errors.New("download was " + state.Status.String())
		}

		fmt.Fprintf(os.Stdout, "%s is available offline (%d bytes)\n", uri, state.DownloadedBytes)

		return nil
	}
}

// completionListener reports the first finished state of action's download.
type completionListener struct {
	action offline.Action
	done   chan offline.TaskState
}

func (l *completionListener) OnInitialized(*offline.Manager) {}

func (l *completionListener) OnIdle(*offline.Manager) {}

func (l *completionListener) OnTaskStateChanged(_ *offline.Manager, state offline.TaskState) {
	if state.Action.IsRemove || !state.Action.IsSameMedia(l.action) || !state.Status.IsFinished() {
		return
	}

	select {
	case l.done <- state:
	default:
	}
}

type barListener struct {
	bar *progressbar.ProgressBar
}

func (l *barListener) OnTransferStart(datasource.DataSpec) {}

func (l *barListener) OnBytesTransferred(_ datasource.DataSpec, n int) {
	_ = l.bar.Add(n)
}

func (l *barListener) OnTransferEnd(datasource.DataSpec) {}
