// Package provider builds the offline download subsystem on first use: the
// content cache, data source factories reading through it, and the download
// manager and tracker pair.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/italolelis/offline_downloader/internal/cache"
	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/offline"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

const (
	ActionFile               = "actions"
	TrackerActionFile        = "tracked_actions"
	ContentDirectory         = "downloads"
	MaxSimultaneousDownloads = 2
)

// Options configures a Provider. Zero values fall back to the defaults noted
// on each field.
type Options struct {
	AppName    string
	AppVersion string
	// ExternalDir is preferred for offline state when it is usable.
	ExternalDir string
	// InternalDir is used when ExternalDir is not. Defaults to a directory
	// named after the app under os.TempDir.
	InternalDir string
	// Evictor defaults to cache.NoOpEvictor, an unbounded cache.
	Evictor cache.Evictor
	// MaxSimultaneousDownloads defaults to MaxSimultaneousDownloads.
	MaxSimultaneousDownloads int
	// MinRetryCount defaults to offline.DefaultMinRetryCount.
	MinRetryCount int
	// Deserializers defaults to offline.DefaultDeserializers.
	Deserializers []offline.Deserializer
	// HTTPClient defaults to datasource.DefaultHTTPClient.
	HTTPClient *http.Client
	// TransferListener observes the bytes the download manager fetches.
	TransferListener datasource.TransferListener
	Telemetry        *telemetry.Telemetry
}

type coordinator struct {
	manager *offline.Manager
	tracker *offline.Tracker
}

type (
	cacheConstructor   func(ctx context.Context, dir string, evictor cache.Evictor, opts ...cache.Option) (*cache.SimpleCache, error)
	managerConstructor func(ctx context.Context, helper offline.DownloaderHelper, maxSimultaneous, minRetryCount int,
		actionFile string, deserializers []offline.Deserializer, opts ...offline.ManagerOption) (*offline.Manager, error)
	trackerConstructor func(ctx context.Context, factory datasource.Factory, actionFile string,
		handler offline.ActionHandler, deserializers []offline.Deserializer) (*offline.Tracker, error)
)

// Provider owns the lazily built offline resources. Each resource has its own
// mutex; a failed build stores nothing, so the next call tries again.
type Provider struct {
	opts      Options
	userAgent string
	dirs      *DirectoryResolver

	cacheMu sync.Mutex
	cache   atomic.Pointer[cache.SimpleCache]

	coordinatorMu sync.Mutex
	coordinator   atomic.Pointer[coordinator]

	newCache   cacheConstructor
	newManager managerConstructor
	newTracker trackerConstructor
}

func New(opts Options) *Provider {
	if opts.AppName == "" {
		opts.AppName = "OfflineDownloader"
	}

	if opts.InternalDir == "" {
		opts.InternalDir = filepath.Join(os.TempDir(), opts.AppName)
	}

	if opts.Evictor == nil {
		opts.Evictor = cache.NoOpEvictor{}
	}

	if opts.MaxSimultaneousDownloads <= 0 {
		opts.MaxSimultaneousDownloads = MaxSimultaneousDownloads
	}

	if opts.MinRetryCount <= 0 {
		opts.MinRetryCount = offline.DefaultMinRetryCount
	}

	if opts.Deserializers == nil {
		opts.Deserializers = offline.DefaultDeserializers()
	}

	return &Provider{
		opts:       opts,
		userAgent:  UserAgent(opts.AppName, opts.AppVersion),
		dirs:       NewDirectoryResolver(ExternalDirectory(opts.ExternalDir), opts.InternalDir),
		newCache:   cache.New,
		newManager: offline.NewManager,
		newTracker: offline.NewTracker,
	}
}

// UserAgent builds the user agent sent by HTTP data sources.
func UserAgent(appName, version string) string {
	if version == "" {
		version = "dev"
	}

	return fmt.Sprintf("%s/%s (%s; %s) offline_downloader", appName, version, runtime.GOOS, runtime.GOARCH)
}

func (p *Provider) UserAgent() string { return p.userAgent }

// DownloadDirectory returns the resolved root of all offline state.
func (p *Provider) DownloadDirectory(ctx context.Context) string {
	return p.dirs.Resolve(ctx)
}

// Cache returns the shared content cache, building it on first use under
// <download directory>/downloads.
func (p *Provider) Cache(ctx context.Context) (*cache.SimpleCache, error) {
	if c := p.cache.Load(); c != nil {
		return c, nil
	}

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	if c := p.cache.Load(); c != nil {
		return c, nil
	}

	dir := filepath.Join(p.dirs.Resolve(ctx), ContentDirectory)

	var built *cache.SimpleCache

	err := p.opts.Telemetry.InstrumentInit(ctx, "cache", func(ctx context.Context) error {
		c, err := p.newCache(ctx, dir, p.opts.Evictor, cache.WithTelemetry(p.opts.Telemetry))
		if err != nil {
			return &InitError{Step: "cache", Err: err}
		}

		built = c

		return nil
	})
	if err != nil {
		return nil, err
	}

	p.cache.Store(built)

	return built, nil
}

// BuildHTTPDataSourceFactory returns an HTTP factory using the provider's
// user agent. listener may be nil.
func (p *Provider) BuildHTTPDataSourceFactory(listener datasource.TransferListener) *datasource.HTTPFactory {
	var opts []datasource.HTTPOption
	if p.opts.HTTPClient != nil {
		opts = append(opts, datasource.WithHTTPClient(p.opts.HTTPClient))
	}

	return datasource.NewHTTPFactory(p.userAgent, listener, opts...)
}

// BuildDataSourceFactory returns a factory reading through the content cache.
// The cache is read-only here and any cache failure falls through to the
// network or local file upstream. listener may be nil.
func (p *Provider) BuildDataSourceFactory(ctx context.Context, listener datasource.TransferListener) (*datasource.CacheFactory, error) {
	c, err := p.Cache(ctx)
	if err != nil {
		return nil, err
	}

	upstream := datasource.NewDefaultFactory(listener, p.BuildHTTPDataSourceFactory(listener))

	return datasource.NewCacheFactory(c, upstream, nil, nil,
		datasource.FlagIgnoreCacheOnError, &cacheEvents{tel: p.opts.Telemetry}), nil
}

// DownloadManager returns the shared download manager. The tracker is built
// and registered on it before it is returned.
func (p *Provider) DownloadManager(ctx context.Context) (*offline.Manager, error) {
	co, err := p.downloadCoordinator(ctx)
	if err != nil {
		return nil, err
	}

	return co.manager, nil
}

// DownloadTracker returns the tracker registered on DownloadManager.
func (p *Provider) DownloadTracker(ctx context.Context) (*offline.Tracker, error) {
	co, err := p.downloadCoordinator(ctx)
	if err != nil {
		return nil, err
	}

	return co.tracker, nil
}

func (p *Provider) downloadCoordinator(ctx context.Context) (*coordinator, error) {
	if co := p.coordinator.Load(); co != nil {
		return co, nil
	}

	p.coordinatorMu.Lock()
	defer p.coordinatorMu.Unlock()

	if co := p.coordinator.Load(); co != nil {
		return co, nil
	}

	var built *coordinator

	err := p.opts.Telemetry.InstrumentInit(ctx, "download_coordinator", func(ctx context.Context) error {
		co, err := p.buildCoordinator(ctx)
		built = co

		return err
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to initialize download coordinator", "err", err)

		return nil, err
	}

	p.coordinator.Store(built)

	return built, nil
}

func (p *Provider) buildCoordinator(ctx context.Context) (*coordinator, error) {
	c, err := p.Cache(ctx)
	if err != nil {
		return nil, err
	}

	httpFactory := p.BuildHTTPDataSourceFactory(p.opts.TransferListener)
	dir := p.dirs.Resolve(ctx)

	manager, err := p.newManager(ctx,
		offline.DownloaderHelper{Cache: c, Upstream: httpFactory},
		p.opts.MaxSimultaneousDownloads,
		p.opts.MinRetryCount,
		filepath.Join(dir, ActionFile),
		p.opts.Deserializers,
		offline.WithTelemetry(p.opts.Telemetry),
	)
	if err != nil {
		return nil, &InitError{Step: "manager", Err: err}
	}

	factory, err := p.BuildDataSourceFactory(ctx, nil)
	if err != nil {
		manager.Release()

		return nil, err
	}

	tracker, err := p.newTracker(ctx, factory, filepath.Join(dir, TrackerActionFile), manager, p.opts.Deserializers)
	if err != nil {
		manager.Release()

		return nil, &InitError{Step: "tracker", Err: err}
	}

	manager.AddListener(tracker)

	logctx.LoggerFromContext(ctx).Info("download coordinator ready",
		"dir", dir,
		"max_simultaneous", manager.MaxSimultaneousDownloads(),
		"min_retry_count", manager.MinRetryCount(),
	)

	return &coordinator{manager: manager, tracker: tracker}, nil
}

// Close releases whatever was built. The provider must not be used afterwards.
func (p *Provider) Close() error {
	p.coordinatorMu.Lock()
	if co := p.coordinator.Load(); co != nil {
		co.manager.Release()
	}
	p.coordinatorMu.Unlock()

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	var errs []error
	if c := p.cache.Load(); c != nil {
		errs = append(errs, c.Release())
	}

	return errors.Join(errs...)
}

// cacheEvents reports cache reads of provider built factories to telemetry.
type cacheEvents struct {
	tel *telemetry.Telemetry
}

func (e *cacheEvents) OnCachedBytesRead(_, cachedBytesRead int64) {
	ctx := context.Background()

	e.tel.RecordCacheRead(ctx, "hit")
	e.tel.RecordCachedBytesRead(ctx, cachedBytesRead)
}

func (e *cacheEvents) OnCacheIgnored(datasource.CacheIgnoredReason) {
	e.tel.RecordCacheRead(context.Background(), "ignored")
}
