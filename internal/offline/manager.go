package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/offline_downloader/internal/cache"
	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

const (
	dirPerm = 0755

	// DefaultMinRetryCount is the number of retries a task gets before it fails.
	DefaultMinRetryCount = 5

	maxRetryDelay       = 5 * time.Second
	maxParallelSegments = 3
)

// TaskStatus is the lifecycle position of a download task.
type TaskStatus int

const (
	TaskQueued TaskStatus = iota
	TaskStarted
	TaskCompleted
	TaskCanceled
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskStarted:
		return "started"
	case TaskCompleted:
		return "completed"
	case TaskCanceled:
		return "canceled"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsFinished reports whether the task left the queue for good.
func (s TaskStatus) IsFinished() bool {
	return s == TaskCompleted || s == TaskCanceled || s == TaskFailed
}

// TaskState is a snapshot of one task.
type TaskState struct {
	TaskID          int
	Action          Action
	Status          TaskStatus
	DownloadedBytes int64
	Err             error
}

// Listener observes a Manager. Callbacks run on the goroutine that caused
// the change and must not block.
type Listener interface {
	OnInitialized(m *Manager)
	OnTaskStateChanged(m *Manager, state TaskState)
	OnIdle(m *Manager)
}

// ContentCache is the part of the content cache the Manager writes to.
type ContentCache interface {
	Lookup(ctx context.Context, key string) (cache.Span, error)
	Write(ctx context.Context, key string, r io.Reader) (cache.Span, error)
	Remove(ctx context.Context, key string) error
}

// DownloaderHelper bundles what download tasks need: the cache they fill and
// the factory reading upstream content.
type DownloaderHelper struct {
	Cache    ContentCache
	Upstream datasource.Factory
}

type task struct {
	id         int
	action     Action
	status     TaskStatus
	downloaded atomic.Int64
	cancel     context.CancelFunc
	err        error
}

func (t *task) state() TaskState {
	return TaskState{
		TaskID:          t.id,
		Action:          t.action,
		Status:          t.status,
		DownloadedBytes: t.downloaded.Load(),
		Err:             t.err,
	}
}

type ManagerOption func(*Manager)

// WithTelemetry records download spans and metrics.
func WithTelemetry(tel *telemetry.Telemetry) ManagerOption {
	return func(m *Manager) { m.tel = tel }
}

// WithSegmentResolver lists segments for actions of typ queued without them.
// An HLSResolver is registered for TypeHLS by default.
func WithSegmentResolver(typ string, r SegmentResolver) ManagerOption {
	return func(m *Manager) { m.resolvers[typ] = r }
}

// WithRetryDelay replaces the delay between failed attempts.
func WithRetryDelay(delay func(errorCount int) time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelay = delay }
}

// Manager queues download and remove actions, runs up to maxSimultaneous of
// them at a time and keeps the pending ones in an action file so they survive
// a restart.
type Manager struct {
	helper          DownloaderHelper
	maxSimultaneous int
	minRetryCount   int
	actionFile      *ActionFile
	tel             *telemetry.Telemetry
	retryDelay      func(errorCount int) time.Duration
	resolvers       map[string]SegmentResolver

	mu          sync.Mutex
	tasks       []*task
	nextID      int
	active      map[string]int
	running     int
	looping     bool
	initialized bool
	idle        bool
	released    bool
	wake        chan struct{}
	done        chan struct{}

	storeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewManager loads the pending actions from actionFile and writes the file
// back, so it exists once the manager does. Call Run to start downloading.
func NewManager(
	ctx context.Context,
	helper DownloaderHelper,
	maxSimultaneous int,
	minRetryCount int,
	actionFile string,
	deserializers []Deserializer,
	opts ...ManagerOption,
) (*Manager, error) {
	if helper.Cache == nil || helper.Upstream == nil {
		return nil, errors.New("downloader helper needs a cache and an upstream factory")
	}

	if maxSimultaneous < 1 {
		return nil, fmt.Errorf("max simultaneous downloads must be positive, got %d", maxSimultaneous)
	}

	if minRetryCount < 0 {
		return nil, fmt.Errorf("min retry count must not be negative, got %d", minRetryCount)
	}

	m := &Manager{
		helper:          helper,
		maxSimultaneous: maxSimultaneous,
		minRetryCount:   minRetryCount,
		actionFile:      NewActionFile(actionFile),
		retryDelay:      defaultRetryDelay,
		resolvers:       map[string]SegmentResolver{TypeHLS: HLSResolver{}},
		active:          map[string]int{},
		idle:            true,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	actions, err := m.actionFile.Load(deserializers)
	if err != nil {
		return nil, err
	}

	for _, a := range actions {
		m.enqueueLocked(a)
	}

	m.idle = len(m.tasks) == 0

	if err := m.persist(); err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).Info("download manager loaded",
		"action_file", actionFile,
		"pending", len(actions),
		"max_simultaneous", maxSimultaneous,
	)

	return m, nil
}

func defaultRetryDelay(errorCount int) time.Duration {
	return min(time.Duration(errorCount-1)*time.Second, maxRetryDelay)
}

func (m *Manager) MaxSimultaneousDownloads() int { return m.maxSimultaneous }

func (m *Manager) MinRetryCount() int { return m.minRetryCount }

func (m *Manager) ActionFilePath() string { return m.actionFile.Path() }

// IsInitialized reports whether Run has started.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.initialized
}

// IsIdle reports whether no task is queued or running.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tasks) == 0
}

// TaskStates returns the queued and running tasks in queue order.
func (m *Manager) TaskStates() []TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]TaskState, 0, len(m.tasks))
	for _, t := range m.tasks {
		states = append(states, t.state())
	}

	return states
}

func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	m.listeners = append(m.listeners, l)
}

func (m *Manager) RemoveListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)

			return
		}
	}
}

// Listeners returns the registered listeners.
func (m *Manager) Listeners() []Listener {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()

	return append([]Listener(nil), m.listeners...)
}

func (m *Manager) notify(fn func(Listener)) {
	for _, l := range m.Listeners() {
		fn(l)
	}
}

func (m *Manager) notifyStates(states []TaskState) {
	for _, s := range states {
		m.notify(func(l Listener) { l.OnTaskStateChanged(m, s) })
	}
}

// Handle queues an action. An action for media that is already queued
// replaces the queued one; a remove action cancels a running download of the
// same media.
func (m *Manager) Handle(ctx context.Context, action Action) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()

		return ErrReleased
	}

	states := m.enqueueLocked(action)
	m.idle = false
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Debug("action queued",
		"type", action.Type, "uri", action.URI, "remove", action.IsRemove)

	if err := m.persist(); err != nil {
		return err
	}

	m.notifyStates(states)
	m.signal()

	return nil
}

func (m *Manager) enqueueLocked(action Action) []TaskState {
	for _, t := range m.tasks {
		if t.status == TaskQueued && t.action.IsSameMedia(action) {
			t.action = action

			return []TaskState{t.state()}
		}
	}

	var states []TaskState

	for _, t := range m.tasks {
		if t.status != TaskStarted || !t.action.IsSameMedia(action) {
			continue
		}

		if t.action.IsRemove == action.IsRemove {
			return nil
		}

		if action.IsRemove {
			t.status = TaskCanceled
			t.cancel()
			states = append(states, t.state())
		}
	}

	m.nextID++
	t := &task{id: m.nextID, action: action, status: TaskQueued}
	m.tasks = append(m.tasks, t)

	return append(states, t.state())
}

func (m *Manager) pendingActionsLocked() []Action {
	actions := make([]Action, 0, len(m.tasks))

	for _, t := range m.tasks {
		if t.status == TaskQueued || t.status == TaskStarted {
			actions = append(actions, t.action)
		}
	}

	return actions
}

// persist snapshots and stores the pending actions. storeMu keeps snapshots
// from being written out of order.
func (m *Manager) persist() error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	actions := m.pendingActionsLocked()
	m.mu.Unlock()

	if err := m.actionFile.Store(actions); err != nil {
		return fmt.Errorf("failed to persist download actions: %w", err)
	}

	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run downloads queued actions until ctx is done or the manager is released.
// Tasks interrupted by shutdown stay in the action file.
func (m *Manager) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()

		return ErrReleased
	}

	if m.looping {
		m.mu.Unlock()

		return errors.New("download manager is already running")
	}

	m.looping = true
	m.initialized = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.looping = false
		m.mu.Unlock()
	}()

	m.notify(func(l Listener) { l.OnInitialized(m) })

	logger.Info("download manager started")

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(m.maxSimultaneous)

	for {
		for _, t := range m.startTasks(ctx) {
			m.notifyStates([]TaskState{t.snapshot})

			wg.Go(func() error {
				m.execute(t.ctx, t.task)

				return nil
			})
		}

		m.checkIdle()

		select {
		case <-ctx.Done():
			logger.Info("shutting down download manager")

			return wg.Wait()
		case <-m.done:
			logger.Info("download manager released")

			return wg.Wait()
		case <-m.wake:
		}
	}
}

type startedTask struct {
	task     *task
	ctx      context.Context
	snapshot TaskState
}

func (m *Manager) startTasks(ctx context.Context) []startedTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}

	var started []startedTask

	for _, t := range m.tasks {
		if m.running >= m.maxSimultaneous {
			break
		}

		key := t.action.mediaKey()
		if t.status != TaskQueued || m.active[key] > 0 {
			continue
		}

		taskCtx, cancel := context.WithCancel(ctx)

		t.status = TaskStarted
		t.cancel = cancel
		m.running++
		m.active[key]++

		started = append(started, startedTask{task: t, ctx: taskCtx, snapshot: t.state()})
	}

	return started
}

func (m *Manager) checkIdle() {
	m.mu.Lock()
	becameIdle := len(m.tasks) == 0 && !m.idle
	if becameIdle {
		m.idle = true
	}
	m.mu.Unlock()

	if becameIdle {
		m.notify(func(l Listener) { l.OnIdle(m) })
	}
}

func (m *Manager) execute(ctx context.Context, t *task) {
	ctx = logctx.WithDownloadID(ctx, strconv.Itoa(t.id))
	logger := logctx.LoggerFromContext(ctx).With("type", t.action.Type, "uri", t.action.URI)
	ctx = logctx.WithLogger(ctx, logger)

	start := time.Now()

	err := m.tel.InstrumentDownload(ctx, t.action.Type, func(ctx context.Context) error {
		return m.runWithRetries(ctx, t)
	})

	switch {
	case err == nil:
		logger.InfoContext(ctx, "download task completed",
			"remove", t.action.IsRemove,
			"downloaded", humanize.Bytes(uint64(t.downloaded.Load())),
			"duration", time.Since(start))
	case ctx.Err() != nil:
		logger.InfoContext(ctx, "download task interrupted", "err", err)
	default:
		logger.ErrorContext(ctx, "download task failed", "err", err)
	}

	m.finish(ctx, t, err)
}

func (m *Manager) finish(ctx context.Context, t *task, err error) {
	m.mu.Lock()

	m.running--
	key := t.action.mediaKey()
	if m.active[key]--; m.active[key] <= 0 {
		delete(m.active, key)
	}

	t.cancel()

	var states []TaskState

	switch {
	case t.status == TaskCanceled:
		m.removeTaskLocked(t)
	case err != nil && ctx.Err() != nil:
		// Shutdown: the task stays pending and resumes on the next Run.
		t.status = TaskQueued
		states = append(states, t.state())
	case err != nil:
		t.status = TaskFailed
		t.err = err
		states = append(states, t.state())
		m.removeTaskLocked(t)
	default:
		t.status = TaskCompleted
		states = append(states, t.state())
		m.removeTaskLocked(t)
	}

	m.mu.Unlock()

	if perr := m.persist(); perr != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist download actions", "err", perr)
	}

	m.notifyStates(states)
	m.signal()
}

func (m *Manager) removeTaskLocked(t *task) {
	for i, existing := range m.tasks {
		if existing == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)

			return
		}
	}
}

func (m *Manager) runWithRetries(ctx context.Context, t *task) error {
	logger := logctx.LoggerFromContext(ctx)

	errorCount := 0
	lastDownloaded := t.downloaded.Load()

	for {
		err := m.runOnce(ctx, t)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Progress since the last failure resets the count.
		if downloaded := t.downloaded.Load(); downloaded > lastDownloaded {
			errorCount = 0
			lastDownloaded = downloaded
		}

		errorCount++
		if errorCount > m.minRetryCount {
			return &DownloadError{URI: t.action.URI, Attempts: errorCount, Err: err}
		}

		delay := m.retryDelay(errorCount)

		logger.WarnContext(ctx, "download attempt failed, retrying",
			"attempt", errorCount, "retry_in", delay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, t *task) error {
	if t.action.IsRemove {
		return m.remove(ctx, t.action)
	}

	return m.download(ctx, t)
}

func (m *Manager) remove(ctx context.Context, action Action) error {
	for _, key := range action.Keys() {
		if err := m.helper.Cache.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove %s from cache: %w", key, err)
		}
	}

	return nil
}

func (m *Manager) download(ctx context.Context, t *task) error {
	action, err := m.resolveSegments(ctx, t)
	if err != nil {
		return err
	}

	specs := downloadSpecs(action)

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(maxParallelSegments)

	for _, spec := range specs {
		wg.Go(func() error {
			return m.downloadResource(ctx, t, spec)
		})
	}

	return wg.Wait()
}

// resolveSegments fills in the segments of a resolvable action and keeps them
// on the task, so the persisted action and the completed state carry them.
func (m *Manager) resolveSegments(ctx context.Context, t *task) (Action, error) {
	m.mu.Lock()
	action := t.action
	m.mu.Unlock()

	resolver, ok := m.resolvers[action.Type]
	if !ok || len(action.Segments) > 0 {
		return action, nil
	}

	segments, err := resolver.ResolveSegments(ctx, m.helper.Upstream, action)
	if err != nil {
		return Action{}, fmt.Errorf("failed to resolve segments: %w", err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "segments resolved", "count", len(segments))

	m.mu.Lock()
	t.action.Segments = segments
	action = t.action
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return Action{}, err
	}

	return action, nil
}

func downloadSpecs(a Action) []datasource.DataSpec {
	if len(a.Segments) == 0 {
		spec := datasource.NewDataSpec(a.URI)
		spec.Key = a.CustomCacheKey

		return []datasource.DataSpec{spec}
	}

	specs := make([]datasource.DataSpec, 0, len(a.Segments))
	for _, seg := range a.Segments {
		specs = append(specs, datasource.NewDataSpec(seg))
	}

	return specs
}

func (m *Manager) downloadResource(ctx context.Context, t *task, spec datasource.DataSpec) error {
	logger := logctx.LoggerFromContext(ctx)
	key := spec.CacheKey()

	if span, err := m.helper.Cache.Lookup(ctx, key); err == nil {
		logger.DebugContext(ctx, "resource already cached", "key", key, "size", humanize.Bytes(uint64(span.Length)))

		return nil
	}

	rc, err := m.helper.Upstream.CreateDataSource().Open(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", spec.URI, err)
	}

	defer rc.Close()

	counter := &countingReader{Reader: rc, task: t}

	span, err := m.helper.Cache.Write(ctx, key, counter)

	m.tel.RecordDownloadedBytes(ctx, counter.n)

	if err != nil {
		return fmt.Errorf("failed to cache %s: %w", spec.URI, err)
	}

	logger.DebugContext(ctx, "resource cached", "key", key, "size", humanize.Bytes(uint64(span.Length)))

	return nil
}

type countingReader struct {
	io.Reader
	task *task
	n    int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.n += int64(n)
	r.task.downloaded.Add(int64(n))

	return n, err
}

// Release stops the manager: running tasks are interrupted and stay pending in
// the action file, and further actions are rejected.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return
	}

	m.released = true

	for _, t := range m.tasks {
		if t.status == TaskStarted {
			t.cancel()
		}
	}

	close(m.done)
}
