package offline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/cache"
	"github.com/italolelis/offline_downloader/internal/datasource"
)

// fakeUpstream serves content from memory. failures makes the first N opens
// of a URI fail; blocking URIs stall until the read is canceled.
type fakeUpstream struct {
	mu       sync.Mutex
	content  map[string]string
	failures map[string]int
	blocking map[string]bool
	opens    map[string]int
}

func newFakeUpstream(content map[string]string) *fakeUpstream {
	return &fakeUpstream{
		content:  content,
		failures: map[string]int{},
		blocking: map[string]bool{},
		opens:    map[string]int{},
	}
}

func (f *fakeUpstream) CreateDataSource() datasource.DataSource { return f }

func (f *fakeUpstream) Open(ctx context.Context, spec datasource.DataSpec) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens[spec.URI]++

	if f.failures[spec.URI] > 0 {
		f.failures[spec.URI]--

		return nil, &datasource.HTTPError{URI: spec.URI, StatusCode: 503}
	}

	if f.blocking[spec.URI] {
		return io.NopCloser(blockingReader{ctx: ctx}), nil
	}

	body, ok := f.content[spec.URI]
	if !ok {
		return nil, &datasource.HTTPError{URI: spec.URI, StatusCode: 404}
	}

	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeUpstream) openCount(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opens[uri]
}

type blockingReader struct {
	ctx context.Context
}

func (r blockingReader) Read([]byte) (int, error) {
	<-r.ctx.Done()

	return 0, r.ctx.Err()
}

type recordingListener struct {
	mu          sync.Mutex
	initialized int
	idle        int
	states      []TaskState
}

func (l *recordingListener) OnInitialized(*Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized++
}

func (l *recordingListener) OnIdle(*Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idle++
}

func (l *recordingListener) OnTaskStateChanged(_ *Manager, s TaskState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) statuses(uri string) []TaskStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []TaskStatus
	for _, s := range l.states {
		if s.Action.URI == uri {
			out = append(out, s.Status)
		}
	}

	return out
}

func (l *recordingListener) last(uri string) (TaskState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.states) - 1; i >= 0; i-- {
		if l.states[i].Action.URI == uri {
			return l.states[i], true
		}
	}

	return TaskState{}, false
}

func (l *recordingListener) idleCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.idle
}

func newTestCache(t *testing.T) *cache.SimpleCache {
	t.Helper()

	c, err := cache.New(context.Background(), filepath.Join(t.TempDir(), "downloads"), cache.NoOpEvictor{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })

	return c
}

func newTestManager(t *testing.T, c ContentCache, upstream datasource.Factory, minRetryCount int) *Manager {
	t.Helper()

	m, err := NewManager(context.Background(), DownloaderHelper{Cache: c, Upstream: upstream}, 2, minRetryCount,
		filepath.Join(t.TempDir(), "actions"), DefaultDeserializers(),
		WithRetryDelay(func(int) time.Duration { return 0 }))
	require.NoError(t, err)

	return m
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func cachedContent(t *testing.T, c *cache.SimpleCache, key string) string {
	t.Helper()

	span, err := c.Lookup(context.Background(), key)
	require.NoError(t, err)

	b, err := os.ReadFile(span.File)
	require.NoError(t, err)

	return string(b)
}

func TestNewManager_CreatesActionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions")

	m, err := NewManager(context.Background(), DownloaderHelper{Cache: newTestCache(t), Upstream: newFakeUpstream(nil)},
		2, DefaultMinRetryCount, path, DefaultDeserializers())
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, path, m.ActionFilePath())
	assert.Equal(t, 2, m.MaxSimultaneousDownloads())
	assert.Equal(t, DefaultMinRetryCount, m.MinRetryCount())
	assert.True(t, m.IsIdle())
	assert.False(t, m.IsInitialized())
}

func TestNewManager_InvalidArguments(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "actions")

	_, err := NewManager(context.Background(), DownloaderHelper{Cache: c}, 2, 5, path, nil)
	assert.Error(t, err)

	_, err = NewManager(context.Background(), DownloaderHelper{Cache: c, Upstream: newFakeUpstream(nil)}, 0, 5, path, nil)
	assert.Error(t, err)

	_, err = NewManager(context.Background(), DownloaderHelper{Cache: c, Upstream: newFakeUpstream(nil)}, 1, -1, path, nil)
	assert.Error(t, err)
}

func TestNewManager_UnknownActionFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"version":0,"actions":[{"type":"mystery","version":0,"payload":{"uri":"x"}}]}`), 0o644))

	_, err := NewManager(context.Background(), DownloaderHelper{Cache: newTestCache(t), Upstream: newFakeUpstream(nil)},
		2, 5, path, DefaultDeserializers())
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestManager_PendingActionsSurviveRestart(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "actions")
	helper := DownloaderHelper{Cache: c, Upstream: newFakeUpstream(nil)}

	first, err := NewManager(context.Background(), helper, 2, 5, path, DefaultDeserializers())
	require.NoError(t, err)

	action := NewSegmentedAction(TypeDASH, "https://cdn.example.com/a.mpd", []string{"https://cdn.example.com/a/1.m4s"}, nil)
	require.NoError(t, first.Handle(context.Background(), action))
	require.NoError(t, first.Handle(context.Background(), NewProgressiveAction("https://cdn.example.com/b.mp4", nil)))
	first.Release()

	second, err := NewManager(context.Background(), helper, 2, 5, path, DefaultDeserializers())
	require.NoError(t, err)

	states := second.TaskStates()
	require.Len(t, states, 2)
	assert.Equal(t, action, states[0].Action)
	assert.Equal(t, TaskQueued, states[0].Status)
	assert.False(t, second.IsIdle())
}

func TestManager_DownloadsProgressiveAction(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/movie.mp4"
	upstream := newFakeUpstream(map[string]string{uri: "movie-bytes"})

	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)
	waitFor(t, m.IsInitialized)

	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil)))

	waitFor(t, func() bool { return listener.idleCount() > 0 })

	assert.Equal(t, []TaskStatus{TaskQueued, TaskStarted, TaskCompleted}, listener.statuses(uri))
	assert.Equal(t, "movie-bytes", cachedContent(t, c, uri))

	last, _ := listener.last(uri)
	assert.Equal(t, int64(len("movie-bytes")), last.DownloadedBytes)

	pending, err := NewActionFile(m.ActionFilePath()).Load(DefaultDeserializers())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.True(t, m.IsIdle())
}

func TestManager_DownloadsSegments(t *testing.T) {
	c := newTestCache(t)
	segments := []string{
		"https://cdn.example.com/live/1.ts",
		"https://cdn.example.com/live/2.ts",
		"https://cdn.example.com/live/3.ts",
		"https://cdn.example.com/live/4.ts",
	}

	content := map[string]string{}
	for i, s := range segments {
		content[s] = strings.Repeat("x", i+1)
	}

	upstream := newFakeUpstream(content)
	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)

	action := NewSegmentedAction(TypeHLS, "https://cdn.example.com/live.m3u8", segments, nil)
	require.NoError(t, m.Handle(context.Background(), action))

	waitFor(t, func() bool {
		s, ok := listener.last(action.URI)

		return ok && s.Status == TaskCompleted
	})

	for i, s := range segments {
		assert.Equal(t, strings.Repeat("x", i+1), cachedContent(t, c, s))
	}
}

func TestManager_SkipsCachedResources(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/movie.mp4"
	_, err := c.Write(context.Background(), uri, strings.NewReader("already"))
	require.NoError(t, err)

	upstream := newFakeUpstream(map[string]string{uri: "movie-bytes"})
	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)
	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil)))

	waitFor(t, func() bool { return listener.idleCount() > 0 })
	assert.Equal(t, 0, upstream.openCount(uri))
}

func TestManager_RetriesBeforeSucceeding(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/flaky.mp4"
	upstream := newFakeUpstream(map[string]string{uri: "eventually"})
	upstream.failures[uri] = 2

	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)
	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil)))

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskCompleted
	})

	assert.Equal(t, 3, upstream.openCount(uri))
	assert.Equal(t, "eventually", cachedContent(t, c, uri))
}

func TestManager_FailsAfterMinRetryCount(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/broken.mp4"
	upstream := newFakeUpstream(map[string]string{uri: "never"})
	upstream.failures[uri] = 100

	m := newTestManager(t, c, upstream, 2)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)
	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil)))

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskFailed
	})

	last, _ := listener.last(uri)

	var downloadErr *DownloadError
	require.ErrorAs(t, last.Err, &downloadErr)
	assert.Equal(t, 3, downloadErr.Attempts)
	assert.Equal(t, 3, upstream.openCount(uri))

	var httpErr *datasource.HTTPError
	assert.ErrorAs(t, last.Err, &httpErr)
}

func TestManager_RemoveAction(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/movie.mp4"
	_, err := c.Write(context.Background(), uri, strings.NewReader("movie-bytes"))
	require.NoError(t, err)

	m := newTestManager(t, c, newFakeUpstream(nil), 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)
	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil).RemoveAction()))

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskCompleted
	})

	_, err = c.Lookup(context.Background(), uri)
	assert.ErrorIs(t, err, cache.ErrNotCached)
}

func TestManager_RemoveCancelsRunningDownload(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/slow.mp4"
	upstream := newFakeUpstream(nil)
	upstream.blocking[uri] = true

	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	runManager(t, m)

	download := NewProgressiveAction(uri, nil)
	require.NoError(t, m.Handle(context.Background(), download))

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskStarted
	})

	require.NoError(t, m.Handle(context.Background(), download.RemoveAction()))

	waitFor(t, func() bool { return listener.idleCount() > 0 })

	assert.Contains(t, listener.statuses(uri), TaskCanceled)

	last, _ := listener.last(uri)
	assert.True(t, last.Action.IsRemove)
	assert.Equal(t, TaskCompleted, last.Status)
}

func TestManager_QueuedActionIsReplaced(t *testing.T) {
	m := newTestManager(t, newTestCache(t), newFakeUpstream(nil), 5)

	download := NewProgressiveAction("https://cdn.example.com/a.mp4", nil)
	require.NoError(t, m.Handle(context.Background(), download))
	require.NoError(t, m.Handle(context.Background(), download.RemoveAction()))

	states := m.TaskStates()
	require.Len(t, states, 1)
	assert.True(t, states[0].Action.IsRemove)
}

func TestManager_Release(t *testing.T) {
	m := newTestManager(t, newTestCache(t), newFakeUpstream(nil), 5)

	m.Release()
	m.Release()

	err := m.Handle(context.Background(), NewProgressiveAction("https://a", nil))
	require.ErrorIs(t, err, ErrReleased)
	require.ErrorIs(t, m.Run(context.Background()), ErrReleased)
}

func TestManager_ReleaseKeepsInterruptedTasksPending(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/slow.mp4"
	upstream := newFakeUpstream(nil)
	upstream.blocking[uri] = true

	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil)))

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskStarted
	})

	m.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Release")
	}

	pending, err := NewActionFile(m.ActionFilePath()).Load(DefaultDeserializers())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uri, pending[0].URI)
}

func TestManager_RunResumesAfterCancel(t *testing.T) {
	c := newTestCache(t)
	uri := "https://cdn.example.com/slow.mp4"
	upstream := newFakeUpstream(nil)
	upstream.blocking[uri] = true

	m := newTestManager(t, c, upstream, 5)
	listener := &recordingListener{}
	m.AddListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.Handle(context.Background(), NewProgressiveAction(uri, nil)))

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskStarted
	})

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	last, _ := listener.last(uri)
	require.Equal(t, TaskQueued, last.Status)

	upstream.mu.Lock()
	upstream.blocking[uri] = false
	upstream.content = map[string]string{uri: "resumed"}
	upstream.mu.Unlock()

	runManager(t, m)

	waitFor(t, func() bool {
		s, ok := listener.last(uri)

		return ok && s.Status == TaskCompleted
	})

	assert.Equal(t, "resumed", cachedContent(t, c, uri))
}

func TestManager_Listeners(t *testing.T) {
	m := newTestManager(t, newTestCache(t), newFakeUpstream(nil), 5)

	a, b := &recordingListener{}, &recordingListener{}
	m.AddListener(a)
	m.AddListener(b)
	require.Len(t, m.Listeners(), 2)

	m.RemoveListener(a)
	assert.Equal(t, []Listener{b}, m.Listeners())
}

func TestDefaultRetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), defaultRetryDelay(1))
	assert.Equal(t, 2*time.Second, defaultRetryDelay(3))
	assert.Equal(t, maxRetryDelay, defaultRetryDelay(20))
}

func TestTaskStatus(t *testing.T) {
	assert.Equal(t, "failed", TaskFailed.String())
	assert.True(t, TaskCanceled.IsFinished())
	assert.False(t, TaskStarted.IsFinished())
	assert.False(t, errors.Is(ErrReleased, ErrUnknownAction))
}
