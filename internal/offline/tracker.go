package offline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

// ActionHandler accepts actions for execution. *Manager implements it.
type ActionHandler interface {
	Handle(ctx context.Context, action Action) error
}

// TrackerListener is told when the set of tracked media changes.
type TrackerListener interface {
	OnDownloadsChanged()
}

// Tracker remembers which media the user asked to keep offline. A media is
// tracked from the moment its download is requested until it is removed or
// its download fails. Tracked actions are kept in their own action file.
type Tracker struct {
	factory    datasource.Factory
	handler    ActionHandler
	actionFile *ActionFile
	logger     *slog.Logger

	mu      sync.RWMutex
	tracked map[string]Action

	storeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []TrackerListener
}

// NewTracker loads the tracked actions from actionFile. An action no
// deserializer understands fails the construction.
func NewTracker(
	ctx context.Context,
	factory datasource.Factory,
	actionFile string,
	handler ActionHandler,
	deserializers []Deserializer,
) (*Tracker, error) {
	if factory == nil || handler == nil {
		return nil, fmt.Errorf("download tracker needs a data source factory and an action handler")
	}

	t := &Tracker{
		factory:    factory,
		handler:    handler,
		actionFile: NewActionFile(actionFile),
		logger:     logctx.LoggerFromContext(ctx),
		tracked:    map[string]Action{},
	}

	actions, err := t.actionFile.Load(deserializers)
	if err != nil {
		return nil, err
	}

	for _, a := range actions {
		if !a.IsRemove {
			t.tracked[a.URI] = a
		}
	}

	if err := t.persist(); err != nil {
		return nil, err
	}

	t.logger.Info("download tracker loaded", "action_file", actionFile, "tracked", len(t.tracked))

	return t, nil
}

func (t *Tracker) ActionFilePath() string { return t.actionFile.Path() }

func (t *Tracker) AddListener(l TrackerListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()

	t.listeners = append(t.listeners, l)
}

func (t *Tracker) RemoveListener(l TrackerListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()

	for i, existing := range t.listeners {
		if existing == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)

			return
		}
	}
}

func (t *Tracker) notifyChanged() {
	t.listenersMu.RLock()
	listeners := append([]TrackerListener(nil), t.listeners...)
	t.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnDownloadsChanged()
	}
}

// IsDownloaded reports whether uri is tracked.
func (t *Tracker) IsDownloaded(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.tracked[uri]

	return ok
}

// Action returns the tracked download action for uri.
func (t *Tracker) Action(uri string) (Action, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.tracked[uri]

	return a, ok
}

// DownloadedURIs returns the tracked media URIs in sorted order.
func (t *Tracker) DownloadedURIs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	uris := make([]string, 0, len(t.tracked))
	for uri := range t.tracked {
		uris = append(uris, uri)
	}

	slices.Sort(uris)

	return uris
}

// ToggleDownload removes tracked media and downloads untracked media. It
// returns true when a download was requested.
func (t *Tracker) ToggleDownload(ctx context.Context, action Action) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	if tracked, ok := t.Action(action.URI); ok {
		logger.Info("removing offline media", "uri", action.URI)

		if err := t.handler.Handle(ctx, tracked.RemoveAction()); err != nil {
			return false, fmt.Errorf("failed to request removal: %w", err)
		}

		return false, nil
	}

	action.IsRemove = false

	if !t.track(action) {
		return false, nil
	}

	logger.Info("downloading media for offline use", "uri", action.URI, "type", action.Type)

	if err := t.handler.Handle(ctx, action); err != nil {
		t.untrack(action.URI)

		return false, fmt.Errorf("failed to request download: %w", err)
	}

	return true, nil
}

// OpenDownloaded reads a resource of tracked media through the tracker's
// factory, falling back upstream for anything that is not cached. uri must be
// a tracked media URI or one of its resources; anything else fails with
// ErrNotTracked.
func (t *Tracker) OpenDownloaded(ctx context.Context, uri string) (io.ReadCloser, error) {
	spec := datasource.NewDataSpec(uri)

	a, ok := t.Action(uri)
	if !ok && !t.tracksResource(uri) {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, uri)
	}

	if ok && len(a.Segments) == 0 {
		spec.Key = a.CustomCacheKey
	}

	return t.factory.CreateDataSource().Open(ctx, spec)
}

func (t *Tracker) tracksResource(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, a := range t.tracked {
		if slices.Contains(a.Segments, uri) {
			return true
		}
	}

	return false
}

func (t *Tracker) OnInitialized(*Manager) {}

func (t *Tracker) OnIdle(*Manager) {}

func (t *Tracker) OnTaskStateChanged(_ *Manager, state TaskState) {
	a := state.Action

	switch {
	case a.IsRemove && state.Status == TaskCompleted:
		t.untrack(a.URI)
	case !a.IsRemove && state.Status == TaskFailed:
		t.untrack(a.URI)
	case !a.IsRemove && state.Status == TaskCompleted:
		t.track(a)
	}
}

// track stores a, replacing a tracked action of the same media only when a
// lists different resources, as after segments were resolved at download time.
func (t *Tracker) track(a Action) bool {
	t.mu.Lock()
	if existing, ok := t.tracked[a.URI]; ok && existing.IsSameMedia(a) &&
		slices.Equal(existing.Keys(), a.Keys()) {
		t.mu.Unlock()

		return false
	}

	t.tracked[a.URI] = a
	t.mu.Unlock()

	t.changed()

	return true
}

func (t *Tracker) untrack(uri string) {
	t.mu.Lock()
	if _, ok := t.tracked[uri]; !ok {
		t.mu.Unlock()

		return
	}

	delete(t.tracked, uri)
	t.mu.Unlock()

	t.changed()
}

func (t *Tracker) changed() {
	if err := t.persist(); err != nil {
		t.logger.Error("failed to persist tracked downloads", "err", err)
	}

	t.notifyChanged()
}

func (t *Tracker) persist() error {
	t.storeMu.Lock()
	defer t.storeMu.Unlock()

	t.mu.RLock()
	uris := make([]string, 0, len(t.tracked))
	for uri := range t.tracked {
		uris = append(uris, uri)
	}

	slices.Sort(uris)

	actions := make([]Action, 0, len(uris))
	for _, uri := range uris {
		actions = append(actions, t.tracked[uri])
	}
	t.mu.RUnlock()

	if err := t.actionFile.Store(actions); err != nil {
		return fmt.Errorf("failed to persist tracked actions: %w", err)
	}

	return nil
}
