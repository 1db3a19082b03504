package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/media"
	"github.com/italolelis/offline_downloader/internal/offline"
)

const maxRequestSize = 1 << 20

// DownloadTracker is the part of offline.Tracker the handler drives.
type DownloadTracker interface {
	ToggleDownload(ctx context.Context, action offline.Action) (bool, error)
	DownloadedURIs() []string
	Action(uri string) (offline.Action, bool)
	OpenDownloaded(ctx context.Context, uri string) (io.ReadCloser, error)
}

type TaskLister interface {
	TaskStates() []offline.TaskState
}

type MediaProber interface {
	Probe(ctx context.Context, key string) (media.Info, error)
}

type ToggleRequest struct {
	Type           string   `json:"type"`
	URI            string   `json:"uri"`
	Segments       []string `json:"segments,omitempty"`
	CustomCacheKey string   `json:"custom_cache_key,omitempty"`
	Data           []byte   `json:"data,omitempty"`
}

type ToggleResponse struct {
	URI         string `json:"uri"`
	Downloading bool   `json:"downloading"`
}

type Task struct {
	ID              int    `json:"id"`
	Type            string `json:"type"`
	URI             string `json:"uri"`
	Remove          bool   `json:"remove"`
	Status          string `json:"status"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	Segments        int    `json:"segments"`
}

type Download struct {
	Type   string      `json:"type"`
	URI    string      `json:"uri"`
	Status string      `json:"status"`
	Task   *Task       `json:"task,omitempty"`
	Media  *media.Info `json:"media,omitempty"`
}

type ListResponse struct {
	Downloads []Download `json:"downloads"`
	Tasks     []Task     `json:"tasks"`
}

// DownloadsHandler exposes the tracker and manager over HTTP.
type DownloadsHandler struct {
	username      string
	password      string
	tracker       DownloadTracker
	tasks         TaskLister
	prober        MediaProber
	deserializers []offline.Deserializer
}

// NewDownloadsHandler builds the handler. Requests need basic auth when
// username is set. Only actions one of deserializers can read back from an
// action file are accepted.
func NewDownloadsHandler(username, password string, tracker DownloadTracker, tasks TaskLister,
	prober MediaProber, deserializers []offline.Deserializer,
) *DownloadsHandler {
	return &DownloadsHandler{
		username:      username,
		password:      password,
		tracker:       tracker,
		tasks:         tasks,
		prober:        prober,
		deserializers: deserializers,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleToggle)
	r.Get("/downloads/status", h.HandleStatus)
	r.Get("/downloads/content", h.HandleContent)

	return r
}

// HandleList returns every tracked media and the manager's pending tasks.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks := h.taskList()

	resp := ListResponse{Downloads: []Download{}, Tasks: tasks}

	for _, uri := range h.tracker.DownloadedURIs() {
		if d, ok := h.download(r.Context(), uri, tasks, false); ok {
			resp.Downloads = append(resp.Downloads, d)
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleToggle downloads untracked media and removes tracked media.
func (h *DownloadsHandler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req ToggleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	action := offline.Action{
		Type:           req.Type,
		URI:            req.URI,
		Data:           req.Data,
		Segments:       req.Segments,
		CustomCacheKey: req.CustomCacheKey,
	}

	if err := offline.ValidateAction(action, h.deserializers); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	downloading, err := h.tracker.ToggleDownload(r.Context(), action)
	if err != nil {
		logger.Error("failed to toggle download", "uri", req.URI, "err", err)

		status := http.StatusInternalServerError
		if errors.Is(err, offline.ErrReleased) {
			status = http.StatusServiceUnavailable
		}

		http.Error(w, "failed to toggle download", status)

		return
	}

	writeJSON(w, r, http.StatusAccepted, ToggleResponse{URI: req.URI, Downloading: downloading})
}

// HandleStatus describes one tracked media, with mp4 metadata once a
// progressive download is cached.
func (h *DownloadsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)

		return
	}

	d, ok := h.download(r.Context(), uri, h.taskList(), true)
	if !ok {
		http.Error(w, "media is not tracked", http.StatusNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, d)
}

// HandleContent streams a resource of tracked media from the cache. Untracked
// URIs are never opened.
func (h *DownloadsHandler) HandleContent(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)

		return
	}

	rc, err := h.tracker.OpenDownloaded(r.Context(), uri)
	if err != nil {
		if errors.Is(err, offline.ErrNotTracked) {
			http.Error(w, "media is not tracked", http.StatusNotFound)

			return
		}

		logger.Error("failed to open content", "uri", uri, "err", err)

		var httpErr *datasource.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			http.Error(w, "content not found", http.StatusNotFound)

			return
		}

		http.Error(w, "failed to open content", http.StatusBadGateway)

		return
	}

	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")

	if _, err := io.Copy(w, rc); err != nil {
		logger.Error("failed to stream content", "uri", uri, "err", err)
	}
}

func (h *DownloadsHandler) taskList() []Task {
	states := h.tasks.TaskStates()

	tasks := make([]Task, 0, len(states))
	for _, s := range states {
		tasks = append(tasks, Task{
			ID:              s.TaskID,
			Type:            s.Action.Type,
			URI:             s.Action.URI,
			Remove:          s.Action.IsRemove,
			Status:          s.Status.String(),
			DownloadedBytes: s.DownloadedBytes,
			Segments:        len(s.Action.Segments),
		})
	}

	return tasks
}

func (h *DownloadsHandler) download(ctx context.Context, uri string, tasks []Task, probe bool) (Download, bool) {
	a, ok := h.tracker.Action(uri)
	if !ok {
		return Download{}, false
	}

	d := Download{Type: a.Type, URI: a.URI, Status: "downloaded"}

	for i := range tasks {
		if tasks[i].URI == uri && tasks[i].Type == a.Type {
			d.Task = &tasks[i]
			d.Status = "downloading"
		}
	}

	if probe && d.Task == nil && len(a.Segments) == 0 && h.prober != nil {
		info, err := h.prober.Probe(ctx, a.Keys()[0])
		if err != nil {
			logctx.LoggerFromContext(ctx).Debug("no media info", "uri", uri, "err", err)
		} else {
			d.Media = &info
		}
	}

	return d, true
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
