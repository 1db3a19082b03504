package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/offline"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "status 429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "webhook URL is not set")
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, content)

	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.messages...)
}

func TestDownloadListener(t *testing.T) {
	n := &recordingNotifier{}
	l := NewDownloadListener(context.Background(), n)

	download := offline.NewProgressiveAction("https://example.com/a.mp4", nil)

	l.OnTaskStateChanged(nil, offline.TaskState{Action: download, Status: offline.TaskQueued})
	l.OnTaskStateChanged(nil, offline.TaskState{Action: download, Status: offline.TaskStarted})
	l.OnTaskStateChanged(nil, offline.TaskState{Action: download.RemoveAction(), Status: offline.TaskCompleted})
	l.OnTaskStateChanged(nil, offline.TaskState{Action: download, Status: offline.TaskCompleted, DownloadedBytes: 2048})

	require.Eventually(t, func() bool { return len(n.sent()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Download completed: https://example.com/a.mp4 (2.0 kB)", n.sent()[0])

	l.OnTaskStateChanged(nil, offline.TaskState{Action: download, Status: offline.TaskFailed, Err: errors.New("boom")})

	require.Eventually(t, func() bool { return len(n.sent()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Download failed: https://example.com/a.mp4: boom", n.sent()[1])
}
