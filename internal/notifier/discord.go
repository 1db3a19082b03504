package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/offline"
)

const notifyTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// DownloadListener posts a message when a download completes or fails.
// Removals and intermediate states are not reported.
type DownloadListener struct {
	ctx      context.Context
	notifier Notifier
}

// NewDownloadListener returns a listener sending through n. ctx carries the
// logger and bounds every notification.
func NewDownloadListener(ctx context.Context, n Notifier) *DownloadListener {
	return &DownloadListener{ctx: ctx, notifier: n}
}

func (l *DownloadListener) OnInitialized(*offline.Manager) {}

func (l *DownloadListener) OnIdle(*offline.Manager) {}

func (l *DownloadListener) OnTaskStateChanged(_ *offline.Manager, state offline.TaskState) {
	if state.Action.IsRemove {
		return
	}

	var content string

	switch state.Status {
	case offline.TaskCompleted:
		content = fmt.Sprintf("Download completed: %s (%s)", state.Action.URI, humanize.Bytes(uint64(state.DownloadedBytes)))
	case offline.TaskFailed:
		content = fmt.Sprintf("Download failed: %s: %v", state.Action.URI, state.Err)
	default:
		return
	}

	// Listener callbacks must not block the manager.
	go l.send(content)
}

func (l *DownloadListener) send(content string) {
	ctx, cancel := context.WithTimeout(l.ctx, notifyTimeout)
	defer cancel()

	if err := l.notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}
