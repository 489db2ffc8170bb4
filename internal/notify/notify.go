package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsprackett/agent-relay/internal/config"
)

// RunFinished describes a session whose agent run just ended.
type RunFinished struct {
	SessionID string
	Name      string
	Status    string
}

// Notifier POSTs to a webhook and/or an ntfy topic when a session is waiting
// for input.
type Notifier struct {
	cfg    config.NotificationsConfig
	client *http.Client
	logger *slog.Logger
}

// New returns a Notifier with the given config.
func New(cfg config.NotificationsConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// RunFinished notifies in the background so the session is never held up by
// a slow endpoint.
func (n *Notifier) RunFinished(sessionID, name, status string) {
	if !n.cfg.Enabled {
		return
	}
	go n.Notify(RunFinished{SessionID: sessionID, Name: name, Status: status})
}

// Notify sends every configured notification for ev and waits for them.
func (n *Notifier) Notify(ev RunFinished) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(ev)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(ev)
	}
}

type webhookPayload struct {
	Session   string `json:"session"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(ev RunFinished) {
	payload := webhookPayload{
		Session:   ev.SessionID,
		Name:      ev.Name,
		Status:    ev.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.post("webhook", n.cfg.Webhook, data)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(ev RunFinished) {
	payload := ntfyPayload{
		Title:    fmt.Sprintf("%s is waiting", ev.Name),
		Message:  fmt.Sprintf("run %s · %s", ev.Status, ev.SessionID),
		Priority: 4,
		Tags:     []string{"robot"},
	}
	if ev.Status == "error" {
		payload.Tags = []string{"rotating_light"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.post("ntfy", n.cfg.NtfyURL, data)
}

func (n *Notifier) post(target, url string, data []byte) {
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: "+target+" failed", "url", url, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notify: "+target+" rejected", "url", url, "status", resp.StatusCode)
	}
}
