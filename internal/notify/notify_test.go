package notify_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNtfyNotification(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/test-topic", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.New(config.NotificationsConfig{
		Enabled: true,
		NtfyURL: srv.URL + "/test-topic",
	}, discardLogger())
	n.Notify(notify.RunFinished{SessionID: "1", Name: "swift-fox", Status: "completed"})

	require.NotNil(t, received, "no POST received")
	assert.Equal(t, "swift-fox is waiting", received["title"])
}

func TestWebhookPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	n := notify.New(config.NotificationsConfig{Enabled: true, Webhook: srv.URL}, discardLogger())
	n.Notify(notify.RunFinished{SessionID: "abc", Name: "calm-owl", Status: "error"})

	assert.Equal(t, "abc", received["session"])
	assert.Equal(t, "error", received["status"])
}

func TestNotify_Disabled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := notify.New(config.NotificationsConfig{Webhook: srv.URL}, discardLogger())
	n.Notify(notify.RunFinished{SessionID: "1"})
	assert.Zero(t, calls.Load(), "disabled notifier sent a request")
}

func TestNotify_WebhookErrorLogged(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Nothing listens on port 1.
	n := notify.New(config.NotificationsConfig{Enabled: true, Webhook: "http://127.0.0.1:1"}, logger)
	n.Notify(notify.RunFinished{SessionID: "1", Name: "test"})

	assert.Contains(t, buf.String(), "webhook")
}
