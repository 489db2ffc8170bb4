// Package share exports a stored session as a self-contained replay
// document and optionally publishes it, with its images, to a share provider.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/storage"
)

var (
	ErrStorageNotConfigured = errors.New("storage not configured")
	ErrSessionNotFound      = errors.New("session not found")
	ErrUploadFailed         = errors.New("upload failed")
	ErrRenderFailure        = errors.New("render failed")
)

// Message is the operator-facing text for err as reported in a Result.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageNotConfigured):
		return "Storage not configured, cannot share session"
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found"
	}
	return err.Error()
}

type Config struct {
	// ProviderURL is the share provider's upload endpoint. Images go to the
	// same URL with "/share" replaced by "/storage".
	ProviderURL string
	// StaticPath is the directory holding the replay UI's index.html.
	StaticPath string
	// Timeout bounds each upload request.
	Timeout time.Duration
}

// ServerInfo is embedded in exported documents.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// SlugGenerator turns a user query into a short human-readable slug.
type SlugGenerator interface {
	GenerateSlug(ctx context.Context, text string) (string, error)
}

// Result is the outcome of ShareSession. Error carries the operator-facing
// message; Err the underlying error for callers that branch on it.
type Result struct {
	Success   bool   `json:"success"`
	URL       string `json:"url,omitempty"`
	HTML      string `json:"html,omitempty"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// ProviderConfig is what clients are told about share publishing.
type ProviderConfig struct {
	HasShareProvider bool   `json:"hasShareProvider"`
	ShareProvider    string `json:"shareProvider,omitempty"`
}

type Service struct {
	cfg       Config
	provider  storage.Provider
	client    *http.Client
	workspace Workspace
	logger    *slog.Logger
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.client = c } }
func WithLogger(l *slog.Logger) Option     { return func(s *Service) { s.logger = l } }
func WithWorkspace(w Workspace) Option     { return func(s *Service) { s.workspace = w } }

// New returns a Service. provider may be nil; sharing then fails with
// ErrStorageNotConfigured.
func New(cfg Config, provider storage.Provider, opts ...Option) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	s := &Service{
		cfg:       cfg,
		provider:  provider,
		workspace: OSWorkspace{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Timeout}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

func (s *Service) Config() ProviderConfig {
	return ProviderConfig{
		HasShareProvider: s.cfg.ProviderURL != "",
		ShareProvider:    s.cfg.ProviderURL,
	}
}

// ShareSession exports a stored session. With upload set and a provider
// configured, images are uploaded, the document is published and Result.URL
// is set; otherwise Result.HTML holds the document. It never returns an
// error: failures are reported in the Result. The export is not cancelled
// when ctx is.
func (s *Service) ShareSession(ctx context.Context, sessionID string, upload bool, gen SlugGenerator, info *ServerInfo) Result {
	ctx = context.WithoutCancel(ctx)
	res, err := s.share(ctx, sessionID, upload, gen, info)
	if err != nil {
		s.logger.Error("share: export failed", "session", sessionID, "err", err)
		return Result{SessionID: sessionID, Error: Message(err), Err: err}
	}
	return res
}

func (s *Service) share(ctx context.Context, sessionID string, upload bool, gen SlugGenerator, info *ServerInfo) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("share %s: panic: %v", sessionID, p)
		}
	}()
	meta, evs, err := s.fetch(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	frames := KeyFrames(evs)

	publish := upload && s.cfg.ProviderURL != ""
	if publish {
		frames = s.rewriteImages(ctx, sessionID, frames, meta.WorkingDirectory)
	}

	doc, err := Render(frames, *meta, s.cfg.StaticPath, info)
	if err != nil {
		return Result{}, err
	}

	if !publish {
		return Result{Success: true, HTML: string(doc), SessionID: sessionID}, nil
	}
	url, err := s.publish(ctx, doc, meta, evs, gen)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("share: published", "session", sessionID, "url", url)
	return Result{Success: true, URL: url, SessionID: sessionID}, nil
}

func (s *Service) fetch(ctx context.Context, sessionID string) (*storage.Metadata, []events.Event, error) {
	if s.provider == nil {
		return nil, nil, ErrStorageNotConfigured
	}
	meta, err := s.provider.GetSessionMetadata(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	evs, err := s.provider.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load events for %s: %w", sessionID, err)
	}
	return meta, evs, nil
}

// KeyFrames drops transient streaming deltas, keeping everything else in
// order.
func KeyFrames(evs []events.Event) []events.Event {
	out := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.Type.Transient() {
			continue
		}
		out = append(out, ev)
	}
	return out
}
