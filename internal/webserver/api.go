package webserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/session"
	"github.com/zsprackett/agent-relay/internal/share"
	"github.com/zsprackett/agent-relay/internal/storage"
)

type sessionView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	WorkingDirectory string    `json:"workingDirectory"`
	Tags             []string  `json:"tags,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt,omitzero"`
	Active           bool      `json:"active"`
	Running          bool      `json:"running"`
	Events           int       `json:"events,omitempty"`
	Observers        int       `json:"observers"`
}

func (s *Server) liveView(sess *session.Session) sessionView {
	return sessionView{
		ID:               sess.ID,
		Name:             sess.Name,
		WorkingDirectory: sess.WorkDir,
		Tags:             sess.Tags,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.LastActive().UTC(),
		Active:           true,
		Running:          sess.Running(),
		Events:           sess.Stream().Len(),
		Observers:        s.hub.Observers(sess.ID),
	}
}

func (s *Server) storedView(meta storage.Metadata) sessionView {
	return sessionView{
		ID:               meta.ID,
		Name:             meta.Name,
		WorkingDirectory: meta.WorkingDirectory,
		Tags:             meta.Tags,
		CreatedAt:        meta.CreatedAt,
		UpdatedAt:        meta.UpdatedAt,
		Observers:        s.hub.Observers(meta.ID),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.opts.Info.Version,
		"sessions": len(s.registry.List()),
	})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeJSON(w, http.StatusOK, map[string]string{"type": storage.KindNone.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"type": s.provider.Kind().String(),
		"path": s.provider.Location(),
	})
}

// handleListSessions merges live sessions with persisted ones, most recently
// active first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := make(map[string]sessionView)
	if s.provider != nil {
		stored, err := s.provider.ListSessions(r.Context())
		if err != nil {
			s.logger.Warn("webserver: list stored sessions", "err", err)
		}
		for _, meta := range stored {
			views[meta.ID] = s.storedView(meta)
		}
	}
	for _, sess := range s.registry.List() {
		views[sess.ID] = s.liveView(sess)
	}
	out := make([]sessionView, 0, len(views))
	for _, v := range views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type createRequest struct {
	ID      string   `json:"id"`
	WorkDir string   `json:"workingDirectory"`
	Isolate bool     `json:"isolate"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Query   string   `json:"query"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.registry.Create(r.Context(), session.Config{
		ID:      req.ID,
		WorkDir: req.WorkDir,
		Isolate: req.Isolate,
		Name:    req.Name,
		Tags:    req.Tags,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if req.Query != "" {
		if err := s.startRun(sess, req.Query); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.liveView(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, ok := s.registry.Get(id); ok {
		writeJSON(w, http.StatusOK, s.liveView(sess))
		return
	}
	if s.provider != nil {
		meta, err := s.provider.GetSessionMetadata(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, s.storedView(*meta))
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, "session not found")
}

// handleDeleteSession stops a live session and removes its persisted data.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found := false
	if err := s.registry.Stop(r.Context(), id); err == nil {
		found = true
	} else if !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("webserver: stop session", "session", id, "err", err)
		found = true
	}
	if s.provider != nil {
		err := s.provider.DeleteSession(r.Context(), id)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var evs []events.Event
	if sess, ok := s.registry.Get(id); ok {
		evs = sess.Stream().Events()
	} else if s.provider != nil {
		stored, err := s.provider.GetSessionEvents(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		evs = stored
	} else {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	sess, err := s.sessionFor(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.startRun(sess, body.Query); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": sess.Abort()})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Upload bool `json:"upload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info := s.opts.Info
	res := s.opts.Share.ShareSession(r.Context(), id, body.Upload, s.slugGenerator(id), &info)
	status := http.StatusOK
	switch {
	case res.Success:
	case errors.Is(res.Err, share.ErrSessionNotFound):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) handleShareConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Share.Config())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	auth := s.opts.Config.Auth
	if !auth.Enabled() {
		writeError(w, http.StatusNotFound, "authentication is not enabled")
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Username != auth.Username ||
		bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(body.Password)) != nil {
		s.logger.Warn("webserver: login failed", "username", body.Username, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	ttl := config.Duration(auth.TokenTTL, 24*time.Hour)
	token, err := IssueAccessToken(auth.JWTSecret, body.Username, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}
