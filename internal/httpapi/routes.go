package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"layersync/server/internal/auth"
	"layersync/server/internal/config"
	"layersync/server/internal/notify"
	"layersync/server/internal/session"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

// Options configure the administrative API. Tokens and Events may be nil,
// which disables token issuing and the event stream.
type Options struct {
	Tokens *auth.Tokens
	Events *notify.Bus
	// IsOperator reports whether an authenticated account may manage
	// sessions and receives operator tokens.
	IsOperator func(subject string) bool
}

type Server struct {
	registry *session.Registry
	opts     Options
}

func NewServer(registry *session.Registry, opts Options) *Server {
	if opts.IsOperator == nil {
		opts.IsOperator = func(string) bool { return false }
	}
	return &Server{registry: registry, opts: opts}
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", handleHealthz)
	router.HandleFunc("/auth/token", s.handleToken)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.requireOperator(s.handleCreateSession)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.requireOperator(s.handleConfigureSession)).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{id}", s.requireOperator(s.handleTerminateSession)).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/reset", s.requireOperator(s.handleResetSession)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/users/{user:[0-9]+}/kick", s.requireOperator(s.handleKickUser)).Methods(http.MethodPost)
	api.HandleFunc("/events", s.requireOperator(s.handleEvents)).Methods(http.MethodGet)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})
	api.MethodNotAllowedHandler = router.MethodNotAllowedHandler
}

func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		if !s.opts.IsOperator(user.Subject) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "operator access required"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.opts.Tokens == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "token login is not configured"})
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}
	operator := s.opts.IsOperator(user.Subject)
	token, err := s.opts.Tokens.Issue(user.Subject, user.Name, operator)
	if err != nil {
		log.Printf("token issue error sub=%s: %v", user.Subject, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"token":    token,
		"name":     user.Name,
		"operator": operator,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{"sessions": s.registry.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

type createRequest struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Persist    bool   `json:"persist"`
	Width      int32  `json:"width"`
	Height     int32  `json:"height"`
	Background string `json:"background"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createRequest
	if err := decodeJSON(r, &payload); err != nil {
		log.Printf("session create decode error: %v", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := s.registry.Defaults()
	if payload.Width != 0 || payload.Height != 0 {
		if payload.Width <= 0 || payload.Height <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "width and height must be positive"})
			return
		}
		cfg.Width, cfg.Height = payload.Width, payload.Height
	}
	if payload.Background != "" {
		bg, err := config.ParseColor(payload.Background)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg.Background = bg
	}
	sess, err := s.registry.Create(r.Context(), session.CreateOptions{
		ID:      payload.ID,
		Title:   payload.Title,
		Persist: payload.Persist,
		Config:  &cfg,
	})
	if err != nil {
		log.Printf("session create error id=%s: %v", payload.ID, err)
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

type resetRequest struct {
	Blank      bool   `json:"blank"`
	Width      int32  `json:"width"`
	Height     int32  `json:"height"`
	Background string `json:"background"`
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.registry.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	var payload resetRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &payload); err != nil {
			log.Printf("session reset decode error id=%s: %v", id, err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if payload.Width < 0 || payload.Height < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "width and height must not be negative"})
		return
	}
	opts := session.ResetOptions{Blank: payload.Blank, Width: payload.Width, Height: payload.Height}
	if payload.Background != "" {
		bg, err := config.ParseColor(payload.Background)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Background = bg
	}
	snap, err := sess.Reset(r.Context(), opts)
	if err != nil {
		log.Printf("session reset error id=%s: %v", id, err)
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"seq":     snap.At,
		"session": sess.Info(),
	})
}

func (s *Server) handleConfigureSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.registry.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	var settings session.Settings
	if err := decodeJSON(r, &settings); err != nil {
		log.Printf("session configure decode error id=%s: %v", id, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.Configure(r.Context(), settings); err != nil {
		log.Printf("session configure error id=%s: %v", id, err)
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleKickUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user, err := strconv.ParseUint(vars["user"], 10, 8)
	if err != nil || user == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return
	}
	sess, err := s.registry.Get(vars["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	operator, _ := auth.UserFromContext(r.Context())
	if err := sess.Kick(r.Context(), uint8(user), operator.Subject); err != nil {
		log.Printf("session kick error id=%s user=%d: %v", vars["id"], user, err)
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Terminate(r.Context(), id); err != nil {
		log.Printf("session terminate error id=%s: %v", id, err)
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams session lifecycle events as server-sent events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event stream is not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}
	events, cancel := s.opts.Events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("event encode error type=%s: %v", ev.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoUser):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, session.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
