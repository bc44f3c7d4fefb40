package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/kamishibai/pkg/conversation"
	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/session"
)

type Config struct {
	Addr     string
	Sessions *session.Manager
	// SampleRate is the voice input rate assumed when the client sends none.
	SampleRate     int
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server exposes sessions over HTTP and voice turns over a websocket.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	draining atomic.Bool
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics)
	}
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/text", s.text)
			r.Post("/undo", s.undo)
			r.Post("/reset", s.reset)
			r.Get("/voice", s.voice)
		})
	})
	return s.cors(r)
}

// Start serves until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http_server_error", "error", err)
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
	}
	s.logger.Info("http_server_started", "addr", s.cfg.Addr)
	return nil
}

// Stop refuses new requests and closes the listener. Hijacked voice sockets
// are left to finish their turn.
func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type sessionResponse struct {
	ID       string                `json:"id"`
	Snapshot conversation.Snapshot `json:"snapshot"`
}

type undoResponse struct {
	ID       string                `json:"id"`
	Undone   bool                  `json:"undone"`
	Snapshot conversation.Snapshot `json:"snapshot"`
}

type textRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		s.writeError(w, session.ErrDraining)
		return
	}
	sess, snap, err := s.cfg.Sessions.Create(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{ID: sess.ID, Snapshot: snap})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.cfg.Sessions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: sess.Conversation.Snapshot()})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) text(w http.ResponseWriter, r *http.Request) {
	var body textRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		s.logger.Warn("text_request_invalid", "error", err)
		return
	}
	id := chi.URLParam(r, "id")
	var snap conversation.Snapshot
	err := s.cfg.Sessions.WithTurn(r.Context(), id, func(ctx context.Context, sess *session.Session) error {
		var err error
		snap, err = sess.Conversation.HandleText(ctx, body.Text)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: snap})
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var resp undoResponse
	err := s.cfg.Sessions.WithTurn(r.Context(), id, func(ctx context.Context, sess *session.Session) error {
		undone, err := sess.Conversation.Undo(ctx)
		if err != nil {
			return err
		}
		resp = undoResponse{ID: id, Undone: undone, Snapshot: sess.Conversation.Snapshot()}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var snap conversation.Snapshot
	err := s.cfg.Sessions.WithTurn(r.Context(), id, func(ctx context.Context, sess *session.Session) error {
		var err error
		snap, err = sess.Conversation.Reset(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: snap})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrDraining):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrVoiceDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: string(errorsx.Reason(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts any origin when none are configured. Entries are full
// origins or bare hosts.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}
