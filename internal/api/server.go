// Package api provides the HTTP management surface: session CRUD, teacher
// login, slide control, summary reads, and the realtime WebSocket mount.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/codedeck/codedeck/internal/auth"
	"github.com/codedeck/codedeck/internal/config"
	"github.com/codedeck/codedeck/internal/engine"
	"github.com/codedeck/codedeck/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        *store.Store
	engine       *engine.Engine
	auth         *auth.Service
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s *store.Store, eng *engine.Engine, authSvc *auth.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		engine:       eng,
		auth:         authSvc,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Realtime endpoint. Join auth happens inside the protocol.
	mux.Get("/ws", eng.HandleWS)

	// Login only matters when teacher accounts are configured.
	if !authSvc.Open() {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	srv.rl = newRateLimiter(20, 40)
	guard := authSvc.Middleware(writeError)

	mux.Route("/api/sessions", func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))

		// Students hit the join pre-check without credentials.
		r.Post("/{code}/join", srv.handleJoinCheck)

		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Post("/", srv.handleCreateSession)
			r.Get("/", srv.handleListSessions)
			r.Get("/{code}", srv.handleGetSession)
			r.Put("/{code}", srv.handleUpdateSession)
			r.Delete("/{code}", srv.handleDeleteSession)
			r.Put("/{code}/end", srv.handleEndSession)
			r.Put("/{code}/slide/{index}", srv.handleSetSlide)
			r.Get("/{code}/summaries", srv.handleListSummaries)
			r.Get("/{code}/students/{name}/summaries", srv.handleStudentSummary)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 15*time.Minute)
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 15*time.Minute)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

// sessionRequest is the mutable subset of a session document accepted on
// create and update.
type sessionRequest struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Language       string         `json:"language"`
	InitialCode    string         `json:"initialCode"`
	Slides         []sessionSlide `json:"slides"`
	SlidesWithCode []int          `json:"slidesWithCode"`
}

type sessionSlide struct {
	Prompt        string `json:"prompt"`
	HasCodingTask bool   `json:"hasCodingTask"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Language == "" {
		req.Language = "python"
	}
	if req.Language != "python" && req.Language != "javascript" {
		writeError(w, http.StatusBadRequest, "language must be python or javascript")
		return
	}

	code, err := s.store.NewCode()
	if err != nil {
		s.logger.Error("session code allocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not allocate session code")
		return
	}

	now := time.Now()
	doc := &store.Session{
		Code:           code,
		Title:          req.Title,
		Description:    req.Description,
		Language:       req.Language,
		InitialCode:    req.InitialCode,
		CurrentCode:    req.InitialCode,
		Slides:         toSlides(req.Slides),
		SlidesWithCode: req.SlidesWithCode,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
		Students:       make(map[string]*store.Student),
	}
	if err := s.store.Create(r.Context(), doc); err != nil {
		// Losing the allocation race surfaces as a 409; the client retries.
		s.reportStoreError(w, err)
		return
	}

	s.logger.Info("session created", "code", code, "title", req.Title)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "sessionCode": code})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	codes := s.store.Codes()
	out := make([]map[string]any, 0, len(codes))
	for _, code := range codes {
		doc, err := s.store.Get(r.Context(), code)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"code":      doc.Code,
			"title":     doc.Title,
			"language":  doc.Language,
			"active":    doc.Active,
			"students":  len(doc.Students),
			"createdAt": doc.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.reportStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": doc})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc, err := s.store.Update(r.Context(), chi.URLParam(r, "code"), func(doc *store.Session) error {
		doc.Title = req.Title
		doc.Description = req.Description
		if req.Language != "" {
			doc.Language = req.Language
		}
		doc.InitialCode = req.InitialCode
		doc.Slides = toSlides(req.Slides)
		doc.SlidesWithCode = req.SlidesWithCode
		if doc.CurrentSlide >= len(doc.Slides) {
			doc.CurrentSlide = 0
		}
		doc.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		s.reportStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": doc})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	// End first so the summary loop stops and attached endpoints see the
	// session go inactive before the document disappears.
	if err := s.engine.EndSession(r.Context(), code); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.reportStoreError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), code); err != nil {
		s.reportStoreError(w, err)
		return
	}
	s.logger.Info("session deleted", "code", code)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := s.engine.EndSession(r.Context(), code); err != nil {
		s.reportStoreError(w, err)
		return
	}
	s.logger.Info("session ended", "code", code)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleJoinCheck is the pre-join probe clients call before opening the
// realtime connection. It confirms the code names a live session.
func (s *Server) handleJoinCheck(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !store.CodePattern.MatchString(code) {
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}
	doc, err := s.store.Get(r.Context(), code)
	if err != nil {
		s.reportStoreError(w, err)
		return
	}
	if !doc.Active {
		writeError(w, http.StatusGone, "session has ended")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"title":    doc.Title,
		"language": doc.Language,
	})
}

func (s *Server) handleSetSlide(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slide index")
		return
	}
	if err := s.engine.SetSlide(r.Context(), chi.URLParam(r, "code"), index); err != nil {
		if errors.Is(err, engine.ErrSlideOutOfRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reportStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "currentSlide": index})
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.reportStoreError(w, err)
		return
	}
	summaries := make(map[string]*store.Summary, len(doc.Students))
	for name, st := range doc.Students {
		if st.Summary != nil {
			summaries[name] = st.Summary
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summaries": summaries})
}

func (s *Server) handleStudentSummary(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.reportStoreError(w, err)
		return
	}
	st, ok := doc.Students[chi.URLParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, "student not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": st.Summary,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": len(s.store.Codes()),
	})
}

func (s *Server) reportStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "session code already in use")
		return
	}
	s.logger.Error("store operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func toSlides(in []sessionSlide) []store.Slide {
	out := make([]store.Slide, len(in))
	for i, sl := range in {
		out[i] = store.Slide{Prompt: sl.Prompt, HasCodingTask: sl.HasCodingTask}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
