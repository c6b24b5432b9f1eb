package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/config"
	"github.com/puretext/puretext/internal/metrics"
)

const defaultMaxBodyBytes = 1 << 20

// Pipeline is the slice of the runner the HTTP layer needs.
type Pipeline interface {
	Submit(ctx context.Context, content string) (string, error)
	SubmitAnalysis(ctx context.Context, content string) (string, error)
	StartCheck(ctx context.Context, jobID string) error
}

// Server wires HTTP handlers to the pipeline and job store.
type Server struct {
	router   chi.Router
	store    check.Store
	pipeline Pipeline
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store check.Store, pipeline Pipeline, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		pipeline: pipeline,
		logger:   logger,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/checks", s.submitCheck)
		r.Post("/analyses", s.submitAnalysis)
		r.Route("/checks/{job_id}", func(r chi.Router) {
			r.Get("/", s.getStatus)
			r.Get("/result", s.getResult)
			r.Post("/run", s.startCheck)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a probe read proves it
	// answers. ErrNotFound is the healthy outcome.
	if _, err := s.store.Get(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, check.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Text string `json:"text"`
}

func (s *Server) submitCheck(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.pipeline.Submit)
}

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.pipeline.SubmitAnalysis)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, start func(context.Context, string) (string, error)) {
	maxBody := s.cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	jobID, err := start(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, check.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "service is at capacity, try again later")
			return
		}
		s.logger.Error("submit job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": jobID})
}

func (s *Server) startCheck(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.pipeline.StartCheck(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, check.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, check.ErrIllegalTransition):
			writeError(w, http.StatusConflict, "job is not ready for a check run")
		case errors.Is(err, check.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "service is at capacity, try again later")
		default:
			s.logger.Error("start check", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start check")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": jobID, "status": check.StatusProcessing})
}

// statusResponse is the polling view of a job. The submitted text and
// acquired source bodies stay server-side.
type statusResponse struct {
	JobID      string       `json:"job_id"`
	Status     check.Status `json:"status"`
	Progress   int          `json:"progress"`
	Phrases    []string     `json:"phrases,omitempty"`
	Sources    []sourceView `json:"sources,omitempty"`
	Error      string       `json:"error,omitempty"`
	ArchiveURI string       `json:"archive_uri,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type sourceView struct {
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		JobID:      job.ID,
		Status:     job.Status,
		Progress:   job.Progress,
		Phrases:    job.Phrases,
		Error:      job.ErrorText,
		ArchiveURI: job.ArchiveURI,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	for _, src := range job.Sources {
		resp.Sources = append(resp.Sources, sourceView{URL: src.URL, Title: src.Title, Relevance: src.Relevance})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != check.StatusCompleted || job.Result == nil {
		writeError(w, http.StatusBadRequest, check.ErrNotCompleted.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"result": job.Result,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (check.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, check.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			s.logger.Error("load job", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load job")
		}
		return check.Job{}, false
	}
	return job, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

// RequestID returns the request ID the middleware stored, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode failures here mean the client went away mid-write.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
