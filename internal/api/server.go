// Package api exposes the training engine over HTTP.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/p-n-ai/pai-training/internal/notify"
	"github.com/p-n-ai/pai-training/internal/training"
)

const maxBodyBytes = 1 << 20

var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)

// Config holds dependencies for the API server.
type Config struct {
	Engine *training.Engine
	Hub    *notify.Hub // optional; without it /v1/events is not served
}

// Server holds the HTTP handlers.
type Server struct {
	engine   *training.Engine
	hub      *notify.Hub
	validate *validator.Validate
}

// New creates an API server.
func New(cfg Config) *Server {
	return &Server{
		engine:   cfg.Engine,
		hub:      cfg.Hub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/courses", s.handleCreateCourse)
	mux.HandleFunc("GET /v1/courses", s.handleListCourses)
	mux.HandleFunc("GET /v1/courses/{id}", s.handleGetCourse)
	mux.HandleFunc("DELETE /v1/courses/{id}", s.handleDeleteCourse)

	mux.HandleFunc("GET /v1/courses/{id}/content", s.handleListContent)
	mux.HandleFunc("POST /v1/courses/{id}/content", s.handleAddContent)
	mux.HandleFunc("DELETE /v1/courses/{id}/content/{type}/{contentID}", s.handleRemoveContent)

	mux.HandleFunc("PUT /v1/courses/{id}/assignments", s.handleReconcile)

	mux.HandleFunc("GET /v1/users/{userID}/courses/{id}/progress", s.handleUserProgress)
	mux.HandleFunc("GET /v1/courses/{id}/progress", s.handleCourseProgress)
	mux.HandleFunc("GET /v1/courses/{id}/progress.xlsx", s.handleCourseReport)
	mux.HandleFunc("POST /v1/progress", s.handleRecordProgress)

	mux.HandleFunc("POST /v1/quizzes", s.handleAttachQuiz)
	mux.HandleFunc("GET /v1/quizzes/orphans", s.handleOrphanQuizzes)
	mux.HandleFunc("POST /v1/quizzes/stats", s.handleRecomputeStats)
	mux.HandleFunc("GET /v1/quizzes/{id}", s.handleGetQuiz)
	mux.HandleFunc("POST /v1/quizzes/{id}/questions", s.handleAddQuestion)
	mux.HandleFunc("POST /v1/quizzes/{id}/attempts/start", s.handleStartAttempt)
	mux.HandleFunc("POST /v1/quizzes/{id}/attempts", s.handleSubmitAttempt)
	mux.HandleFunc("GET /v1/users/{userID}/quizzes/{id}/attempts/latest", s.handleLatestAttempt)
	mux.HandleFunc("DELETE /v1/questions/{id}", s.handleDeleteQuestion)

	if s.hub != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}
}

// Handler returns the API routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return WithRequestID(mux)
}

type ctxKey int

const requestIDKey ctxKey = 0

// WithRequestID tags each request with an ID, echoed in X-Request-ID, and
// logs the request once it completes.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(withRequestID(r.Context(), id)))

		slog.Info("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade on /v1/events.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps engine errors to status codes. Unexpected errors are
// logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBodyTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, err.Error()
	case errors.As(err, &verrs):
		status, msg = http.StatusBadRequest, describeValidation(verrs)
	case training.IsValidation(err):
		status, msg = http.StatusBadRequest, err.Error()
	case training.IsNotFound(err):
		status, msg = http.StatusNotFound, err.Error()
	case training.IsConflict(err):
		status, msg = http.StatusConflict, err.Error()
	default:
		slog.Error("request failed",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: requestID(r.Context())})
}

func describeValidation(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// statusRecorder hides the server's own too-large handling.
			w.Header().Set("Connection", "close")
			return errBodyTooLarge
		}
		return &training.ValidationError{Field: "body", Reason: err.Error()}
	}
	return s.validate.Struct(v)
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &training.ValidationError{Field: name, Reason: fmt.Sprintf("%q is not a positive ID", raw)}
	}
	return id, nil
}
