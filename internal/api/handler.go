package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/logging"
	"github.com/kalambet/lessonforge/internal/pipeline"
	"github.com/kalambet/lessonforge/internal/stream"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Coordinator is the generation entry point shared by the HTTP and MCP
// surfaces.
type Coordinator interface {
	Generate(ctx context.Context, kind lesson.Kind, params lesson.Params, sink stream.Sink) lesson.Outcome
	Status() pipeline.Status
}

// HandlerDeps holds dependencies for the HTTP handler.
type HandlerDeps struct {
	Coordinator Coordinator
	// Token enables bearer auth on /v1 routes when non-empty.
	Token string
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
}

// NewHandler returns the HTTP API. Generation endpoints stream the Markdown
// document as plain text, flushing after every chunk.
func NewHandler(deps HandlerDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/status", handleStatus(deps.Coordinator))
		r.Post("/lesson-plans", handleGenerate(deps.Coordinator, lesson.KindLessonPlan))
		r.Post("/exercises", handleGenerate(deps.Coordinator, lesson.KindExercises))
		r.Post("/analysis", handleGenerate(deps.Coordinator, lesson.KindAnalysis))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Status())
	}
}

func handleGenerate(c Coordinator, kind lesson.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var params lesson.Params
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sink := &httpSink{ctx: r.Context(), w: w, flusher: flusher}
		out := c.Generate(r.Context(), kind, params, sink)
		logging.FromContext(r.Context()).Debug("request served",
			"request_id", out.RequestID,
			"status", out.Status(),
			"path", r.URL.Path,
		)
	}
}

// httpSink streams text into an HTTP response. Headers are sent with the
// first write, so a request that fails before producing output can still
// answer with a JSON error and a proper status code.
type httpSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *httpSink) Write(text string) error {
	if s.ctx.Err() != nil {
		return stream.ErrClientGone
	}
	if !s.started {
		s.start()
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrClientGone, err)
	}
	s.flusher.Flush()
	return nil
}

func (s *httpSink) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/markdown; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *httpSink) Close(err error) {
	if s.started {
		// The error marker, if any, is already part of the stream.
		s.flusher.Flush()
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	if err == nil {
		s.start()
		return
	}
	code, errType := errorStatus(err)
	httpError(s.w, code, errType, "%s", err.Error())
}

func errorStatus(err error) (int, string) {
	var ve *lesson.ValidationError
	var fe *lesson.FallbackError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &fe):
		return http.StatusBadGateway, "api_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
