package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ozor-ai-web/internal/gemini"
	"ozor-ai-web/internal/intent"
	"ozor-ai-web/internal/normalize"
	"ozor-ai-web/internal/retry"
)

// Provider is the outbound generative API surface the handlers depend on.
type Provider interface {
	Chat(ctx context.Context, prompt string, history []gemini.Content, attachments []gemini.Blob) (*gemini.GenerateContentResponse, error)
	GenerateImage(ctx context.Context, prompt string, attachments []gemini.Blob, aspectRatio string) (*gemini.GenerateContentResponse, error)
}

type IntentRouter interface {
	Route(ctx context.Context, prompt string) intent.Decision
}

type Options struct {
	Provider       Provider
	Intent         IntentRouter
	Logger         *slog.Logger
	MaxUploadBytes int64
	RequestTimeout time.Duration
	Retry          retry.Options
}

type Handler struct {
	provider       Provider
	intent         IntentRouter
	logger         *slog.Logger
	maxUploadBytes int64
	requestTimeout time.Duration
	retry          retry.Options
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 48 << 20
	}

	return &Handler{
		provider:       opts.Provider,
		intent:         opts.Intent,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
		requestTimeout: opts.RequestTimeout,
		retry:          opts.Retry,
	}
}

// requestContext bounds the outbound provider work for one request. The
// provider call itself is not cancelled mid-flight by client disconnects
// beyond what the request context already carries.
func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.requestTimeout)
}

func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Post("/generate-image", h.GenerateImage)
		r.Post("/message", h.Message)
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Chat is the text path. Provider failures surface immediately, 429/503
// included: silently replaying a conversational turn risks duplicate history.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, history, blobs, err := h.parseRequest(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	resp, err := h.provider.Chat(ctx, req.Prompt, history, blobs)
	if err != nil {
		h.logger.Error("chat call failed", "err", err)
		h.writeError(w, err)
		return
	}

	norm, err := normalize.Normalize(resp)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Text:       norm.AnswerText,
		Thoughts:   norm.ThoughtText,
		TokenCount: norm.TokenCount,
	})
}

// GenerateImage is the image path, wrapped in the transient-retry policy. An
// empty image list with explanatory text is a success: the model is allowed
// to decline rendering and say why.
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	req, _, blobs, err := h.parseRequest(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	norm, err := h.generateImage(ctx, req.Prompt, blobs, req.AspectRatio)
	if err != nil {
		h.logger.Error("image generation failed", "err", err)
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, imageResponse{
		Images: toAttachments(norm.Images),
		Text:   norm.AnswerText,
	})
}

// Message is the single-input flow: the intent router picks the pipeline.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	req, history, blobs, err := h.parseRequest(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	decision := intent.DecisionText
	if h.intent != nil {
		decision = h.intent.Route(ctx, req.Prompt)
	}

	if decision == intent.DecisionImage {
		norm, err := h.generateImage(ctx, req.Prompt, blobs, req.AspectRatio)
		if err != nil {
			h.logger.Error("image generation failed", "err", err)
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{
			Intent:     string(decision),
			Text:       norm.AnswerText,
			Images:     toAttachments(norm.Images),
			TokenCount: norm.TokenCount,
		})
		return
	}

	resp, err := h.provider.Chat(ctx, req.Prompt, history, blobs)
	if err != nil {
		h.logger.Error("chat call failed", "err", err)
		h.writeError(w, err)
		return
	}

	norm, err := normalize.Normalize(resp)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Intent:     string(decision),
		Text:       norm.AnswerText,
		Thoughts:   norm.ThoughtText,
		TokenCount: norm.TokenCount,
	})
}

func (h *Handler) generateImage(ctx context.Context, prompt string, blobs []gemini.Blob, aspectRatio string) (normalize.Response, error) {
	resp, err := retry.Do(ctx, h.retry, func(ctx context.Context) (*gemini.GenerateContentResponse, error) {
		return h.provider.GenerateImage(ctx, prompt, blobs, aspectRatio)
	})
	if err != nil {
		return normalize.Response{}, err
	}
	return normalize.Normalize(resp)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Info("http", "method", r.Method, "path", r.URL.Path, "dur_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
