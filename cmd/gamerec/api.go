package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"

	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/index"
	"github.com/WessleyAI/gamerec/engine/rag"
	"github.com/WessleyAI/gamerec/pkg/config"
	"github.com/WessleyAI/gamerec/pkg/metrics"
	"github.com/WessleyAI/gamerec/pkg/mid"
	"github.com/WessleyAI/gamerec/pkg/resilience"
)

const maxBodyBytes = 64 << 10

// recommender is the slice of rag.Service the API needs.
type recommender interface {
	Generate(ctx context.Context, raw string) (*rag.Answer, error)
}

// RecommendRequest is the JSON body for POST /api/recommend and the NATS
// request payload.
type RecommendRequest struct {
	Message string `json:"message"`
}

// RecommendResponse is the JSON response for POST /api/recommend.
type RecommendResponse struct {
	Answer        string       `json:"answer"`
	Sources       []rag.Source `json:"sources"`
	K             int          `json:"k"`
	Grounded      bool         `json:"grounded"`
	Model         string       `json:"model,omitempty"`
	PromptVersion string       `json:"prompt_version"`
	TokensUsed    int          `json:"tokens_used"`
}

func newRecommendResponse(a *rag.Answer) RecommendResponse {
	return RecommendResponse{
		Answer:        a.Text,
		Sources:       a.Sources,
		K:             a.K,
		Grounded:      a.Grounded,
		Model:         a.Model,
		PromptVersion: a.PromptVersion,
		TokensUsed:    a.TokensUsed,
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

type api struct {
	rec    recommender
	holder *index.Holder // nil when an external store serves retrieval
	logger *slog.Logger
}

func newRouter(a *api, cfg config.ServerConfig, met *metrics.Metrics, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.Metrics(met),
	)
	r.Get("/api/health", a.handleHealth)
	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
		}
		r.Post("/api/recommend", a.handleRecommend)
	})
	r.Method(http.MethodGet, "/metrics", met.Handler())
	return mid.OTel("gamerec")(r)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.holder != nil {
		if idx := a.holder.Current(); idx != nil {
			body["index_records"] = idx.Len()
			body["index_dim"] = idx.Dim()
			body["index_built_at"] = a.holder.BuiltAt().UTC()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req RecommendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "invalid request body",
			Kind:      "invalid_argument",
			RequestID: mid.RequestIDFrom(r.Context()),
		})
		return
	}

	answer, err := a.rec.Generate(r.Context(), req.Message)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error("recommend failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		}
		writeJSON(w, status, errorResponse{
			Error:     errorMessage(err, status),
			Kind:      kindName(err),
			RequestID: mid.RequestIDFrom(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, newRecommendResponse(answer))
}

// statusFor maps a pipeline error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.KindOf(err) != nil:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func kindName(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "unavailable"
	}
	return domain.KindName(err)
}

// errorMessage hides provider detail from clients except for bad input.
func errorMessage(err error, status int) string {
	switch status {
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "recommendation provider unavailable, retry later"
	case http.StatusGatewayTimeout:
		return "recommendation timed out"
	case http.StatusBadGateway:
		return "recommendation provider failed"
	}
	return "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
