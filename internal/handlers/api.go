package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

// PredictionLister returns presigned URLs for every stored result
type PredictionLister interface {
	List(ctx context.Context) ([]string, error)
}

// APIConfig wires the HTTP API
type APIConfig struct {
	Catalog PredictionLister

	// Metrics serves /metrics when set
	Metrics http.Handler

	StartTime time.Time
}

// NewRouter builds the result catalog API
func NewRouter(cfg APIConfig) *chi.Mux {
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	r.Use(CORSMiddleware())

	r.Get("/", rootHandler())
	r.Get("/health", healthHandler(cfg))
	r.Get("/api/predictions", predictionsHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}

func rootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, pipeline.MessageResponse{Message: pipeline.ServiceRunningMessage})
	}
}

func healthHandler(cfg APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, pipeline.HealthResponse{
			Status:  "ok",
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func predictionsHandler(cfg APIConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urls, err := cfg.Catalog.List(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to list predictions")
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if urls == nil {
			urls = []string{}
		}
		WriteJSON(w, http.StatusOK, pipeline.PredictionsResponse{Predictions: urls})
	}
}

// WriteError writes an ErrorResponse with status
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, pipeline.ErrorResponse{Error: message})
}

// WriteJSON encodes data as the response body
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
