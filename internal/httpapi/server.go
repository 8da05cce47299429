// Package httpapi serves the credential broker: it holds the long-lived API
// key server-side and mints short-lived realtime session secrets for
// clients, so the key never reaches the device running the microphone.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/birdbrainlab/birdbrain/internal/config"
	"github.com/birdbrainlab/birdbrain/internal/observability"
)

type Server struct {
	cfg      config.Config
	metrics  *observability.Metrics
	upstream *http.Client
}

func New(cfg config.Config, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metrics,
		upstream: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/session", s.handleMintSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.cfg.RealtimeModel,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if strings.TrimSpace(s.cfg.OpenAIAPIKey) == "" {
		respondError(w, http.StatusServiceUnavailable, "missing_api_key", "OPENAI_API_KEY is not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleMintSession forwards one session-create call upstream and relays the
// response verbatim, client_secret included. The client only ever sees the
// short-lived secret.
func (s *Server) handleMintSession(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	payload, err := json.Marshal(map[string]string{
		"model": s.cfg.RealtimeModel,
		"voice": s.cfg.Voice,
	})
	if err != nil {
		s.metrics.CredentialRequests.WithLabelValues("failure").Inc()
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.RealtimeSessionsURL, bytes.NewReader(payload))
	if err != nil {
		s.metrics.CredentialRequests.WithLabelValues("failure").Inc()
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.OpenAIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.upstream.Do(req)
	if err != nil {
		s.metrics.CredentialRequests.WithLabelValues("failure").Inc()
		respondError(w, http.StatusBadGateway, "upstream_unreachable", err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.metrics.CredentialRequests.WithLabelValues("failure").Inc()
		respondError(w, http.StatusBadGateway, "upstream_read", err.Error())
		return
	}
	if resp.StatusCode != http.StatusOK {
		s.metrics.UpstreamErrors.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		s.metrics.CredentialRequests.WithLabelValues("failure").Inc()
		respondError(w, http.StatusBadGateway, "upstream_error", snippet(body))
		return
	}

	s.metrics.CredentialRequests.WithLabelValues("success").Inc()
	s.metrics.ObserveMintLatency(time.Since(began))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// corsMiddleware is deliberately permissive. The broker serves browser-era
// clients on arbitrary origins and exposes nothing but short-lived secrets.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func snippet(b []byte) string {
	const max = 300
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
