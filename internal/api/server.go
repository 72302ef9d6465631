package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

const serviceName = "telemetry-gateway"

// DedupStats is the read-only view of the dedup cache the API reports on.
type DedupStats interface {
	Len() int
	Capacity() int
	Last(key telemetry.Key) (uint64, bool)
}

type BrokerStatus interface {
	Connected() bool
}

type Server struct {
	dedup  DedupStats
	broker BrokerStatus
	router chi.Router
	port   int
	http   *http.Server
}

func NewServer(dedup DedupStats, broker BrokerStatus, gatherer prometheus.Gatherer, port int) *Server {
	srv := &Server{
		dedup:  dedup,
		broker: broker,
		port:   port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// Unauthenticated: bind this port to the internal network only.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/sessions/{sessionID}/devices/{deviceID}/sequence", srv.handleLastSequence)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv.router = r
	srv.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("starting HTTP API", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.broker != nil && s.broker.Connected()

	status, code := "ok", http.StatusOK
	if !connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":           status,
		"service":          serviceName,
		"dedup_keys":       s.dedup.Len(),
		"dedup_capacity":   s.dedup.Capacity(),
		"broker_connected": connected,
	})
}

func (s *Server) handleLastSequence(w http.ResponseWriter, r *http.Request) {
	key := telemetry.Key{
		SessionID: chi.URLParam(r, "sessionID"),
		DeviceID:  chi.URLParam(r, "deviceID"),
	}

	last, ok := s.dedup.Last(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sequence recorded"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    key.SessionID,
		"device_id":     key.DeviceID,
		"last_sequence": last,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
