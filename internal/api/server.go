// Package api exposes the orchestrator's HTTP surface: the worker control
// plane (register / heartbeat / deregister) and the operator admin surface
// (list, drain, evict, DLQ replay), plus /healthz and /metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/detektr/orchestrator/internal/config"
	"github.com/detektr/orchestrator/internal/metrics"
	"github.com/detektr/orchestrator/internal/registry"
	"github.com/detektr/orchestrator/internal/stream"
)

// Server is the orchestrator's HTTP server.
type Server struct {
	cfg *config.Config
	reg *registry.Registry
	log stream.Client
	met *metrics.Metrics
}

// NewServer wires the HTTP surface.
func NewServer(cfg *config.Config, reg *registry.Registry, log stream.Client, met *metrics.Metrics) *Server {
	return &Server{cfg: cfg, reg: reg, log: log, met: met}
}

// Handler builds the route table. Exposed separately so tests can drive it
// with httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/processors/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/v1/processors/{id}/heartbeat", s.handleHeartbeat).Methods("POST")
	r.HandleFunc("/v1/processors/{id}/deregister", s.handleDeregister).Methods("POST")

	r.HandleFunc("/v1/processors", s.handleList).Methods("GET")
	r.HandleFunc("/v1/processors/{id}/drain", s.handleDrain).Methods("POST")
	r.HandleFunc("/v1/processors/{id}/evict", s.handleEvict).Methods("POST")
	r.HandleFunc("/v1/dlq/replay", s.handleReplay).Methods("POST")

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// --- Worker control plane ---

type registerRequest struct {
	ProcessorID  string   `json:"processor_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	SessionToken string   `json:"session_token"`
}

type registerResponse struct {
	Status    string `json:"status"`
	QueueName string `json:"queue_name,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, registerResponse{Status: "rejected", Error: err.Error()})
		return
	}

	queue, err := s.reg.Register(req.ProcessorID, req.Capabilities, req.Capacity, req.SessionToken)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, registerResponse{Status: "rejected", Error: err.Error()})
		return
	}

	// The dedicated queue needs its consumer group before the worker's first
	// read; create it here so registration is the single setup point.
	if err := s.log.EnsureGroup(r.Context(), queue, "workers", "0"); err != nil {
		slog.Warn("api: queue group create failed", "queue", queue, "error", err)
	}

	writeJSON(w, http.StatusOK, registerResponse{Status: "ok", QueueName: queue})
}

type heartbeatRequest struct {
	SessionToken string `json:"session_token"`
	Seq          uint64 `json:"seq"`
	Inflight     int    `json:"inflight"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "rejected", err.Error())
		return
	}

	err := s.reg.Heartbeat(id, req.SessionToken, req.Seq, req.Inflight)
	switch {
	case errors.Is(err, registry.ErrUnknownProcessor):
		writeStatus(w, http.StatusNotFound, "rejected", "unknown processor")
	case errors.Is(err, registry.ErrStaleSession):
		writeStatus(w, http.StatusConflict, "conflict", "stale session token")
	case err != nil:
		writeStatus(w, http.StatusInternalServerError, "rejected", err.Error())
	default:
		if s.met != nil {
			s.met.Heartbeats.Inc()
		}
		writeStatus(w, http.StatusOK, "ok", "")
	}
}

type deregisterRequest struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req deregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "rejected", err.Error())
		return
	}

	err := s.reg.Deregister(id, req.SessionToken)
	switch {
	case errors.Is(err, registry.ErrUnknownProcessor):
		writeStatus(w, http.StatusNotFound, "rejected", "unknown processor")
	case errors.Is(err, registry.ErrStaleSession):
		writeStatus(w, http.StatusConflict, "conflict", "stale session token")
	case err != nil:
		writeStatus(w, http.StatusInternalServerError, "rejected", err.Error())
	default:
		writeStatus(w, http.StatusOK, "ok", "")
	}
}

// --- Admin surface ---

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"processors": s.reg.Snapshot(),
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.reg.Drain(id) {
		writeStatus(w, http.StatusNotFound, "rejected", "unknown processor")
		return
	}
	writeStatus(w, http.StatusOK, "ok", "")
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.reg.Evict(id) {
		writeStatus(w, http.StatusNotFound, "rejected", "unknown processor")
		return
	}
	writeStatus(w, http.StatusOK, "ok", "")
}

type replayRequest struct {
	FrameID string `json:"frame_id"`
}

// handleReplay re-injects a dead-lettered frame into the upstream stream and
// removes it from the DLQ.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FrameID == "" {
		writeStatus(w, http.StatusBadRequest, "rejected", "frame_id required")
		return
	}

	entry, found, err := s.findDLQEntry(r.Context(), req.FrameID)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "rejected", err.Error())
		return
	}
	if !found {
		writeStatus(w, http.StatusNotFound, "rejected", "frame not in dead-letter stream")
		return
	}

	values := make(map[string]interface{}, len(entry.Values))
	for k, v := range entry.Values {
		if k == "dlq_reason" || k == "dlq_attempts" || k == "orchestrator_seq" {
			continue
		}
		values[k] = v
	}

	if _, err := s.log.Append(r.Context(), s.cfg.Consume.Stream, values); err != nil {
		writeStatus(w, http.StatusInternalServerError, "rejected", err.Error())
		return
	}
	if err := s.log.Del(r.Context(), stream.DLQ, entry.ID); err != nil {
		slog.Warn("api: dlq entry removal failed after replay", "entry_id", entry.ID, "error", err)
	}

	slog.Info("api: dlq frame replayed", "frame_id", req.FrameID)
	writeStatus(w, http.StatusOK, "ok", "")
}

func (s *Server) findDLQEntry(ctx context.Context, frameID string) (stream.Entry, bool, error) {
	start := "-"
	for {
		entries, err := s.log.Range(ctx, stream.DLQ, start, "+", 256)
		if err != nil {
			return stream.Entry{}, false, err
		}
		for _, e := range entries {
			if id, ok := e.Values["frame_id"].(string); ok && id == frameID {
				return e, true, nil
			}
		}
		if len(entries) < 256 {
			return stream.Entry{}, false, nil
		}
		start = "(" + entries[len(entries)-1].ID
	}
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	byState := make(map[string]int)
	for _, info := range s.reg.Snapshot() {
		byState[info.State]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"processors": byState,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: response encode failed", "error", err)
	}
}

func writeStatus(w http.ResponseWriter, code int, status, detail string) {
	body := map[string]string{"status": status}
	if detail != "" {
		body["error"] = detail
	}
	writeJSON(w, code, body)
}
