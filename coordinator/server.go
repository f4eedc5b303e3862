package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joshuawlim/kenny/core"
)

// Server exposes the coordinator over HTTP.
type Server struct {
	coordinator *Coordinator
	logger      core.Logger
	server      *http.Server
}

// NewServer wires the coordinator's HTTP surface.
func NewServer(coordinator *Coordinator, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{coordinator: coordinator, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("POST /process-stream", s.handleProcessStream)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /capabilities", s.handleListCapabilities)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", coordinator.config.Port),
		Handler:     otelhttp.NewHandler(mux, "kenny-coordinator"),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: process-stream responses are long-lived.
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Coordinator HTTP server starting", map[string]interface{}{
		"operation": "start",
		"addr":      s.server.Addr,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type processRequest struct {
	Query   string                 `json:"query"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	cid := core.RequestCorrelationID(r)
	w.Header().Set(core.CorrelationHeader, cid)
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.writeError(w, cid, &core.FabricError{Op: "coordinator.http", Kind: core.KindManifestInvalid, Message: "query is required", Err: core.ErrManifestInvalid})
		return
	}
	result, err := s.coordinator.Process(core.WithCorrelation(r.Context(), cid), req.Query, req.Context)
	if err != nil {
		s.writeError(w, cid, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleProcessStream emits pipeline chunks over SSE as they happen.
func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	cid := core.RequestCorrelationID(r)
	w.Header().Set(core.CorrelationHeader, cid)
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.writeError(w, cid, &core.FabricError{Op: "coordinator.http", Kind: core.KindManifestInvalid, Message: "query is required", Err: core.ErrManifestInvalid})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, cid, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for chunk := range s.coordinator.ProcessStream(core.WithCorrelation(r.Context(), cid), req.Query, req.Context) {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coordinator.registry.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, core.RequestCorrelationID(r), err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	refs, err := s.coordinator.registry.ListCapabilities(r.Context())
	if err != nil {
		s.writeError(w, core.RequestCorrelationID(r), err)
		return
	}
	s.writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, core.HealthReport{State: core.HealthHealthy})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "write_json",
			"error":     err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, cid string, err error) {
	kind := core.KindOf(err)
	envelope := core.ErrorEnvelope{
		ErrorKind:     kind,
		Message:       err.Error(),
		CorrelationID: cid,
	}
	s.logger.Error("Request failed", map[string]interface{}{
		"operation":      "http_error",
		"error_kind":     string(kind),
		"correlation_id": envelope.CorrelationID,
		"error":          err.Error(),
	})
	s.writeJSON(w, core.HTTPStatusForKind(kind), envelope)
}
