package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joshuawlim/kenny/core"
)

// Server exposes the registry over HTTP.
type Server struct {
	registry *Registry
	logger   core.Logger
	server   *http.Server
}

// NewServer wires the registry's HTTP surface.
func NewServer(registry *Registry, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{registry: registry, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/register", s.handleRegister)
	mux.HandleFunc("DELETE /agents/{agent_id}", s.handleDeregister)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{agent_id}", s.handleGetAgent)
	mux.HandleFunc("GET /capabilities", s.handleListCapabilities)
	mux.HandleFunc("GET /capabilities/{verb}", s.handleLookupCapability)
	mux.HandleFunc("GET /system/health", s.handleSystemHealth)
	mux.HandleFunc("GET /system/health/stream", s.handleHealthStream)
	mux.HandleFunc("GET /egress/evaluate", s.handleEvaluateEgress)
	mux.HandleFunc("GET /security/incidents", s.handleListIncidents)
	mux.HandleFunc("POST /security/incidents/{incident_id}/acknowledge", s.handleAcknowledgeIncident)
	mux.HandleFunc("POST /security/incidents/{incident_id}/resolve", s.handleResolveIncident)
	mux.HandleFunc("POST /security/bypass", s.handleIssueBypass)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", registry.config.Port),
		Handler:     otelhttp.NewHandler(mux, "kenny-registry"),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the health stream is long-lived.
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Registry HTTP server starting", map[string]interface{}{
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
		s.registry.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type registerBody struct {
	Manifest       *core.AgentManifest `json:"manifest"`
	BaseURL        string              `json:"base_url"`
	HealthEndpoint string              `json:"health_endpoint"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Manifest == nil {
		s.writeError(w, r, &core.FabricError{Op: "registry.http", Kind: core.KindManifestInvalid, Message: "invalid registration body", Err: core.ErrManifestInvalid})
		return
	}
	result, err := s.registry.Register(r.Context(), body.Manifest, body.BaseURL, body.HealthEndpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.Context(), r.PathValue("agent_id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.ListAgents())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	summary, err := s.registry.GetAgent(r.PathValue("agent_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.ListCapabilities())
}

func (s *Server) handleLookupCapability(w http.ResponseWriter, r *http.Request) {
	refs := s.registry.LookupCapability(r.PathValue("verb"))
	if len(refs) == 0 {
		s.writeError(w, r, core.NewFabricError("registry.http", core.KindCapabilityUnknown, core.ErrCapabilityNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.SystemHealth())
}

// handleHealthStream serves system health snapshots over SSE: one on every
// health transition, and a keepalive snapshot at least every 5s.
func (s *Server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := s.registry.WatchHealth()
	defer cancel()

	send := func(snap *SystemHealthSnapshot) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(s.registry.SystemHealth()) {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok || !send(snap) {
				return
			}
		case <-ticker.C:
			if !send(s.registry.SystemHealth()) {
				return
			}
		}
	}
}

func (s *Server) handleEvaluateEgress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serviceID := q.Get("service_id")
	destination := q.Get("destination")
	if serviceID == "" || destination == "" {
		s.writeError(w, r, &core.FabricError{Op: "registry.http", Kind: core.KindManifestInvalid, Message: "service_id and destination are required", Err: core.ErrManifestInvalid})
		return
	}
	port, _ := strconv.Atoi(q.Get("port"))
	decision := s.registry.EvaluateEgress(r.Context(), serviceID, destination, port, q.Get("bypass_token"))
	s.writeJSON(w, http.StatusOK, map[string]core.EgressDecision{"decision": decision})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Plane().Incidents().List())
}

func (s *Server) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Plane().Incidents().Acknowledge(r.PathValue("incident_id")) {
		s.writeError(w, r, core.NewFabricError("registry.http", core.KindAgentUnknown, core.ErrAgentNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Plane().Incidents().Resolve(r.PathValue("incident_id")) {
		s.writeError(w, r, core.NewFabricError("registry.http", core.KindAgentUnknown, core.ErrAgentNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bypassRequest struct {
	ServiceID   string `json:"service_id"`
	Destination string `json:"destination"`
	TTLMinutes  int    `json:"ttl_minutes"`
}

func (s *Server) handleIssueBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceID == "" || req.Destination == "" {
		s.writeError(w, r, &core.FabricError{Op: "registry.http", Kind: core.KindManifestInvalid, Message: "service_id and destination are required", Err: core.ErrManifestInvalid})
		return
	}
	token := s.registry.Plane().Blocks().IssueBypass(req.ServiceID, req.Destination, time.Duration(req.TTLMinutes)*time.Minute)
	s.writeJSON(w, http.StatusOK, token)
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

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	envelope := core.ErrorEnvelope{
		ErrorKind:     kind,
		Message:       err.Error(),
		CorrelationID: core.RequestCorrelationID(r),
	}
	s.logger.Error("Request failed", map[string]interface{}{
		"operation":      "http_error",
		"error_kind":     string(kind),
		"correlation_id": envelope.CorrelationID,
		"error":          err.Error(),
	})
	s.writeJSON(w, core.HTTPStatusForKind(kind), envelope)
}
