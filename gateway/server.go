package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joshuawlim/kenny/core"
)

// routeHeader carries the gateway's routing decision back to the client.
const routeHeader = "X-Kenny-Route"

// Server exposes the gateway over HTTP.
type Server struct {
	gateway *Gateway
	logger  core.Logger
	server  *http.Server
}

// NewServer wires the gateway's HTTP surface.
func NewServer(gateway *Gateway, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{gateway: gateway, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("POST /agent/{agent_id}/{verb}", s.handleAgentCall)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /capabilities", s.handleListCapabilities)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", gateway.config.Port),
		Handler:     otelhttp.NewHandler(mux, "kenny-gateway"),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /stream responses are long-lived.
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Gateway HTTP server starting", map[string]interface{}{
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

type queryBody struct {
	Query   string                 `json:"query"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	cid := core.RequestCorrelationID(r)
	w.Header().Set(core.CorrelationHeader, cid)
	release, ok := s.gateway.admit()
	if !ok {
		s.writeError(w, cid, core.NewFabricError("gateway.http", core.KindOverloaded, core.ErrOverloaded))
		return
	}
	defer release()

	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		s.writeError(w, cid, &core.FabricError{Op: "gateway.http", Kind: core.KindManifestInvalid, Message: "query is required", Err: core.ErrManifestInvalid})
		return
	}

	resp, err := s.gateway.HandleQuery(core.WithCorrelation(r.Context(), cid), body.Query, body.Context)
	if err != nil {
		s.writeError(w, cid, err)
		return
	}
	w.Header().Set(routeHeader, strings.Join(resp.ExecutionPath, ","))
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStream proxies the coordinator's progressive stream for a query
// submitted via GET, re-emitting each SSE chunk as it arrives.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cid := core.RequestCorrelationID(r)
	w.Header().Set(core.CorrelationHeader, cid)
	release, ok := s.gateway.admit()
	if !ok {
		s.writeError(w, cid, core.NewFabricError("gateway.http", core.KindOverloaded, core.ErrOverloaded))
		return
	}
	defer release()

	query := r.URL.Query().Get("query")
	if query == "" {
		s.writeError(w, cid, &core.FabricError{Op: "gateway.http", Kind: core.KindManifestInvalid, Message: "query parameter is required", Err: core.ErrManifestInvalid})
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeError(w, cid, fmt.Errorf("streaming not supported"))
		return
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		s.writeError(w, cid, err)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		s.gateway.config.CoordinatorURL+"/process-stream", bytes.NewReader(payload))
	if err != nil {
		s.writeError(w, cid, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(core.CorrelationHeader, cid)

	upstream, err := s.gateway.httpClient.Do(req)
	if err != nil {
		s.writeError(w, cid, &core.FabricError{Op: "gateway.http", Kind: core.KindUpstreamUnavailable, Message: "coordinator_unavailable", Err: err})
		return
	}
	defer upstream.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(routeHeader, "gateway,coordinator")
	flusher.Flush()

	scanner := bufio.NewScanner(upstream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(w, scanner.Text()); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleAgentCall(w http.ResponseWriter, r *http.Request) {
	cid := core.RequestCorrelationID(r)
	w.Header().Set(core.CorrelationHeader, cid)
	release, ok := s.gateway.admit()
	if !ok {
		s.writeError(w, cid, core.NewFabricError("gateway.http", core.KindOverloaded, core.ErrOverloaded))
		return
	}
	defer release()

	var body struct {
		Parameters map[string]interface{} `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, cid, &core.FabricError{Op: "gateway.http", Kind: core.KindManifestInvalid, Message: "invalid request body", Err: core.ErrManifestInvalid})
		return
	}
	agentID := r.PathValue("agent_id")
	result, err := s.gateway.CallAgent(core.WithCorrelation(r.Context(), cid), agentID, r.PathValue("verb"), body.Parameters)
	if err != nil {
		s.writeError(w, cid, err)
		return
	}
	w.Header().Set(routeHeader, "gateway,agent:"+agentID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents, err := s.gateway.snapshot.Agents(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":  core.HealthDegraded,
			"detail": "registry unreachable and no usable snapshot",
		})
		return
	}
	state := core.HealthHealthy
	for _, a := range agents {
		if a.HealthStatus == core.HealthUnhealthy {
			state = core.HealthDegraded
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"state": state, "agents": len(agents)})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.gateway.snapshot.Agents(r.Context())
	if err != nil {
		s.writeError(w, core.RequestCorrelationID(r), err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	refs, err := s.gateway.snapshot.Capabilities(r.Context())
	if err != nil {
		s.writeError(w, core.RequestCorrelationID(r), err)
		return
	}
	s.writeJSON(w, http.StatusOK, refs)
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
