package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type capabilityRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

type queryRequest struct {
	Query   string                 `json:"query"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Start registers the standard endpoints and serves HTTP until ctx is
// cancelled or the server fails.
func (a *AgentService) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.serverStarted {
		a.mu.Unlock()
		return fmt.Errorf("agent %s already started", a.ID)
	}

	a.handle("POST /capabilities/{verb}", http.HandlerFunc(a.handleCapabilityHTTP))
	a.handle("POST /query", http.HandlerFunc(a.handleQueryHTTP))
	a.handle("GET /capabilities", http.HandlerFunc(a.handleCatalogHTTP))
	a.handle("GET /health", http.HandlerFunc(a.handleHealthHTTP))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Port),
		Handler:      otelhttp.NewHandler(a.mux, a.Name),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}
	a.serverStarted = true
	a.mu.Unlock()

	a.Logger.Info("Agent HTTP server starting", map[string]interface{}{
		"operation": "start",
		"id":        a.ID,
		"port":      a.Config.Port,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// handle registers a mux pattern once; repeated registration panics in
// net/http, so additional Start calls must not re-register.
func (a *AgentService) handle(pattern string, handler http.Handler) {
	if a.registeredPatterns[pattern] {
		return
	}
	a.registeredPatterns[pattern] = true
	a.mux.Handle(pattern, handler)
}

// Handle exposes the mux for agent-specific extra endpoints. Must be called
// before Start.
func (a *AgentService) Handle(pattern string, handler http.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle(pattern, handler)
}

func (a *AgentService) handleCapabilityHTTP(w http.ResponseWriter, r *http.Request) {
	verb := r.PathValue("verb")
	var req capabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, &FabricError{Op: "agent.http", Kind: KindManifestInvalid, Message: "invalid request body", Err: ErrManifestInvalid})
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]interface{}{}
	}

	result, err := a.HandleCapability(r.Context(), verb, req.Parameters)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *AgentService) handleQueryHTTP(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		a.writeError(w, r, &FabricError{Op: "agent.http", Kind: KindManifestInvalid, Message: "query is required", Err: ErrManifestInvalid})
		return
	}

	result, err := a.Query(r.Context(), req.Query, req.Context)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *AgentService) handleCatalogHTTP(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Catalog())
}

func (a *AgentService) handleHealthHTTP(w http.ResponseWriter, r *http.Request) {
	report := a.Health()
	status := http.StatusOK
	if report.State == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, report)
}

func (a *AgentService) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "write_json",
			"error":     err.Error(),
		})
	}
}

func (a *AgentService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	envelope := ErrorEnvelope{
		ErrorKind:     kind,
		Message:       err.Error(),
		CorrelationID: RequestCorrelationID(r),
	}
	a.Logger.Error("Request failed", map[string]interface{}{
		"operation":      "http_error",
		"error_kind":     string(kind),
		"correlation_id": envelope.CorrelationID,
		"error":          err.Error(),
	})
	a.writeJSON(w, HTTPStatusForKind(kind), envelope)
}
