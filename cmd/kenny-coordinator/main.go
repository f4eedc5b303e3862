// kenny-coordinator runs the multi-agent orchestration pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joshuawlim/kenny/ai"
	"github.com/joshuawlim/kenny/coordinator"
	"github.com/joshuawlim/kenny/core"
	"github.com/joshuawlim/kenny/security"
	"github.com/joshuawlim/kenny/telemetry"
)

func main() {
	logger := core.NewSimpleLogger().WithFields(map[string]interface{}{"component": "kenny-coordinator"})

	cfg := coordinator.DefaultConfig()
	if v := os.Getenv("KENNY_COORDINATOR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("KENNY_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	registryURL := os.Getenv("KENNY_REGISTRY_URL")
	if registryURL == "" {
		registryURL = "http://localhost:8001"
	}

	otel, err := telemetry.New("kenny-coordinator", "coordinator")
	if err != nil {
		logger.Warn("Telemetry disabled", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}

	var aiClient core.AIClient
	if os.Getenv("OPENAI_API_KEY") != "" {
		aiClient = ai.NewOpenAIClient(
			ai.WithModel(cfg.LLMModel),
			ai.WithLogger(logger),
		)
	} else {
		logger.Warn("OPENAI_API_KEY not set, running with rule-based routing only", map[string]interface{}{
			"operation": "startup",
		})
	}

	registryClient := core.NewHTTPRegistryClient(registryURL, logger)
	plane := security.NewPlane(security.Config{}, nil, security.ActionHooks{}, logger)
	coord := coordinator.New(cfg, registryClient, aiClient, plane, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := coordinator.NewServer(coord, logger)
	if err := server.Start(ctx); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
		os.Exit(1)
	}
	if otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otel.Shutdown(shutdownCtx)
	}
}
