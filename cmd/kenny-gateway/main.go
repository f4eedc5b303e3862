// kenny-gateway runs the unified front door.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joshuawlim/kenny/ai"
	"github.com/joshuawlim/kenny/core"
	"github.com/joshuawlim/kenny/gateway"
	"github.com/joshuawlim/kenny/telemetry"
)

func main() {
	logger := core.NewSimpleLogger().WithFields(map[string]interface{}{"component": "kenny-gateway"})

	cfg := gateway.DefaultConfig()
	if v := os.Getenv("KENNY_GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("KENNY_REGISTRY_URL"); v != "" {
		cfg.RegistryURL = v
	}
	if v := os.Getenv("KENNY_COORDINATOR_URL"); v != "" {
		cfg.CoordinatorURL = v
	}
	if v := os.Getenv("KENNY_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}

	otel, err := telemetry.New("kenny-gateway", "gateway")
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
		logger.Warn("OPENAI_API_KEY not set, running with rule-based classification only", map[string]interface{}{
			"operation": "startup",
		})
	}

	gw := gateway.New(cfg, aiClient, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := gateway.NewServer(gw, logger)
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
