// kenny-registry runs the agent registry with its security plane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joshuawlim/kenny/core"
	"github.com/joshuawlim/kenny/registry"
	"github.com/joshuawlim/kenny/security"
	"github.com/joshuawlim/kenny/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := core.NewSimpleLogger().WithFields(map[string]interface{}{"component": "kenny-registry"})

	cfg := registry.DefaultConfig()
	if v := os.Getenv("KENNY_REGISTRY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("KENNY_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if *configPath != "" {
		if err := registry.LoadConfigFile(&cfg, *configPath); err != nil {
			logger.Error("Failed to load config file", map[string]interface{}{
				"operation": "startup",
				"path":      *configPath,
				"error":     err.Error(),
			})
			os.Exit(1)
		}
	}

	otel, err := telemetry.New("kenny-registry", "registry")
	if err != nil {
		logger.Warn("Telemetry disabled", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}

	var store registry.RecordStore
	var eventLog security.EventLog
	if cfg.RedisURL != "" {
		registryRedis, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.RedisURL,
			DB:        core.RedisDBRegistry,
			Namespace: "kenny:registry",
		})
		if err != nil {
			logger.Warn("Redis unavailable, running without persistence", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			store = registry.NewRedisRecordStore(registryRedis, logger)
		}
		securityRedis, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.RedisURL,
			DB:        core.RedisDBSecurity,
			Namespace: "kenny:security",
		})
		if err == nil {
			eventLog = security.NewRedisEventLog(securityRedis, logger)
		}
	}

	plane := security.NewPlane(cfg.Security, eventLog, security.ActionHooks{}, logger)
	reg := registry.New(cfg, store, plane, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reg.Recover(ctx); err != nil {
		logger.Error("State recovery failed", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}

	server := registry.NewServer(reg, logger)
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
