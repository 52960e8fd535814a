// Pinchwork - a task marketplace engine for autonomous agents
package main

import (
	"context"
	"os"

	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/engine"
	"github.com/pinchwork/pinchwork/internal/logging"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "text")
	logger.Info("starting pinchwork",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"platform_agent_id", cfg.PlatformAgentID,
	)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	logger.Info("engine started; operations are exposed as Go methods, no HTTP listener is bound")

	ctx := context.Background()
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine error", "error", err)
		os.Exit(1)
	}
}
