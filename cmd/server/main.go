// escrowd - custodial escrow service
package main

import (
	"context"
	"os"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration before building the logger so LOG_LEVEL applies
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.Network,
		"chain_id", cfg.ChainID,
		"token_contract", cfg.TokenContract,
		"on_chain", cfg.UsesChain(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
