package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/admin"
	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/core"
	"github.com/maxpert/txcore/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("txcore - shared transaction core")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	db, err := core.OpenStorage(cfg.StoragePath(), core.StorageOptions{
		CacheSizeMB:    cfg.Config.Storage.CacheSizeMB,
		MemTableSizeMB: cfg.Config.Storage.MemTableSizeMB,
		DisableWAL:     cfg.Config.Storage.DisableWAL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
		return
	}
	defer db.Close()

	opts, err := core.OptionsFromConfig(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build shared state options")
		return
	}

	state, err := core.NewSharedState(db, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize shared state")
		return
	}
	if err := state.Startup(); err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
		return
	}
	defer func() {
		if err := state.Close(); err != nil {
			log.Error().Err(err).Msg("Shutdown checkpoint failed")
		}
	}()

	collector := telemetry.NewMetricsCollector(state, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		server := admin.NewServer(cfg.Config.Admin.Address, state, cfg.Config.NodeID, cfg.Config.Admin.Secret)
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer server.Stop()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("max_backends", opts.MaxBackends).
		Bool("csn_snapshot", opts.EnableCSN).
		Msg("Node is operational")

	// Keep running until asked to stop
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
