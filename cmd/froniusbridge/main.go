package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ahpohl/fronius-bridge/pkg/bridge"
	"github.com/ahpohl/fronius-bridge/pkg/config"
	"github.com/ahpohl/fronius-bridge/pkg/device/sunspec"
)

func main() {
	// --- Load configuration ---
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// --- Logger setup ---
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	parsedLevel, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level_input", cfg.LogLevel).Msg("Invalid log level provided, defaulting to 'info'")
		parsedLevel = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(parsedLevel).With().Timestamp().Str("service", "fronius-bridge").Logger()
	log.Logger = logger

	// --- Device driver ---
	driverCfg := sunspec.Config{
		SlaveID:              cfg.Modbus.SlaveID,
		Timeout:              cfg.Modbus.ResponseTimeout,
		ReconnectDelayMin:    cfg.Modbus.ReconnectDelayMin,
		ReconnectDelayMax:    cfg.Modbus.ReconnectDelayMax,
		ReconnectExponential: cfg.Modbus.ReconnectExponential,
	}
	if cfg.Modbus.TCP != nil {
		driverCfg.TCP = &sunspec.TCPConfig{Host: cfg.Modbus.TCP.Host, Port: cfg.Modbus.TCP.Port}
	}
	if cfg.Modbus.RTU != nil {
		driverCfg.RTU = &sunspec.RTUConfig{Device: cfg.Modbus.RTU.Device, Baud: cfg.Modbus.RTU.Baud}
	}
	driver, err := sunspec.New(driverCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Modbus driver")
	}

	// --- Assemble and run the bridge ---
	srv, err := bridge.New(cfg, driver, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Bridge exited with error")
		srv.Shutdown()
		os.Exit(1)
	}

	logger.Info().Msg("Shutdown signal received")
	srv.Shutdown()
	logger.Info().Msg("Fronius bridge shut down gracefully")
}
