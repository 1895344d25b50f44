package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/config"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/core"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/server"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/stream/gst"
)

const defaultConfigPath = "config/aarohan.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "config", *configPath, "error", err)
		os.Exit(1)
	}

	// Setup structured logger
	logLevel := config.ParseLevel(cfg.LogLevel)
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting aarohan detection server",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"camera", cfg.Camera.Kind,
		"engine", cfg.Model.Engine,
		"storage", cfg.Storage.Backend,
		"debug", *debug,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := core.Build(ctx, cfg, newSource(cfg))
	if err != nil {
		slog.Error("failed to create detection service", "error", err)
		os.Exit(1)
	}

	srv := server.New(svc, cfg.Evidence.Dir)
	if err := srv.Start(cfg.Server.Listen); err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}

	// Run blocks until a signal cancels ctx or the source fails
	runErr := svc.Run(ctx)
	if runErr != nil {
		slog.Error("detection loop stopped", "error", runErr)
	} else {
		slog.Info("received shutdown signal")
	}

	// Graceful shutdown
	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
		exitCode = 1
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}
	if runErr != nil {
		exitCode = 1
	}

	slog.Info("aarohan detection server stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}

func newSource(cfg *config.Config) stream.FrameSource {
	c := cfg.Camera
	switch c.Kind {
	case "v4l2", "rtsp":
		return gst.New(gst.Config{
			Kind:   c.Kind,
			Device: c.Device,
			URI:    c.RTSPURL,
			Width:  c.Width,
			Height: c.Height,
			Source: c.Source,
		})
	default:
		return stream.NewMockSource(c.Width, c.Height, c.Source, uint64(cfg.Stream.MockFrames))
	}
}
