package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/config"
	"github.com/teslashibe/floorwatch/internal/health"
	"github.com/teslashibe/floorwatch/internal/metrics"
	"github.com/teslashibe/floorwatch/internal/pipeline"
	"github.com/teslashibe/floorwatch/internal/server"
	"github.com/teslashibe/floorwatch/internal/usbprobe"
)

const healthInterval = 10 * time.Second

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture audio and monitor for impacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, flags.configPath, logger)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	logger.Info("starting floorwatch",
		"version", version,
		"config", configPath,
		"port", cfg.Server.Port,
	)

	m, err := metrics.New(true)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	sinks, err := buildSinks(ctx, cfg, allSinks, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("sink close error", "error", err)
		}
	}()

	dispatcher := pipeline.NewDispatcher(cfg.DispatcherConfig(), logger)
	dispatcher.OnFailure(m.SinkFailed)
	if err := sinks.register(dispatcher); err != nil {
		return err
	}

	p, err := pipeline.New(cfg.PipelineConfig(), pipeline.WithLogger(logger))
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(p, dispatcher, logger, pipeline.WithObserver(m))

	if sinks.cloud != nil {
		sinks.cloud.OnStatsRequest(func() any { return runner.Stats() })
	}

	captureCfg, err := cfg.CaptureConfig()
	if err != nil {
		return err
	}
	capture, err := audio.NewCapture(captureCfg, logger)
	if err != nil {
		return err
	}
	if err := capture.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer capture.Close()

	checker := newChecker(cfg, runner, dispatcher, logger)

	var srv *server.Server
	if cfg.Server.Enabled {
		opts := []server.Option{
			server.WithHealth(checker),
			server.WithMetrics(m.Handler(logger)),
			server.WithSettings(settingsDocument(cfg)),
		}
		if sinks.store != nil {
			opts = append(opts, server.WithHistory(sinks.store))
		}
		srv = server.New(cfg.Server, runner, logger, version, opts...)
	}

	printStartupBanner(cfg, version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := runner.Run(gctx, capture)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		checker.Run(gctx, healthInterval)
		return nil
	})

	if srv != nil {
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		})
	}

	// Shutdown: server -> capture -> runner -> sinks
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown error", "error", err)
			}
		}
		capture.Close()
		runner.Stop()
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn("sinks did not drain", "error", err)
		}
		return nil
	})

	err = g.Wait()

	stats := runner.Stats()
	logger.Info("floorwatch stopped",
		"frames", stats.Frames,
		"events", stats.Events,
		"capture", capture.Stats(),
	)
	return err
}

// newChecker registers the audio, sink and optional USB probes.
func newChecker(cfg *config.Config, runner *pipeline.Runner, d *pipeline.Dispatcher, logger *slog.Logger) *health.Checker {
	checker := health.NewChecker(version)
	checker.MarkCritical(health.ComponentAudio)
	checker.Register(health.ComponentAudio, health.ProgressProbe(func() uint64 {
		return runner.Stats().Frames
	}, "frames"))

	for _, st := range d.Stats() {
		name := st.Name
		checker.Register(health.SinkComponent(name), health.DeliveryProbe(func() (uint64, uint64) {
			for _, s := range d.Stats() {
				if s.Name == name {
					return s.Delivered, s.Failed
				}
			}
			return 0, 0
		}))
	}

	if cfg.USB.Enabled {
		probe := usbprobe.New(usbprobe.Config{VendorID: cfg.USB.VendorID, ProductID: cfg.USB.ProductID}, logger)
		checker.Register(health.ComponentUSB, probe.Check)
	}
	return checker
}

// settingsDocument is the secret-free part of the configuration served on
// /api/config.
func settingsDocument(cfg *config.Config) map[string]any {
	return map[string]any{
		"audio": map[string]any{
			"device":      cfg.Audio.Device,
			"format":      cfg.Audio.Format,
			"block_size":  cfg.Audio.BlockSize,
			"sample_rate": cfg.Audio.SampleRate,
		},
		"sinks": map[string]bool{
			"csv":     cfg.Sinks.CSV.Enabled,
			"sqlite":  cfg.Sinks.SQLite.Enabled,
			"webhook": cfg.Sinks.Webhook.Enabled,
			"notify":  cfg.Sinks.Notify.Enabled,
			"mqtt":    cfg.Sinks.MQTT.Enabled,
			"cloud":   cfg.Sinks.Cloud.Enabled,
		},
		"usb_probe": cfg.USB.Enabled,
	}
}
