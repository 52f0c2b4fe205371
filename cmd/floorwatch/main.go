// floorwatch: floor impact noise monitor
// Listens on a stereo microphone pair and reports loud low-frequency
// impacts with their direction.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/floorwatch/internal/config"
)

var version = "0.3.0"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:          "floorwatch",
		Short:        "Floor impact noise monitor",
		Long:         "floorwatch measures low-frequency impact noise, logs events above the day/night limit and reports which side they came from.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/floorwatch/config.yaml", "config file path")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newRunCommand(flags),
		newReplayCommand(flags),
		newDevicesCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "floorwatch %s\n", version)
		},
	}
}

// loadConfig loads and validates the configuration and builds the logger.
func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}

	// Override log level if debug flag is set
	if flags.debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, setupLogger(cfg.Logging), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("floorwatch v" + version)
	fmt.Printf("   %d Hz x %d, band %.0f-%.0f Hz, limits %.0f/%.0f dB (day/night)\n",
		cfg.Audio.SampleRate, cfg.Audio.Channels,
		cfg.Filter.LowHz, cfg.Filter.HighHz,
		cfg.Threshold.DayDB, cfg.Threshold.NightDB,
	)
	fmt.Println()
	if cfg.Server.Enabled {
		fmt.Printf("Running at http://0.0.0.0:%d\n", cfg.Server.Port)
		fmt.Println()
		fmt.Println("   Endpoints:")
		fmt.Println("   GET  /health          - Health check")
		fmt.Println("   GET  /api/level       - Latest block level")
		fmt.Println("   GET  /api/events      - Recent impact events")
		fmt.Println("   GET  /api/threshold   - Limit in force")
		fmt.Println("   GET  /api/stats       - Runner statistics")
		fmt.Println("   WS   /api/stream      - Real-time level and event stream")
		fmt.Println("   GET  /metrics         - Prometheus metrics")
		fmt.Println()
	}
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
