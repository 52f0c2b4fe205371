package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/pipeline"
)

type replayFlags struct {
	realtime bool
	start    string
	allSinks bool
}

func newReplayCommand(flags *rootFlags) *cobra.Command {
	rf := &replayFlags{}

	cmd := &cobra.Command{
		Use:   "replay [input.wav]",
		Short: "Run the detector over a recorded WAV file",
		Long: `Replay feeds a recording through the same pipeline as the live monitor.
Event times follow the file position; use --start to anchor them to the
time the recording was made so the day/night limit resolves correctly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return replay(ctx, flags, rf, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&rf.realtime, "realtime", false, "pace frames at the file's sample rate")
	cmd.Flags().StringVar(&rf.start, "start", "", "wall-clock time of the first sample (RFC 3339)")
	cmd.Flags().BoolVar(&rf.allSinks, "all-sinks", false, "deliver to network sinks too, not only csv and sqlite")
	return cmd
}

func replay(ctx context.Context, flags *rootFlags, rf *replayFlags, path string, out io.Writer) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	opts := []audio.WAVOption{}
	if rf.realtime {
		opts = append(opts, audio.WithRealtime())
	}
	if rf.start != "" {
		t, err := time.Parse(time.RFC3339, rf.start)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		opts = append(opts, audio.WithStartTime(t))
	}

	src, err := audio.OpenWAV(path, cfg.Audio.BlockSize, opts...)
	if err != nil {
		return err
	}
	defer src.Close()

	// The file decides the layout and the full scale.
	pc := cfg.PipelineConfig()
	pc.SampleRate = src.SampleRate()
	pc.Channels = src.Channels()
	if cfg.Level.FullScale <= 0 {
		pc.Level.FullScale = src.FullScale()
	}

	p, err := pipeline.New(pc, pipeline.WithFrameTime(), pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	scope := localSinks
	if rf.allSinks {
		scope = allSinks
	}
	sinks, err := buildSinks(ctx, cfg, scope, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	dispatcher := pipeline.NewDispatcher(cfg.DispatcherConfig(), logger)
	if err := sinks.register(dispatcher); err != nil {
		return err
	}
	runner := pipeline.NewRunner(p, dispatcher, logger)

	logger.Info("replaying recording",
		"path", path,
		"sample_rate", src.SampleRate(),
		"channels", src.Channels(),
		"bit_depth", src.BitDepth(),
		"realtime", rf.realtime,
	)

	runErr := replayFrames(ctx, runner, src, out)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("sinks did not drain", "error", err)
	}

	stats := runner.Stats()
	fmt.Fprintf(out, "%d frames, %d skipped, %d events\n", stats.Frames, stats.Skipped, stats.Events)
	return runErr
}

// replayFrames drives the runner itself so that no event is lost to a
// slow subscriber.
func replayFrames(ctx context.Context, runner *pipeline.Runner, src audio.Source, out io.Writer) error {
	for {
		frame, err := src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}

		res, err := runner.HandleFrame(frame)
		if err != nil {
			continue
		}
		if res.Event != nil {
			printEvent(out, *res.Event)
		}
	}
}

func printEvent(out io.Writer, ev detector.Event) {
	fmt.Fprintf(out, "%s  %5.1f dB  limit %4.1f (%s)  snr %5.1f dB  %s\n",
		ev.Timestamp.Format("2006-01-02 15:04:05.000"),
		ev.LevelDB, ev.ThresholdDB, ev.Period, ev.SNRDB, ev.Direction,
	)
}
