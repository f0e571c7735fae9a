package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/skywatch-dev/murmur/detector"
	"github.com/skywatch-dev/murmur/firehose"
	"github.com/skywatch-dev/murmur/report"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "murmur",
		Usage:   "detects synchronized reposting behavior on the atproto firehose",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "relay-host",
			Usage:   "method, hostname, and port of the relay to subscribe to",
			Value:   "wss://bsky.network",
			EnvVars: []string{"ATP_RELAY_HOST"},
		},
		&cli.IntFlag{
			Name:    "duration-seconds",
			Usage:   "how long to monitor the firehose before writing the final report",
			Value:   3600,
			EnvVars: []string{"MURMUR_DURATION_SECONDS"},
		},
		&cli.IntFlag{
			Name:    "time-window-minutes",
			Usage:   "trailing window within which reposts of the same post count as synchronized",
			Value:   20,
			EnvVars: []string{"MURMUR_TIME_WINDOW_MINUTES"},
		},
		&cli.IntFlag{
			Name:    "min-group-size",
			Usage:   "minimum number of accounts for a group to be reported",
			Value:   3,
			EnvVars: []string{"MURMUR_MIN_GROUP_SIZE"},
		},
		&cli.IntFlag{
			Name:    "min-shared-posts",
			Usage:   "minimum number of distinct posts every pair of group members must share",
			Value:   4,
			EnvVars: []string{"MURMUR_MIN_SHARED_POSTS"},
		},
		&cli.IntFlag{
			Name:    "extract-interval-seconds",
			Usage:   "how often to sweep the window and extract groups mid-run",
			Value:   60,
			EnvVars: []string{"MURMUR_EXTRACT_INTERVAL_SECONDS"},
		},
		&cli.StringFlag{
			Name:    "output",
			Usage:   "CSV file detected groups are appended to",
			Value:   "synchronized_reposts.csv",
			EnvVars: []string{"MURMUR_OUTPUT"},
		},
		&cli.BoolFlag{
			Name:    "resolve-handles",
			Usage:   "resolve member DIDs to handles in the report",
			Value:   true,
			EnvVars: []string{"MURMUR_RESOLVE_HANDLES"},
		},
		&cli.IntFlag{
			Name:    "plc-rate-limit",
			Usage:   "max identity lookups per second at report time",
			Value:   10,
			EnvVars: []string{"MURMUR_PLC_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for the metrics API",
			Value:   ":2471",
			EnvVars: []string{"MURMUR_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"MURMUR_LOG_LEVEL"},
		},
	}

	app.Action = runMonitor
	return app.Run(args)
}

func runMonitor(cctx *cli.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cctx.String("log-level")),
	}))
	slog.SetDefault(logger)

	cfg := detector.Config{
		TimeWindow:     time.Duration(cctx.Int("time-window-minutes")) * time.Minute,
		MinGroupSize:   cctx.Int("min-group-size"),
		MinSharedPosts: cctx.Int("min-shared-posts"),
	}

	// configuration errors are fatal before the run starts
	det, err := detector.NewDetector(logger, cfg)
	if err != nil {
		return err
	}

	duration := time.Duration(cctx.Int("duration-seconds")) * time.Second
	if duration <= 0 {
		return fmt.Errorf("invalid config: duration must be positive, got %s", duration)
	}

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	runCtx, runCancel := context.WithTimeout(ctx, duration)
	defer runCancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricServer := &http.Server{
		Addr:    cctx.String("metrics-listen"),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics server listening", "addr", metricServer.Addr)
		if err := metricServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	logger.Info("monitoring firehose for synchronized reposts",
		"duration", duration,
		"time_window", cfg.TimeWindow,
		"min_group_size", cfg.MinGroupSize,
		"min_shared_posts", cfg.MinSharedPosts,
	)

	// Periodic sweep plus extraction over an immutable graph snapshot. The
	// sweep serializes with ingestion inside the detector; extraction never
	// reads live state.
	extractInterval := time.Duration(cctx.Int("extract-interval-seconds")) * time.Second
	go func() {
		ticker := time.NewTicker(extractInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				det.Sweep(det.LatestEventTime())
				fresh, err := det.ExtractGroups()
				if err != nil {
					logger.Error("extraction found inconsistent graph state", "err", err)
					continue
				}
				for _, g := range fresh {
					logger.Info("detected potential synchronized repost group", "group", report.Summary(g, 8))
				}
				logger.Info("detector status",
					"active_posts", det.ActivePosts(),
					"latest_event_time", det.LatestEventTime(),
				)
			}
		}
	}()

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- firehose.Run(runCtx, logger, cctx.String("relay-host"), func(ctx context.Context, evt detector.RepostEvent) error {
			det.Admit(evt)
			return nil
		})
	}()

	select {
	case <-signals:
		logger.Info("shutting down on signal")
		runCancel()
		waitForStream(logger, streamDone)
	case err := <-streamDone:
		switch {
		case err == nil:
			logger.Info("stream ended")
		case errors.Is(err, context.DeadlineExceeded):
			logger.Info("monitoring duration elapsed")
		case errors.Is(err, context.Canceled):
		default:
			// stream-level failures end the run early but never discard
			// what was extracted so far
			logger.Warn("stream terminated early, reporting partial results", "err", err)
		}
	}
	runCancel()

	// final pass over whatever state the run accumulated
	det.Sweep(det.LatestEventTime())
	if _, err := det.ExtractGroups(); err != nil {
		logger.Error("final extraction found inconsistent graph state", "err", err)
	}
	groups := det.Groups()

	var dir identity.Directory
	if cctx.Bool("resolve-handles") {
		dir = identity.DefaultDirectory()
	}
	reporter := report.NewReporter(logger, dir, cctx.Int("plc-rate-limit"))

	// the run context is spent; give the report its own deadline
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer reportCancel()
	if err := reporter.WriteCSV(reportCtx, cctx.String("output"), groups); err != nil {
		return fmt.Errorf("writing final report: %w", err)
	}

	logger.Info("synchronized repost detection finished",
		"groups", len(groups),
		"output", cctx.String("output"),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "err", err)
	}

	return nil
}

func waitForStream(logger *slog.Logger, streamDone <-chan error) {
	select {
	case <-streamDone:
	case <-time.After(10 * time.Second):
		logger.Warn("timed out waiting for stream consumer to stop")
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
