package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluiziolira/booru-fetch/config"
	"github.com/aluiziolira/booru-fetch/parser"
	"github.com/aluiziolira/booru-fetch/pipeline"
	"github.com/aluiziolira/booru-fetch/scraper"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// flagValues holds the raw flag targets. Only flags the user actually set are
// applied on top of the loaded configuration.
type flagValues struct {
	configPath  string
	tagFile     string
	safe        bool
	verbose     bool
	directory   string
	tries       int
	workers     int
	metricsAddr string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs, fv := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fv.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		return 1
	}
	applyFlags(fs, fv, cfg)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	created, err := parser.EnsureTagFile(cfg.TagFile)
	if err != nil {
		slog.Error("preparing tag file", slog.String("path", cfg.TagFile), slog.Any("error", err))
		return 1
	}
	if created {
		fmt.Printf("A tag file was created at %s. Add your tags, pools and posts to it and run again.\n", cfg.TagFile)
		return 0
	}

	queries, err := parser.ReadTagFile(cfg.TagFile)
	if err != nil {
		slog.Error("reading tag file", slog.String("path", cfg.TagFile), slog.Any("error", err))
		return 1
	}
	if queries.Empty() {
		slog.Warn("tag file lists nothing to download", slog.String("path", cfg.TagFile))
		return 1
	}

	printBanner(os.Stdout, cfg, queries.Total())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight transfers to finish")
	}()

	metrics := scraper.NewMetrics()
	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics)

	walker, err := scraper.NewWalker(cfg, metrics, logger)
	if err != nil {
		slog.Error("initialising walker", slog.Any("error", err))
		return 1
	}
	runner := pipeline.NewRunner(cfg, walker, metrics, logger)

	startTime := time.Now()
	summary, runErr := runner.Run(ctx, queries)
	duration := time.Since(startTime)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(os.Stdout, summary, duration)
	if runErr != nil {
		slog.Error("run finished with failures", slog.Any("error", runErr))
		return 1
	}
	return 0
}

func newFlagSet() (*flag.FlagSet, *flagValues) {
	defaults := config.DefaultConfig()
	fv := &flagValues{}
	fs := flag.NewFlagSet("booru-fetch", flag.ContinueOnError)

	fs.StringVar(&fv.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&fv.tagFile, "f", defaults.TagFile, "Tag file to read")
	fs.StringVar(&fv.tagFile, "tag-file", defaults.TagFile, "Tag file to read")
	fs.BoolVar(&fv.safe, "s", false, "Download from the safe-mode host")
	fs.BoolVar(&fv.safe, "sfw", false, "Download from the safe-mode host")
	fs.BoolVar(&fv.verbose, "v", false, "Enable verbose logging")
	fs.StringVar(&fv.directory, "d", defaults.OutputDir, "Output root directory")
	fs.StringVar(&fv.directory, "directory", defaults.OutputDir, "Output root directory")
	fs.IntVar(&fv.tries, "t", defaults.MaxRetries, "Attempts per file before giving up")
	fs.IntVar(&fv.tries, "tries", defaults.MaxRetries, "Attempts per file before giving up")
	fs.IntVar(&fv.workers, "w", defaults.Workers, "Concurrent downloads per container")
	fs.IntVar(&fv.workers, "workers", defaults.Workers, "Concurrent downloads per container")
	fs.StringVar(&fv.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")

	return fs, fv
}

func applyFlags(fs *flag.FlagSet, fv *flagValues, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "f", "tag-file":
			cfg.TagFile = fv.tagFile
		case "s", "sfw":
			cfg.SafeMode = fv.safe
		case "v":
			cfg.Verbose = fv.verbose
		case "d", "directory":
			cfg.OutputDir = fv.directory
		case "t", "tries":
			cfg.MaxRetries = fv.tries
		case "w", "workers":
			cfg.Workers = fv.workers
		case "metrics-addr":
			cfg.MetricsAddr = fv.metricsAddr
		}
	})
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return srv
}

func printBanner(w io.Writer, cfg *config.Config, queries int) {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(w, "booru-fetch")

	mode := color.GreenString("standard")
	if cfg.SafeMode {
		mode = color.YellowString("safe")
	}
	fmt.Fprintf(w, "  Host:     %s (%s)\n", cfg.Host(), mode)
	fmt.Fprintf(w, "  Queries:  %d\n", queries)
	fmt.Fprintf(w, "  Workers:  %d\n", cfg.Workers)
	fmt.Fprintf(w, "  Tries:    %d\n", cfg.MaxRetries)
}

func printSummary(w io.Writer, s pipeline.Summary, duration time.Duration) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	color.New(color.Bold).Fprintln(w, "Run complete")

	fmt.Fprintf(w, "  Queries:       %d\n", s.Queries)
	fmt.Fprintf(w, "  Containers:    %d\n", s.Containers)
	fmt.Fprintf(w, "  Items:         %d\n", s.Items)
	fmt.Fprintf(w, "  Downloaded:    %s\n", color.GreenString("%d", s.Downloaded))
	fmt.Fprintf(w, "  Skipped:       %d existing, %d without url\n", s.SkippedExisting, s.SkippedNoURL)
	fmt.Fprintf(w, "  Retries:       %d\n", s.Retries)

	failed := s.Abandoned + s.WriteFailed + int64(s.Failures)
	failedText := fmt.Sprintf("%d", failed)
	if failed > 0 {
		failedText = color.RedString("%d", failed)
	}
	fmt.Fprintf(w, "  Failed:        %s (%d abandoned, %d write errors, %d queries)\n",
		failedText, s.Abandoned, s.WriteFailed, s.Failures)
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
