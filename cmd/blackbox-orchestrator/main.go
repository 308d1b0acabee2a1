package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tiger/blackbox-orchestrator/internal/api"
	"github.com/tiger/blackbox-orchestrator/internal/config"
	"github.com/tiger/blackbox-orchestrator/internal/observability/telemetry"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/pipeline"
)

// version is set at link time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "blackbox-orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	if len(args) == 0 {
		return runServe(ctx, nil, stderr)
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "ask":
		return runAsk(ctx, args[1:], stdout, stderr)
	case "config":
		return runPrintConfig(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		if strings.HasPrefix(args[0], "-") {
			return runServe(ctx, args, stderr)
		}
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: blackbox-orchestrator [serve|ask|config] [-config path]")
	fmt.Fprintln(w, "  serve   run the kiosk API, thermal monitor and store maintenance (default)")
	fmt.Fprintln(w, "  ask     run one text interaction and print the result as JSON")
	fmt.Fprintln(w, "  config  print the effective configuration with secrets redacted")
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", os.Getenv("BLACKBOX_CONFIG"), "path to YAML config")
	return fs, path
}

func loadConfig(fs *flag.FlagSet, path *string, args []string) (config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	return config.Load(*path)
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs, path := newFlagSet("serve", stderr)
	cfg, err := loadConfig(fs, path, args)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	cleanupTelemetry, err := setupTelemetry(logger)
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	hub := api.NewHub(logger)
	app, err := build(ctx, cfg, logger, hub.Publish)
	if err != nil {
		return err
	}
	defer app.Close()

	server, err := api.New(api.Deps{
		Orchestrator: app.orchestrator,
		Store:        app.store,
		Thermal:      app.monitor,
		Hub:          hub,
	}, api.Config{
		Listen:        cfg.API.Listen,
		ReadTimeout:   cfg.API.ReadTimeout,
		WriteTimeout:  cfg.API.WriteTimeout,
		BodyLimitMB:   cfg.API.BodyLimitMB,
		DefaultUserID: cfg.Pipeline.DefaultUserID,
		ContextLimit:  cfg.Context.MaxMessages,
		Version:       version,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting orchestrator", "version", version, "listen", cfg.API.Listen, "budget", cfg.Budget.Total)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.monitor.Run(gctx) })
	g.Go(func() error { return app.maintenance.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		readyCtx, cancel := context.WithTimeout(gctx, 2*time.Minute)
		defer cancel()
		if err := app.orchestrator.WaitReady(readyCtx, 2*time.Second); err != nil && gctx.Err() == nil {
			logger.Warn("engines not ready, serving anyway", "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("orchestrator stopped")
	return nil
}

func runAsk(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	fs, path := newFlagSet("ask", stderr)
	text := fs.String("text", "", "utterance to send")
	user := fs.String("user", "", "user id")
	cfg, err := loadConfig(fs, path, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*text) == "" {
		return fmt.Errorf("ask requires -text")
	}
	logger := cfg.Log.NewLogger()
	app, err := build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.orchestrator.Run(ctx, pipeline.Request{
		UserID: *user,
		Text:   *text,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runPrintConfig(args []string, stdout io.Writer) error {
	fs, path := newFlagSet("config", io.Discard)
	cfg, err := loadConfig(fs, path, args)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = stdout.Write(out)
	return err
}

func setupTelemetry(logger *slog.Logger) (func(), error) {
	previous := telemetry.DefaultEmitter()

	rt, err := telemetry.NewPipelineFromEnv(logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry setup failed: %w", err)
	}
	if rt == nil {
		return func() {
			telemetry.SetDefaultEmitter(previous)
		}, nil
	}

	telemetry.SetDefaultEmitter(rt)
	return func() {
		_ = rt.Close()
		telemetry.SetDefaultEmitter(previous)
	}, nil
}
