package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/config"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	asropenai "github.com/tiger/blackbox-orchestrator/providers/asr/openai"
	"github.com/tiger/blackbox-orchestrator/providers/common/wsengine"
	llmopenai "github.com/tiger/blackbox-orchestrator/providers/llm/openai"
	"github.com/tiger/blackbox-orchestrator/providers/tts/polly"
	ttsopenai "github.com/tiger/blackbox-orchestrator/providers/tts/openai"
)

const engineRoute = "/engine"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "blackbox-engine-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("failed to load .env file", "error", err)
	}

	fs := flag.NewFlagSet("blackbox-engine-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stageName := fs.String("stage", os.Getenv("BLACKBOX_WORKER_STAGE"), "stage to serve: asr, llm or tts")
	provider := fs.String("provider", envOr("BLACKBOX_WORKER_PROVIDER", config.ProviderOpenAI), "engine provider: openai, polly or static")
	listen := fs.String("listen", envOr("BLACKBOX_WORKER_LISTEN", ":9100"), "listen address")
	logLevel := fs.String("log-level", envOr("BLACKBOX_LOG_LEVEL", "info"), "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	level, err := config.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	st := interaction.Stage(*stageName)
	if err := st.Validate(); err != nil {
		return fmt.Errorf("-stage: %w", err)
	}
	engine, err := newWorkerEngine(st, *provider)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *listen, err)
	}
	logger.Info("engine worker listening", "addr", ln.Addr().String(), "stage", st, "engine", engine.EngineID())
	return serve(ctx, ln, engine, logger)
}

// newWorkerEngine builds the engine from the provider's own environment
// settings.
func newWorkerEngine(st interaction.Stage, provider string) (contracts.Engine, error) {
	switch provider {
	case config.ProviderOpenAI:
		switch st {
		case interaction.StageASR:
			return asropenai.NewEngine(asropenai.ConfigFromEnv())
		case interaction.StageLLM:
			return llmopenai.NewEngine(llmopenai.ConfigFromEnv())
		default:
			return ttsopenai.NewEngine(ttsopenai.ConfigFromEnv())
		}
	case config.ProviderPolly:
		if st != interaction.StageTTS {
			return nil, fmt.Errorf("polly only serves tts")
		}
		return polly.NewEngine(polly.ConfigFromEnv())
	case config.ProviderStatic:
		return contracts.StaticEngine{ID: "static-" + string(st), Mode: st}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

func serve(ctx context.Context, ln net.Listener, engine contracts.Engine, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(engineRoute, wsengine.NewServer(engine, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := engine.(contracts.Pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = io.WriteString(w, "ok\n")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
