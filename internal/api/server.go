// Package api is the kiosk-facing HTTP surface of the orchestrator.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/pipeline"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/thermal"
	"github.com/tiger/blackbox-orchestrator/internal/store"
)

const (
	ServiceName        = "blackbox-orchestrator"
	defaultListen      = ":8000"
	defaultBodyLimitMB = 25
	shutdownTimeout    = 5 * time.Second
)

// Orchestrator is the pipeline surface the API drives.
type Orchestrator interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Transcribe(ctx context.Context, audio pipeline.Audio) (string, time.Duration, error)
	Metrics() *pipeline.Metrics
	Busy() bool
	Cancel(interactionID string) bool
}

// ContextStore serves conversation history and reminders.
type ContextStore interface {
	Ping(ctx context.Context) error
	RecentMessages(ctx context.Context, userID string, limit int) ([]store.Message, error)
	ClearMessages(ctx context.Context, userID string) (int64, error)
	ActiveReminders(ctx context.Context, userID string) ([]store.Reminder, error)
}

// ThermalControl is the operator view of the thermal monitor.
type ThermalControl interface {
	Status() thermal.Status
	TriggerCooldown()
}

type Config struct {
	Listen        string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	BodyLimitMB   int
	DefaultUserID string
	ContextLimit  int
	Version       string
	Now           func() time.Time
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.BodyLimitMB <= 0 {
		c.BodyLimitMB = defaultBodyLimitMB
	}
	if c.DefaultUserID == "" {
		c.DefaultUserID = "default_user"
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = 10
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Deps struct {
	Orchestrator Orchestrator
	Store        ContextStore
	Thermal      ThermalControl
	Hub          *Hub
}

type Server struct {
	app     *fiber.App
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

func New(deps Deps, cfg Config) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	cfg = cfg.withDefaults()
	if deps.Hub == nil {
		deps.Hub = NewHub(cfg.Logger)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  cfg.Logger.With("component", "api"),
		started: cfg.Now(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               ServiceName,
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimitMB << 20,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s, nil
}

// App exposes the fiber app for in-process requests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

func (s *Server) routes() {
	s.app.Get("/", s.handleRoot)
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	s.app.Post("/voice/interact", s.handleVoiceInteract)
	s.app.Post("/voice/transcribe", s.handleTranscribe)
	s.app.Post("/text/interact", s.handleTextInteract)
	s.app.Post("/interactions/:id/cancel", s.handleCancel)

	s.app.Get("/context/:user", s.handleGetContext)
	s.app.Delete("/context/:user", s.handleClearContext)
	s.app.Get("/reminders/:user", s.handleReminders)

	s.app.Get("/thermal/status", s.handleThermalStatus)
	s.app.Post("/thermal/cooldown", s.handleCooldown)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/interactions", websocket.New(s.handleProgress))
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.logger.Info("api listening", "addr", ln.Addr().String())
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.Is(err, pipeline.ErrBusy):
		status = fiber.StatusTooManyRequests
	case errors.Is(err, pipeline.ErrNoAudio):
		status = fiber.StatusBadRequest
	case errors.Is(err, pipeline.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrEngineFailure), errors.Is(err, pipeline.ErrMalformedOutput):
		status = fiber.StatusBadGateway
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
