package api

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/pipeline"
)

const (
	progressWriteWait = 5 * time.Second
	progressPingEvery = 30 * time.Second
)

type textRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

type memoryStatus struct {
	TotalMB     uint64  `json:"total_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": ServiceName,
		"version": s.cfg.Version,
		"status":  "running",
		"endpoints": []string{
			"GET /health", "GET /metrics",
			"POST /voice/interact", "POST /voice/transcribe", "POST /text/interact",
			"GET /context/:user", "DELETE /context/:user", "GET /reminders/:user",
			"GET /thermal/status", "POST /thermal/cooldown", "GET /ws/interactions",
		},
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx := c.UserContext()
	status := "healthy"
	body := fiber.Map{
		"uptime_s":             int64(s.cfg.Now().Sub(s.started).Seconds()),
		"busy":                 s.deps.Orchestrator.Busy(),
		"progress_subscribers": s.deps.Hub.ClientCount(),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		status = "degraded"
		body["store"] = err.Error()
	} else {
		body["store"] = "ok"
	}
	if s.deps.Thermal != nil {
		th := s.deps.Thermal.Status()
		body["thermal"] = th.State
		if th.State == interaction.ThermalCritical {
			status = "degraded"
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		body["memory"] = memoryStatus{
			TotalMB:     vm.Total >> 20,
			AvailableMB: vm.Available >> 20,
			UsedPercent: vm.UsedPercent,
		}
	}
	body["status"] = status
	return c.JSON(body)
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	return c.JSON(s.deps.Orchestrator.Metrics().Snapshot())
}

func (s *Server) handleVoiceInteract(c *fiber.Ctx) error {
	audio, err := readAudio(c)
	if err != nil {
		return err
	}
	res, err := s.deps.Orchestrator.Run(c.UserContext(), pipeline.Request{
		UserID:      s.userID(c.FormValue("user_id")),
		Audio:       audio.Data,
		AudioFormat: audio.Format,
	})
	if err != nil {
		return err
	}
	return s.respondResult(c, res)
}

func (s *Server) handleTranscribe(c *fiber.Ctx) error {
	audio, err := readAudio(c)
	if err != nil {
		return err
	}
	text, elapsed, err := s.deps.Orchestrator.Transcribe(c.UserContext(), audio)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"transcription": text,
		"asr_ms":        elapsed.Milliseconds(),
	})
}

func (s *Server) handleTextInteract(c *fiber.Ctx) error {
	var req textRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "text is required")
	}
	res, err := s.deps.Orchestrator.Run(c.UserContext(), pipeline.Request{
		UserID: s.userID(req.UserID),
		Text:   req.Text,
	})
	if err != nil {
		return err
	}
	return s.respondResult(c, res)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.deps.Orchestrator.Cancel(id) {
		return fiber.NewError(fiber.StatusNotFound, "interaction not in flight")
	}
	s.logger.Info("interaction cancelled", "interaction_id", id, "remote", c.IP())
	return c.JSON(fiber.Map{"interaction_id": id, "cancelled": true})
}

func (s *Server) handleGetContext(c *fiber.Ctx) error {
	user := c.Params("user")
	limit := s.cfg.ContextLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	messages, err := s.deps.Store.RecentMessages(c.UserContext(), user, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"user_id": user, "messages": messages})
}

func (s *Server) handleClearContext(c *fiber.Ctx) error {
	user := c.Params("user")
	n, err := s.deps.Store.ClearMessages(c.UserContext(), user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"user_id": user, "deleted": n})
}

func (s *Server) handleReminders(c *fiber.Ctx) error {
	user := c.Params("user")
	reminders, err := s.deps.Store.ActiveReminders(c.UserContext(), user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"user_id": user, "reminders": reminders})
}

func (s *Server) handleThermalStatus(c *fiber.Ctx) error {
	if s.deps.Thermal == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "thermal monitor not running")
	}
	return c.JSON(s.deps.Thermal.Status())
}

func (s *Server) handleCooldown(c *fiber.Ctx) error {
	if s.deps.Thermal == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "thermal monitor not running")
	}
	s.deps.Thermal.TriggerCooldown()
	s.logger.Warn("manual thermal cooldown requested", "remote", c.IP())
	return c.JSON(s.deps.Thermal.Status())
}

func (s *Server) handleProgress(conn *websocket.Conn) {
	sub := s.deps.Hub.subscribe()
	defer s.deps.Hub.unsubscribe(sub)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPingEvery)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// respondResult always returns the partial result; the status reflects the
// outcome so thin clients can branch without parsing.
func (s *Server) respondResult(c *fiber.Ctx, res pipeline.Result) error {
	status := fiber.StatusOK
	switch res.Outcome {
	case interaction.OutcomeTimedOut:
		status = fiber.StatusGatewayTimeout
	case interaction.OutcomeFailed:
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(res)
}

func (s *Server) userID(raw string) string {
	if id := strings.TrimSpace(raw); id != "" {
		return id
	}
	return s.cfg.DefaultUserID
}

func readAudio(c *fiber.Ctx) (pipeline.Audio, error) {
	header, err := c.FormFile("audio")
	if err != nil {
		return pipeline.Audio{}, fiber.NewError(fiber.StatusBadRequest, "multipart field \"audio\" is required")
	}
	f, err := header.Open()
	if err != nil {
		return pipeline.Audio{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Audio{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return pipeline.Audio{}, fiber.NewError(fiber.StatusBadRequest, "audio upload is empty")
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if format == "" {
		format = "wav"
	}
	return pipeline.Audio{Data: data, Format: format}, nil
}
