package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/config"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/funccall"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/pipeline"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/stage"
	"github.com/tiger/blackbox-orchestrator/internal/runtime/thermal"
	"github.com/tiger/blackbox-orchestrator/internal/store"
	asropenai "github.com/tiger/blackbox-orchestrator/providers/asr/openai"
	"github.com/tiger/blackbox-orchestrator/providers/common/openaicompat"
	"github.com/tiger/blackbox-orchestrator/providers/common/wsengine"
	llmopenai "github.com/tiger/blackbox-orchestrator/providers/llm/openai"
	"github.com/tiger/blackbox-orchestrator/providers/tts/polly"
	ttsopenai "github.com/tiger/blackbox-orchestrator/providers/tts/openai"
)

// components is everything serve and ask share.
type components struct {
	orchestrator *pipeline.Orchestrator
	store        *store.Store
	monitor      *thermal.Monitor
	maintenance  *store.Maintenance

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, observer func(interaction.Progress)) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.store, err = store.Open(ctx, store.Config{
		Path:   cfg.Store.Path,
		Secret: cfg.Store.Secret,
		KDF:    cfg.Store.KDF,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.closers = append(c.closers, func() { _ = c.store.Close() })

	c.maintenance, err = store.NewMaintenance(c.store, store.MaintenanceConfig{
		PruneSchedule: cfg.Store.PruneSchedule,
		SweepSchedule: cfg.Store.SweepSchedule,
		Retention:     cfg.Store.Retention(),
		OnDue: func(r store.Reminder) {
			logger.Info("reminder due", "user_id", r.UserID, "reminder_id", r.ID, "title", r.Title)
		},
	})
	if err != nil {
		return nil, err
	}

	registry := funccall.DefaultRegistry()
	if path := strings.TrimSpace(cfg.Functions.RegistryPath); path != "" {
		registry, err = funccall.LoadRegistryFile(path)
		if err != nil {
			return nil, err
		}
	}

	c.monitor = thermal.NewMonitor(
		thermal.NewHostSensor(thermal.SysfsZones{Root: cfg.Thermal.ZonesRoot, MaxZones: cfg.Thermal.MaxZones}),
		thermal.Config{
			Period:     cfg.Thermal.Period,
			Hysteresis: cfg.Thermal.Hysteresis,
			Thresholds: cfg.Thermal.Thresholds,
			Logger:     logger,
		},
	)

	fence := cancellation.NewFence()
	adapters := make(map[interaction.Stage]*stage.Adapter, 3)
	for _, st := range []interaction.Stage{interaction.StageASR, interaction.StageLLM, interaction.StageTTS} {
		engine, closeEngine, err := newEngine(st, engineConfig(cfg.Engines, st))
		if err != nil {
			return nil, fmt.Errorf("%s engine: %w", st, err)
		}
		c.closers = append(c.closers, closeEngine)
		adapter, err := stage.NewAdapter(engine, stage.Config{Grace: cfg.Budget.Grace, Fence: fence, Logger: logger})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, adapter.Close)
		adapters[st] = adapter
	}

	c.orchestrator, err = pipeline.New(pipeline.Deps{
		ASR:       adapters[interaction.StageASR],
		LLM:       adapters[interaction.StageLLM],
		TTS:       adapters[interaction.StageTTS],
		Thermal:   c.monitor,
		Validator: funccall.NewValidator(registry, time.Local),
		Actions:   store.NewActions(c.store),
		History:   c.store,
		Fence:     fence,
	}, pipeline.Config{
		Total:                 cfg.Budget.Total,
		Weights:               cfg.Budget.Weights,
		SoftFraction:          cfg.Budget.SoftFraction,
		Policies:              cfg.Degradation,
		Admission:             pipeline.AdmissionMode(cfg.Pipeline.Admission),
		SystemPrompt:          cfg.Pipeline.SystemPrompt,
		HistoryLimit:          cfg.Context.MaxMessages,
		TargetTokensPerSecond: cfg.Pipeline.TargetTokensPerSecond,
		DefaultUserID:         cfg.Pipeline.DefaultUserID,
		Observer:              observer,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func engineConfig(engines config.EnginesConfig, st interaction.Stage) config.EngineConfig {
	switch st {
	case interaction.StageASR:
		return engines.ASR
	case interaction.StageLLM:
		return engines.LLM
	default:
		return engines.TTS
	}
}

// newEngine builds the engine named by ec.Provider for st.
func newEngine(st interaction.Stage, ec config.EngineConfig) (contracts.Engine, func(), error) {
	noop := func() {}
	compat := openaicompat.Config{
		BaseURL:   ec.BaseURL,
		APIKey:    ec.APIKey,
		Model:     ec.Model,
		FastModel: ec.FastModel,
		Timeout:   ec.Timeout,
	}
	switch ec.Provider {
	case config.ProviderOpenAI:
		switch st {
		case interaction.StageASR:
			e, err := asropenai.NewEngine(asropenai.Config{Config: compat, Language: "en"})
			return e, noop, err
		case interaction.StageLLM:
			e, err := llmopenai.NewEngine(llmopenai.Config{Config: compat, Temperature: 0.7})
			return e, noop, err
		default:
			e, err := ttsopenai.NewEngine(ttsopenai.Config{Config: compat, Voice: ec.Voice})
			return e, noop, err
		}
	case config.ProviderPolly:
		e, err := polly.NewEngine(polly.Config{Region: ec.Region, VoiceID: ec.Voice, Timeout: ec.Timeout})
		return e, noop, err
	case config.ProviderRemote:
		client, err := wsengine.NewClient(wsengine.ClientConfig{
			URL:      ec.BaseURL,
			EngineID: "remote-" + string(st),
			Stage:    st,
		})
		if err != nil {
			return nil, noop, err
		}
		return client, func() { _ = client.Close() }, nil
	case config.ProviderStatic:
		return contracts.StaticEngine{ID: "static-" + string(st), Mode: st}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported provider %q", ec.Provider)
	}
}
