package thermal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
	"github.com/tiger/blackbox-orchestrator/internal/observability/telemetry"
)

// Reading is one raw sensor observation.
type Reading struct {
	// Temperatures maps zone name to degrees Celsius.
	Temperatures map[string]float64
	// Utilization is CPU busy percent in [0,100]; ignored unless HasUtilization.
	Utilization    float64
	HasUtilization bool
}

// MaxCelsius returns the hottest zone, or 0 with no zones.
func (r Reading) MaxCelsius() float64 {
	var hottest float64
	for _, c := range r.Temperatures {
		if c > hottest {
			hottest = c
		}
	}
	return hottest
}

// Sensor reads host temperature and utilization.
type Sensor interface {
	Read(ctx context.Context) (Reading, error)
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func(ctx context.Context) (Reading, error)

func (f SensorFunc) Read(ctx context.Context) (Reading, error) {
	return f(ctx)
}

// Thresholds are the classification boundaries.
type Thresholds struct {
	WarningC        float64 `yaml:"warning_c"`
	CriticalC       float64 `yaml:"critical_c"`
	CooldownC       float64 `yaml:"cooldown_c"`
	UtilWarningPct  float64 `yaml:"util_warning_pct"`
	UtilCriticalPct float64 `yaml:"util_critical_pct"`
}

// DefaultThresholds are tuned for a passively cooled ARM board.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningC:        75,
		CriticalC:       85,
		CooldownC:       70,
		UtilWarningPct:  85,
		UtilCriticalPct: 97,
	}
}

// Validate enforces ordered thresholds.
func (t Thresholds) Validate() error {
	if t.WarningC <= 0 || t.CriticalC <= t.WarningC {
		return fmt.Errorf("thermal thresholds require 0 < warning_c < critical_c")
	}
	if t.CooldownC <= 0 || t.CooldownC > t.CriticalC {
		return fmt.Errorf("cooldown_c must be in (0, critical_c]")
	}
	if t.UtilWarningPct < 0 || t.UtilCriticalPct < t.UtilWarningPct || t.UtilCriticalPct > 100 {
		return fmt.Errorf("utilization thresholds require 0 <= warning <= critical <= 100")
	}
	return nil
}

// Classify maps one reading to a state. Temperature and utilization are
// classified independently and the hotter result wins.
func Classify(r Reading, t Thresholds) interaction.ThermalState {
	state := interaction.ThermalNormal
	if len(r.Temperatures) > 0 {
		hottest := r.MaxCelsius()
		switch {
		case hottest >= t.CriticalC:
			state = interaction.ThermalCritical
		case hottest >= t.WarningC:
			state = interaction.ThermalWarning
		}
	}
	if r.HasUtilization && t.UtilCriticalPct > 0 {
		util := interaction.ThermalNormal
		switch {
		case r.Utilization >= t.UtilCriticalPct:
			util = interaction.ThermalCritical
		case t.UtilWarningPct > 0 && r.Utilization >= t.UtilWarningPct:
			util = interaction.ThermalWarning
		}
		if util.Severity() > state.Severity() {
			state = util
		}
	}
	return state
}

// Sample is the published monitor snapshot. It is immutable once published.
type Sample struct {
	Timestamp    time.Time
	Reading      Reading
	Raw          interaction.ThermalState
	State        interaction.ThermalState
	CooldownHeld bool
}

// Status is the operator view of the monitor.
type Status struct {
	State           interaction.ThermalState `json:"state"`
	Temperatures    map[string]float64       `json:"temperatures"`
	MaxCelsius      float64                  `json:"max_celsius"`
	Utilization     float64                  `json:"utilization_percent"`
	Thresholds      Thresholds               `json:"thresholds"`
	Throttling      bool                     `json:"throttling"`
	CooldownActive  bool                     `json:"cooldown_active"`
	Running         bool                     `json:"running"`
	LastSampleAt    time.Time                `json:"last_sample_at"`
	SampleFailures  uint64                   `json:"sample_failures"`
	HysteresisCount int                      `json:"hysteresis_samples"`
}

// Config controls sampling cadence and debouncing.
type Config struct {
	Period     time.Duration
	Hysteresis int
	Thresholds Thresholds
	Now        func() time.Time
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 2 * time.Second
	}
	if c.Hysteresis < 1 {
		c.Hysteresis = 3
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Monitor samples the host periodically and publishes a debounced state.
// Readers call Current or Snapshot and never wait on the sampler.
type Monitor struct {
	cfg    Config
	sensor Sensor
	logger *slog.Logger

	current atomic.Pointer[Sample]

	// writeMu serializes publishers; readers never take it.
	writeMu   sync.Mutex
	candidate interaction.ThermalState
	streak    int

	cooldown atomic.Bool
	running  atomic.Bool
	failures atomic.Uint64
}

// NewMonitor returns a monitor publishing normal until the first samples agree otherwise.
func NewMonitor(sensor Sensor, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:       cfg,
		sensor:    sensor,
		logger:    cfg.Logger.With("component", "thermal"),
		candidate: interaction.ThermalNormal,
	}
	m.current.Store(&Sample{Timestamp: cfg.Now(), Raw: interaction.ThermalNormal, State: interaction.ThermalNormal})
	return m
}

// Current returns the latest published state without blocking.
func (m *Monitor) Current() interaction.ThermalState {
	return m.current.Load().State
}

// Snapshot returns the latest published sample without blocking.
func (m *Monitor) Snapshot() Sample {
	return *m.current.Load()
}

// Run samples every period until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("thermal monitor already running")
	}
	defer m.running.Store(false)

	m.logger.Info("thermal monitor started", "period", m.cfg.Period, "hysteresis", m.cfg.Hysteresis)
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		if _, err := m.SampleOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("thermal sample failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("thermal monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SampleOnce reads the sensor, applies hysteresis, and publishes the result.
// On sensor error the previous state stays published.
func (m *Monitor) SampleOnce(ctx context.Context) (Sample, error) {
	reading, err := m.sensor.Read(ctx)
	if err != nil {
		m.failures.Add(1)
		return m.Snapshot(), fmt.Errorf("read thermal sensor: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	raw := Classify(reading, m.cfg.Thresholds)
	held := false
	if m.cooldown.Load() {
		if len(reading.Temperatures) > 0 && reading.MaxCelsius() >= m.cfg.Thresholds.CooldownC {
			raw = interaction.ThermalCritical
			held = true
		} else {
			m.cooldown.Store(false)
			m.logger.Info("thermal cooldown released", "max_celsius", reading.MaxCelsius())
		}
	}

	prev := m.current.Load()
	next := prev.State
	if held {
		next = interaction.ThermalCritical
		m.candidate, m.streak = raw, 0
	} else if raw == prev.State {
		m.candidate, m.streak = raw, 0
	} else {
		if raw == m.candidate {
			m.streak++
		} else {
			m.candidate, m.streak = raw, 1
		}
		if m.streak >= m.cfg.Hysteresis {
			next = raw
			m.streak = 0
		}
	}

	sample := &Sample{
		Timestamp:    m.cfg.Now(),
		Reading:      cloneReading(reading),
		Raw:          raw,
		State:        next,
		CooldownHeld: held,
	}
	m.current.Store(sample)

	if next != prev.State {
		m.logger.Info("thermal state changed", "from", prev.State, "to", next, "max_celsius", reading.MaxCelsius(), "utilization", reading.Utilization)
	}
	emitter := telemetry.DefaultEmitter()
	attrs := map[string]string{"state": string(next), "raw": string(raw)}
	corr := telemetry.Correlation{Source: "thermal_monitor", AtMS: sample.Timestamp.UnixMilli()}
	if len(reading.Temperatures) > 0 {
		emitter.EmitMetric(telemetry.MetricThermalCelsius, reading.MaxCelsius(), "celsius", attrs, corr)
	}
	if reading.HasUtilization {
		emitter.EmitMetric(telemetry.MetricUtilizationPercent, reading.Utilization, "percent", attrs, corr)
	}
	return *sample, nil
}

// TriggerCooldown forces critical immediately and holds it until the hottest
// zone falls below the cooldown threshold.
func (m *Monitor) TriggerCooldown() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.cooldown.Store(true)
	prev := m.current.Load()
	next := *prev
	next.Timestamp = m.cfg.Now()
	next.State = interaction.ThermalCritical
	next.CooldownHeld = true
	m.current.Store(&next)
	m.logger.Warn("thermal cooldown triggered", "previous_state", prev.State)
}

// Status returns the operator view.
func (m *Monitor) Status() Status {
	s := m.Snapshot()
	temps := make(map[string]float64, len(s.Reading.Temperatures))
	for k, v := range s.Reading.Temperatures {
		temps[k] = v
	}
	return Status{
		State:           s.State,
		Temperatures:    temps,
		MaxCelsius:      s.Reading.MaxCelsius(),
		Utilization:     s.Reading.Utilization,
		Thresholds:      m.cfg.Thresholds,
		Throttling:      s.State != interaction.ThermalNormal,
		CooldownActive:  m.cooldown.Load(),
		Running:         m.running.Load(),
		LastSampleAt:    s.Timestamp,
		SampleFailures:  m.failures.Load(),
		HysteresisCount: m.cfg.Hysteresis,
	}
}

func cloneReading(r Reading) Reading {
	out := r
	if r.Temperatures != nil {
		out.Temperatures = make(map[string]float64, len(r.Temperatures))
		for k, v := range r.Temperatures {
			out.Temperatures[k] = v
		}
	}
	return out
}
