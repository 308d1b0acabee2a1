package pipeline

import (
	"sync"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

const (
	rollingWindow = 100
	emaAlpha      = 0.2
)

// MetricsSnapshot is a point-in-time copy of pipeline metrics.
type MetricsSnapshot struct {
	TotalInteractions      int64              `json:"total_interactions"`
	Completed              int64              `json:"completed"`
	Degraded               int64              `json:"degraded"`
	TimedOut               int64              `json:"timed_out"`
	Failed                 int64              `json:"failed"`
	AverageTotalMS         float64            `json:"average_total_ms"`
	StageAverageMS         map[string]float64 `json:"stage_average_ms"`
	LastTokensPerSecond    float64            `json:"last_tokens_per_second"`
	TargetTokensPerSecond  float64            `json:"target_tokens_per_second"`
	BelowTargetGenerations int64              `json:"below_target_generations"`
	Repairs                int64              `json:"repairs"`
	Fallbacks              int64              `json:"fallbacks"`
}

// Metrics aggregates finished interactions. Totals are a rolling mean over the
// last 100 interactions; stage timings are exponential moving averages.
type Metrics struct {
	mu sync.Mutex

	target   float64
	counts   map[interaction.Outcome]int64
	total    int64
	window   []time.Duration
	next     int
	stageEMA map[string]float64
	lastTPS  float64
	below    int64
	repairs  int64
	fallback int64
}

// NewMetrics returns empty metrics with the given throughput target.
func NewMetrics(targetTokensPerSecond float64) *Metrics {
	return &Metrics{
		target:   targetTokensPerSecond,
		counts:   map[interaction.Outcome]int64{},
		window:   make([]time.Duration, 0, rollingWindow),
		stageEMA: map[string]float64{},
	}
}

// Record folds one finished interaction into the aggregates.
func (m *Metrics) Record(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.counts[res.Outcome]++
	if len(m.window) < rollingWindow {
		m.window = append(m.window, res.Timing.Total)
	} else {
		m.window[m.next] = res.Timing.Total
		m.next = (m.next + 1) % rollingWindow
	}

	for name, d := range map[string]time.Duration{
		"asr":        res.Timing.ASR,
		"llm":        res.Timing.LLM,
		"llm_repair": res.Timing.LLMRepair,
		"tts":        res.Timing.TTS,
	} {
		if d <= 0 {
			continue
		}
		ms := float64(d) / float64(time.Millisecond)
		if prev, ok := m.stageEMA[name]; ok {
			m.stageEMA[name] = emaAlpha*ms + (1-emaAlpha)*prev
		} else {
			m.stageEMA[name] = ms
		}
	}

	if res.TokensPerSecond > 0 {
		m.lastTPS = res.TokensPerSecond
		if res.TokensPerSecond < m.target {
			m.below++
		}
	}
	switch res.Validation {
	case interaction.ValidationRepaired:
		m.repairs++
	case interaction.ValidationFallback:
		m.fallback++
	}
}

// Snapshot returns a copy of the current aggregates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalInteractions:      m.total,
		Completed:              m.counts[interaction.OutcomeCompleted],
		Degraded:               m.counts[interaction.OutcomeDegraded],
		TimedOut:               m.counts[interaction.OutcomeTimedOut],
		Failed:                 m.counts[interaction.OutcomeFailed],
		StageAverageMS:         make(map[string]float64, len(m.stageEMA)),
		LastTokensPerSecond:    m.lastTPS,
		TargetTokensPerSecond:  m.target,
		BelowTargetGenerations: m.below,
		Repairs:                m.repairs,
		Fallbacks:              m.fallback,
	}
	if len(m.window) > 0 {
		var sum time.Duration
		for _, d := range m.window {
			sum += d
		}
		snap.AverageTotalMS = float64(sum) / float64(len(m.window)) / float64(time.Millisecond)
	}
	for k, v := range m.stageEMA {
		snap.StageAverageMS[k] = v
	}
	return snap
}
