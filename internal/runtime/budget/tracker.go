package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

// Action is the bookkeeping decision attached to a charge.
type Action string

const (
	ActionContinue Action = "continue"
	ActionOverrun  Action = "overrun"
)

// Decision summarizes a charge against a stage allotment.
type Decision struct {
	Action        Action
	Reason        string
	EmitWarning   bool
	EmitExhausted bool
}

// Weights are proportional shares of the total budget.
type Weights struct {
	ASR     float64 `yaml:"asr"`
	LLM     float64 `yaml:"llm"`
	TTS     float64 `yaml:"tts"`
	Reserve float64 `yaml:"reserve"`
}

// DefaultWeights splits a 13s budget into 2.5s/7.5s/1.5s with 1.5s reserve.
func DefaultWeights() Weights {
	return Weights{ASR: 2.5, LLM: 7.5, TTS: 1.5, Reserve: 1.5}
}

// Validate enforces positive stage weights and a non-negative reserve.
func (w Weights) Validate() error {
	if w.ASR <= 0 || w.LLM <= 0 || w.TTS <= 0 {
		return fmt.Errorf("stage weights must be >0")
	}
	if w.Reserve < 0 {
		return fmt.Errorf("reserve weight must be >=0")
	}
	return nil
}

func (w Weights) forStage(stage interaction.Stage) float64 {
	switch stage {
	case interaction.StageASR:
		return w.ASR
	case interaction.StageLLM:
		return w.LLM
	case interaction.StageTTS:
		return w.TTS
	default:
		return 0
	}
}

func (w Weights) sum() float64 {
	return w.ASR + w.LLM + w.TTS + w.Reserve
}

// StageBudget is the immutable allotment handed to one stage.
type StageBudget struct {
	Stage         interaction.Stage
	Allotted      time.Duration
	SoftThreshold time.Duration
}

// Allocation is the full split of one interaction budget.
type Allocation struct {
	Total   time.Duration
	Stages  []StageBudget
	Reserve time.Duration
}

// Sum returns the allotted stage time plus reserve.
func (a Allocation) Sum() time.Duration {
	sum := a.Reserve
	for _, s := range a.Stages {
		sum += s.Allotted
	}
	return sum
}

// Allocate splits total by weights. Rounding remainder goes to the reserve so
// the stage allotments plus reserve always equal total.
func Allocate(total time.Duration, weights Weights, softFraction float64) (Allocation, error) {
	if total <= 0 {
		return Allocation{}, fmt.Errorf("total budget must be >0")
	}
	if err := weights.Validate(); err != nil {
		return Allocation{}, err
	}
	if softFraction <= 0 || softFraction > 1 {
		return Allocation{}, fmt.Errorf("soft fraction must be in (0,1]")
	}

	sum := weights.sum()
	alloc := Allocation{Total: total}
	var used time.Duration
	for _, stage := range interaction.Stages() {
		allotted := time.Duration(float64(total) * weights.forStage(stage) / sum)
		if allotted <= 0 {
			return Allocation{}, fmt.Errorf("stage %s allotment rounds to zero for total %s", stage, total)
		}
		used += allotted
		alloc.Stages = append(alloc.Stages, StageBudget{
			Stage:         stage,
			Allotted:      allotted,
			SoftThreshold: time.Duration(float64(allotted) * softFraction),
		})
	}
	alloc.Reserve = total - used
	return alloc, nil
}

// Adjustment is a degradation request applied to not-yet-entered stages.
type Adjustment struct {
	// SoftScale multiplies the nominal soft threshold; 1 leaves it unchanged.
	SoftScale float64
	// ReserveFraction shrinks the reserve to this fraction of its original
	// value; the freed time is handed to not-yet-entered stages by weight.
	// Zero or one leaves the reserve unchanged.
	ReserveFraction float64
}

// Charge records actual elapsed time against one stage.
type Charge struct {
	Stage    interaction.Stage
	Elapsed  time.Duration
	Allotted time.Duration
	Overrun  bool
	Decision Decision
}

// Config controls tracker allocation.
type Config struct {
	Total        time.Duration
	Weights      Weights
	SoftFraction float64
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Total <= 0 {
		c.Total = 13 * time.Second
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.SoftFraction <= 0 {
		c.SoftFraction = 0.8
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Tracker is the per-interaction budget ledger. It performs no I/O and never
// aborts anything on its own.
type Tracker struct {
	mu sync.Mutex

	now          func() time.Time
	weights      Weights
	softFraction float64

	start           time.Time
	deadline        time.Time
	total           time.Duration
	budgets         map[interaction.Stage]StageBudget
	reserve         time.Duration
	originalReserve time.Duration
	entered         map[interaction.Stage]bool
	charges         []Charge
}

// NewTracker allocates a budget starting at cfg.Now().
func NewTracker(cfg Config) (*Tracker, error) {
	cfg = cfg.withDefaults()
	alloc, err := Allocate(cfg.Total, cfg.Weights, cfg.SoftFraction)
	if err != nil {
		return nil, err
	}
	start := cfg.Now()
	t := &Tracker{
		now:             cfg.Now,
		weights:         cfg.Weights,
		softFraction:    cfg.SoftFraction,
		start:           start,
		deadline:        start.Add(alloc.Total),
		total:           alloc.Total,
		budgets:         make(map[interaction.Stage]StageBudget, len(alloc.Stages)),
		reserve:         alloc.Reserve,
		originalReserve: alloc.Reserve,
		entered:         map[interaction.Stage]bool{},
	}
	for _, sb := range alloc.Stages {
		t.budgets[sb.Stage] = sb
	}
	return t, nil
}

// Start returns the allocation timestamp.
func (t *Tracker) Start() time.Time {
	return t.start
}

// Deadline returns the global interaction deadline.
func (t *Tracker) Deadline() time.Time {
	return t.deadline
}

// Remaining returns deadline - now. It may be negative.
func (t *Tracker) Remaining() time.Duration {
	return t.deadline.Sub(t.now())
}

// Elapsed returns time since allocation.
func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Allocation returns the current split, reflecting any applied degradation.
func (t *Tracker) Allocation() Allocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	alloc := Allocation{Total: t.total, Reserve: t.reserve}
	for _, stage := range interaction.Stages() {
		alloc.Stages = append(alloc.Stages, t.budgets[stage])
	}
	return alloc
}

// Budget returns the current allotment for stage.
func (t *Tracker) Budget(stage interaction.Stage) StageBudget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budgets[stage]
}

// Enter marks stage as entered and returns its deadline, the earlier of
// now + allotment and the global deadline. Entered stages are frozen
// against later degradation.
func (t *Tracker) Enter(stage interaction.Stage) (StageBudget, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entered[stage] = true
	sb := t.budgets[stage]
	deadline := t.now().Add(sb.Allotted)
	if deadline.After(t.deadline) {
		deadline = t.deadline
	}
	return sb, deadline
}

// Skip marks stage as entered without charging it.
func (t *Tracker) Skip(stage interaction.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entered[stage] = true
}

// Entered reports whether stage was entered or skipped.
func (t *Tracker) Entered(stage interaction.Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entered[stage]
}

// Charge records elapsed time against stage. Exceeding the allotment sets the
// overrun flag; exceeding the soft threshold sets a warning.
func (t *Tracker) Charge(stage interaction.Stage, elapsed time.Duration) Charge {
	t.mu.Lock()
	defer t.mu.Unlock()
	if elapsed < 0 {
		elapsed = 0
	}
	sb := t.budgets[stage]
	c := Charge{
		Stage:    stage,
		Elapsed:  elapsed,
		Allotted: sb.Allotted,
		Decision: evaluate(sb, elapsed),
	}
	c.Overrun = c.Decision.EmitExhausted
	t.charges = append(t.charges, c)
	return c
}

// Charges returns every recorded charge in order.
func (t *Tracker) Charges() []Charge {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Charge, len(t.charges))
	copy(out, t.charges)
	return out
}

// Spent returns the sum of charges recorded against stage.
func (t *Tracker) Spent(stage interaction.Stage) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum time.Duration
	for _, c := range t.charges {
		if c.Stage == stage {
			sum += c.Elapsed
		}
	}
	return sum
}

// Degrade replaces budgets of not-yet-entered stages. It is idempotent for a
// given adjustment and never moves the global deadline.
func (t *Tracker) Degrade(adj Adjustment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make([]interaction.Stage, 0, 3)
	for _, stage := range interaction.Stages() {
		if !t.entered[stage] {
			pending = append(pending, stage)
		}
	}
	if len(pending) == 0 {
		return
	}

	if adj.ReserveFraction > 0 && adj.ReserveFraction < 1 {
		target := time.Duration(float64(t.originalReserve) * adj.ReserveFraction)
		if target < t.reserve {
			freed := t.reserve - target
			t.reserve = target
			t.redistribute(pending, freed)
		}
	}

	scale := adj.SoftScale
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	for _, stage := range pending {
		sb := t.budgets[stage]
		sb.SoftThreshold = time.Duration(float64(sb.Allotted) * t.softFraction * scale)
		t.budgets[stage] = sb
	}
}

func (t *Tracker) redistribute(pending []interaction.Stage, freed time.Duration) {
	var weightSum float64
	for _, stage := range pending {
		weightSum += t.weights.forStage(stage)
	}
	var given time.Duration
	for i, stage := range pending {
		share := time.Duration(float64(freed) * t.weights.forStage(stage) / weightSum)
		if i == len(pending)-1 {
			share = freed - given
		}
		given += share
		sb := t.budgets[stage]
		sb.Allotted += share
		t.budgets[stage] = sb
	}
}

func evaluate(sb StageBudget, elapsed time.Duration) Decision {
	soft := sb.SoftThreshold
	if soft <= 0 || soft > sb.Allotted {
		soft = sb.Allotted
	}
	if elapsed < soft {
		return Decision{Action: ActionContinue, Reason: "within_budget"}
	}
	if elapsed <= sb.Allotted {
		return Decision{Action: ActionContinue, Reason: "budget_warning", EmitWarning: true}
	}
	return Decision{
		Action:        ActionOverrun,
		Reason:        "budget_exhausted",
		EmitWarning:   true,
		EmitExhausted: true,
	}
}
