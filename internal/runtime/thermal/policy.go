package thermal

import (
	"fmt"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

// Policy is the configuration handed to not-yet-entered stages for one
// thermal state.
type Policy struct {
	// SoftScale multiplies remaining stages' soft warning thresholds.
	SoftScale float64 `yaml:"soft_scale"`
	// Variant selects the engine configuration.
	Variant interaction.Variant `yaml:"variant"`
	// MaxOutputTokens caps generation length; zero means engine default.
	MaxOutputTokens int `yaml:"max_output_tokens"`
	// ReserveFraction shrinks the orchestration reserve; 1 keeps it whole.
	ReserveFraction float64 `yaml:"reserve_fraction"`
	// UnderLoad surfaces a "system under load" flag in the result.
	UnderLoad bool `yaml:"under_load"`
}

// Validate enforces sane policy values.
func (p Policy) Validate() error {
	if p.SoftScale <= 0 || p.SoftScale > 1 {
		return fmt.Errorf("soft_scale must be in (0,1]")
	}
	if err := p.Variant.Validate(); err != nil {
		return err
	}
	if p.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be >=0")
	}
	if p.ReserveFraction <= 0 || p.ReserveFraction > 1 {
		return fmt.Errorf("reserve_fraction must be in (0,1]")
	}
	return nil
}

// PolicySet maps each thermal state to a policy.
type PolicySet struct {
	Normal   Policy `yaml:"normal"`
	Warning  Policy `yaml:"warning"`
	Critical Policy `yaml:"critical"`
}

// DefaultPolicies keeps full quality when cool, prefers the fast variant when
// warm, and additionally shrinks the reserve and flags load when critical.
func DefaultPolicies() PolicySet {
	return PolicySet{
		Normal:   Policy{SoftScale: 1, Variant: interaction.VariantFull, MaxOutputTokens: 150, ReserveFraction: 1},
		Warning:  Policy{SoftScale: 0.7, Variant: interaction.VariantFast, MaxOutputTokens: 96, ReserveFraction: 1},
		Critical: Policy{SoftScale: 0.5, Variant: interaction.VariantFast, MaxOutputTokens: 64, ReserveFraction: 0.5, UnderLoad: true},
	}
}

// Validate checks every mapping.
func (s PolicySet) Validate() error {
	for name, p := range map[string]Policy{"normal": s.Normal, "warning": s.Warning, "critical": s.Critical} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("degradation.%s: %w", name, err)
		}
	}
	return nil
}

// For returns the policy for state. Unknown states map to Critical.
func (s PolicySet) For(state interaction.ThermalState) Policy {
	switch state {
	case interaction.ThermalNormal:
		return s.Normal
	case interaction.ThermalWarning:
		return s.Warning
	default:
		return s.Critical
	}
}
