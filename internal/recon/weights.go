package recon

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights holds the scoring constants. They are empirically tuned, not
// derived, so they stay configurable rather than hard-coded.
type Weights struct {
	ExactAmount          float64 `yaml:"exact_amount"`
	CloseAmount          float64 `yaml:"close_amount"`
	CloseAmountPct       float64 `yaml:"close_amount_pct"`
	CloseAmountMin       float64 `yaml:"close_amount_min"`
	ReferenceExact       float64 `yaml:"reference_exact"`
	ReferencePartial     float64 `yaml:"reference_partial"`
	DescriptionContains  float64 `yaml:"description_contains"`
	SameDate             float64 `yaml:"same_date"`
	CloseDate            float64 `yaml:"close_date"`
	CloseDateDays        int     `yaml:"close_date_days"`
	WeekProximity        float64 `yaml:"week_proximity"`
	WeekProximityDays    int     `yaml:"week_proximity_days"`
	DirectionCoherence   float64 `yaml:"direction_coherence"`
	PaymentOrderPriority float64 `yaml:"payment_order_priority"`

	Threshold     float64 `yaml:"threshold"`
	TieBreakDelta float64 `yaml:"tie_break_delta"`

	FallbackPct   float64 `yaml:"fallback_pct"`
	FallbackMin   float64 `yaml:"fallback_min"`
	FallbackFloor float64 `yaml:"fallback_floor"`
}

// DefaultWeights returns the tuned production constants.
func DefaultWeights() Weights {
	return Weights{
		ExactAmount:          0.60,
		CloseAmount:          0.30,
		CloseAmountPct:       0.05,
		CloseAmountMin:       2,
		ReferenceExact:       0.30,
		ReferencePartial:     0.20,
		DescriptionContains:  0.20,
		SameDate:             0.20,
		CloseDate:            0.07,
		CloseDateDays:        3,
		WeekProximity:        0.05,
		WeekProximityDays:    7,
		DirectionCoherence:   0.05,
		PaymentOrderPriority: 0.10,

		Threshold:     0.25,
		TieBreakDelta: 0.05,

		FallbackPct:   0.10,
		FallbackMin:   10,
		FallbackFloor: 0.20,
	}
}

// LoadWeights reads overrides from a YAML file on top of the defaults.
// Only fields present in the file are replaced.
func LoadWeights(path string) (Weights, error) {
	w := DefaultWeights()
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("read weights file: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return DefaultWeights(), fmt.Errorf("parse weights file: %w", err)
	}
	if err := w.validate(); err != nil {
		return DefaultWeights(), err
	}
	return w, nil
}

func (w Weights) validate() error {
	if w.Threshold <= 0 || w.Threshold >= 1 {
		return fmt.Errorf("threshold must be in (0,1), got %v", w.Threshold)
	}
	if w.FallbackFloor < 0 || w.FallbackFloor > w.Threshold {
		return fmt.Errorf("fallback floor must be in [0,threshold], got %v", w.FallbackFloor)
	}
	return nil
}
