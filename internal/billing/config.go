// Package billing converts tool-call payloads into fractional credit costs
// using a declarative per-tool rule set.
package billing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category identifies which subtotal a rule contributes to.
type Category string

// Rule categories.
const (
	CategoryText  Category = "text"
	CategoryImage Category = "image"
	CategoryAudio Category = "audio"
	CategoryVideo Category = "video"
)

// Phase selects whether a rule reads the tool-call input or output record.
type Phase string

// Rule phases.
const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
)

// UnitMode selects how text units are counted.
type UnitMode string

// Unit modes for text rules.
const (
	// UnitModeTokens counts text units as model tokens per million.
	UnitModeTokens UnitMode = "tokens"
	// UnitModeBytes counts text units as UTF-8 bytes per million.
	UnitModeBytes UnitMode = "bytes"
)

// PricingTier maps a representative field value to a per-unit price.
type PricingTier struct {
	Value          any     `json:"value"`
	CreditsPerUnit float64 `json:"creditsPerUnit"`
}

// Rule is one billing rule. Additive rules contribute units times a
// per-unit price to their category subtotal; multiplier rules scale an
// already-accumulated category subtotal in place.
type Rule struct {
	FieldPath             string        `json:"fieldPath"`
	Phase                 Phase         `json:"phase"`
	Category              Category      `json:"category,omitempty"`
	UnitField             string        `json:"unitField,omitempty"`
	UnitPhase             Phase         `json:"unitPhase,omitempty"`
	PricingTiers          []PricingTier `json:"pricingTiers,omitempty"`
	DefaultCreditsPerUnit float64       `json:"defaultCreditsPerUnit,omitempty"`
	UnitMode              UnitMode      `json:"unitMode,omitempty"`

	IsMultiplier bool     `json:"isMultiplier,omitempty"`
	ApplyTo      Category `json:"applyTo,omitempty"`
}

// TokenPricing carries USD-denominated per-million token prices. When
// present, text rules bill through the USD path instead of creditsPerUnit.
type TokenPricing struct {
	InputPer1MUsd  *float64 `json:"inputPer1MUsd,omitempty"`
	OutputPer1MUsd *float64 `json:"outputPer1MUsd,omitempty"`
}

// Config is the immutable rule set for one tool+method.
type Config struct {
	Rules        []Rule        `json:"rules"`
	TokenPricing *TokenPricing `json:"tokenPricing,omitempty"`
}

// ParseConfig decodes a rule set from JSON and validates it.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if errUnmarshal := json.Unmarshal(raw, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("billing: parse config: %w", errUnmarshal)
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return &cfg, nil
}

// Validate checks structural invariants that do not require data or schemas.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("billing: nil config")
	}
	for i := range c.Rules {
		rule := &c.Rules[i]
		if strings.TrimSpace(rule.FieldPath) == "" {
			return fmt.Errorf("billing: rule %d: empty field path", i)
		}
		if rule.Phase != PhaseInput && rule.Phase != PhaseOutput {
			return fmt.Errorf("billing: rule %d: invalid phase %q", i, rule.Phase)
		}
		if rule.IsMultiplier {
			if !validCategory(rule.ApplyTo) {
				return fmt.Errorf("billing: rule %d: multiplier applyTo %q invalid", i, rule.ApplyTo)
			}
			continue
		}
		if !validCategory(rule.Category) {
			return fmt.Errorf("billing: rule %d: invalid category %q", i, rule.Category)
		}
		if rule.UnitPhase != "" && rule.UnitPhase != PhaseInput && rule.UnitPhase != PhaseOutput {
			return fmt.Errorf("billing: rule %d: invalid unit phase %q", i, rule.UnitPhase)
		}
		if rule.UnitMode != "" && rule.UnitMode != UnitModeTokens && rule.UnitMode != UnitModeBytes {
			return fmt.Errorf("billing: rule %d: invalid unit mode %q", i, rule.UnitMode)
		}
	}
	return nil
}

// unitPhase returns the phase the unit-counting value is read from.
func (r *Rule) unitPhase() Phase {
	if r.UnitPhase != "" {
		return r.UnitPhase
	}
	return r.Phase
}

func validCategory(category Category) bool {
	switch category {
	case CategoryText, CategoryImage, CategoryAudio, CategoryVideo:
		return true
	default:
		return false
	}
}
