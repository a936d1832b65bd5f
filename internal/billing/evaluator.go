package billing

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/refly-ai/credit-engine/internal/schema"

	log "github.com/sirupsen/logrus"
)

// unitsPerMillion scales token and byte counts into per-million units.
const unitsPerMillion = 1_000_000

// Evaluator computes the fractional credit cost of a tool call from a rule
// set. It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	tokens           TokenCounter
	usdToCreditsRate float64
}

// NewEvaluator constructs an Evaluator. usdToCreditsRate converts USD
// token prices into credits and only matters for configs carrying
// tokenPricing.
func NewEvaluator(tokens TokenCounter, usdToCreditsRate float64) *Evaluator {
	return &Evaluator{tokens: tokens, usdToCreditsRate: usdToCreditsRate}
}

// phaseState lazily parses one phase's schema alongside its data record.
type phaseState struct {
	data      map[string]any
	rawSchema []byte
	node      schema.Node
	parsed    bool
}

// Evaluate applies every rule in declaration order and returns the
// unrounded credit total. Rounding is deferred to the accumulator so that
// sub-credit precision survives repeated fractional charges. Any malformed
// schema, unresolved field, or non-finite result aborts the whole
// calculation.
func (e *Evaluator) Evaluate(cfg *Config, input, output map[string]any, requestSchema, responseSchema []byte) (float64, error) {
	if e == nil {
		return 0, fmt.Errorf("billing: evaluator not initialized")
	}
	if cfg == nil {
		return 0, fmt.Errorf("billing: nil config")
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return 0, errValidate
	}

	phases := map[Phase]*phaseState{
		PhaseInput:  {data: input, rawSchema: requestSchema},
		PhaseOutput: {data: output, rawSchema: responseSchema},
	}
	subtotals := make(map[Category]float64, 4)

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if rule.IsMultiplier {
			continue
		}
		if errRule := e.applyAdditiveRule(cfg, rule, phases, subtotals); errRule != nil {
			return 0, errRule
		}
	}

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if !rule.IsMultiplier {
			continue
		}
		if errRule := e.applyMultiplierRule(rule, phases, subtotals); errRule != nil {
			return 0, errRule
		}
	}

	total := 0.0
	for _, subtotal := range subtotals {
		total += subtotal
	}
	return total, nil
}

func (e *Evaluator) applyAdditiveRule(cfg *Config, rule *Rule, phases map[Phase]*phaseState, subtotals map[Category]float64) error {
	node, errSchema := schemaFor(phases, rule.Phase)
	if errSchema != nil {
		return errSchema
	}
	if _, ok := schema.ResolveType(node, rule.FieldPath); !ok {
		return fmt.Errorf("billing: field %q not found in %s schema", rule.FieldPath, rule.Phase)
	}
	if rule.UnitField != "" {
		unitNode, errUnitSchema := schemaFor(phases, rule.unitPhase())
		if errUnitSchema != nil {
			return errUnitSchema
		}
		if _, ok := schema.ResolveType(unitNode, rule.UnitField); !ok {
			return fmt.Errorf("billing: unit field %q not found in %s schema", rule.UnitField, rule.unitPhase())
		}
	}
	if len(rule.PricingTiers) > 0 && schema.HasWildcard(rule.FieldPath) {
		return fmt.Errorf("billing: pricing tiers not allowed on aggregated field %q", rule.FieldPath)
	}

	tierValue, errExtract := extractValue(phases[rule.Phase].data, rule.FieldPath, rule.Category)
	if errExtract != nil {
		return errExtract
	}

	creditsPerUnit := rule.DefaultCreditsPerUnit
	if len(rule.PricingTiers) > 0 && tierValue != nil {
		for _, tier := range rule.PricingTiers {
			if tierMatches(tier.Value, tierValue) {
				creditsPerUnit = tier.CreditsPerUnit
				break
			}
		}
	}

	unitValue := tierValue
	if rule.UnitField != "" {
		extracted, errUnit := extractValue(phases[rule.unitPhase()].data, rule.UnitField, rule.Category)
		if errUnit != nil {
			return errUnit
		}
		unitValue = extracted
	}

	units, errUnits := e.units(rule, unitValue)
	if errUnits != nil {
		return errUnits
	}

	var credits float64
	if cfg.TokenPricing != nil && rule.Category == CategoryText {
		price, errPrice := usdTokenPrice(cfg.TokenPricing, rule.Phase)
		if errPrice != nil {
			return errPrice
		}
		credits = units * price * e.usdToCreditsRate
	} else {
		credits = units * creditsPerUnit
	}
	if !isFinite(credits) {
		return fmt.Errorf("billing: non-finite credits for field %q (category=%s units=%v)", rule.FieldPath, rule.Category, units)
	}

	subtotals[rule.Category] += credits
	return nil
}

func (e *Evaluator) applyMultiplierRule(rule *Rule, phases map[Phase]*phaseState, subtotals map[Category]float64) error {
	node, errSchema := schemaFor(phases, rule.Phase)
	if errSchema != nil {
		return errSchema
	}
	if _, ok := schema.ResolveType(node, rule.FieldPath); !ok {
		return fmt.Errorf("billing: multiplier field %q not found in %s schema", rule.FieldPath, rule.Phase)
	}

	raw, errExtract := extractValue(phases[rule.Phase].data, rule.FieldPath, rule.ApplyTo)
	if errExtract != nil {
		return errExtract
	}
	if raw == nil {
		log.Debugf("tool billing: multiplier field %q absent, skipped", rule.FieldPath)
		return nil
	}
	factor, ok := numberFromAny(raw)
	if !ok {
		return fmt.Errorf("billing: multiplier field %q is not numeric", rule.FieldPath)
	}
	if !isFinite(factor) {
		return fmt.Errorf("billing: non-finite multiplier from field %q", rule.FieldPath)
	}
	if factor < 0 {
		return fmt.Errorf("billing: negative multiplier %v from field %q", factor, rule.FieldPath)
	}
	if factor == 0 {
		log.Warnf("tool billing: zero multiplier from field %q zeroes category %s", rule.FieldPath, rule.ApplyTo)
	}

	// No rule contributed to the target category, so there is no base to
	// multiply.
	if _, exists := subtotals[rule.ApplyTo]; !exists {
		log.Debugf("tool billing: multiplier field %q targets empty category %s, skipped", rule.FieldPath, rule.ApplyTo)
		return nil
	}
	subtotals[rule.ApplyTo] *= factor
	return nil
}

// units derives the unit count from the extracted unit value. A missing
// value charges exactly one unit: the default price applies once rather
// than not at all.
func (e *Evaluator) units(rule *Rule, value any) (float64, error) {
	if value == nil {
		return 1, nil
	}

	switch rule.Category {
	case CategoryText:
		text, ok := value.(string)
		if !ok {
			return 1, nil
		}
		if rule.UnitMode == UnitModeBytes {
			return float64(len(text)) / unitsPerMillion, nil
		}
		if e.tokens == nil {
			return 0, fmt.Errorf("billing: no token counter configured for field %q", rule.FieldPath)
		}
		count, errCount := e.tokens.Count(text)
		if errCount != nil {
			return 0, errCount
		}
		return float64(count) / unitsPerMillion, nil
	case CategoryImage:
		if elements, ok := value.([]any); ok {
			return float64(len(elements)), nil
		}
		if count, ok := numberFromAny(value); ok {
			return count, nil
		}
		return 1, nil
	case CategoryAudio, CategoryVideo:
		if elements, ok := value.([]any); ok {
			sum := 0.0
			for _, element := range elements {
				if n, ok := numberFromAny(element); ok {
					sum += n
				}
			}
			return sum, nil
		}
		if n, ok := numberFromAny(value); ok {
			return n, nil
		}
		return 1, nil
	default:
		return 1, nil
	}
}

// usdTokenPrice returns the configured USD price per million tokens for a
// phase; a missing price for a required phase is fatal.
func usdTokenPrice(pricing *TokenPricing, phase Phase) (float64, error) {
	switch phase {
	case PhaseInput:
		if pricing.InputPer1MUsd == nil {
			return 0, fmt.Errorf("billing: missing input usd token price")
		}
		return *pricing.InputPer1MUsd, nil
	case PhaseOutput:
		if pricing.OutputPer1MUsd == nil {
			return 0, fmt.Errorf("billing: missing output usd token price")
		}
		return *pricing.OutputPer1MUsd, nil
	default:
		return 0, fmt.Errorf("billing: invalid phase %q", phase)
	}
}

func schemaFor(phases map[Phase]*phaseState, phase Phase) (schema.Node, error) {
	state, ok := phases[phase]
	if !ok {
		return nil, fmt.Errorf("billing: invalid phase %q", phase)
	}
	if !state.parsed {
		node, errParse := schema.ParseDocument(state.rawSchema)
		if errParse != nil {
			return nil, fmt.Errorf("billing: parse %s schema: %w", phase, errParse)
		}
		state.node = node
		state.parsed = true
	}
	return state.node, nil
}

// decimalNumberPattern restricts numeric-string coercion to plain decimal
// notation. Hex, exponents, and blank strings never match.
var decimalNumberPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// tierMatches reports whether a tier's configured value matches the
// extracted value, allowing decimal-numeric-string and boolean-string
// equivalence in both directions.
func tierMatches(tierValue, value any) bool {
	switch tv := tierValue.(type) {
	case string:
		switch typed := value.(type) {
		case string:
			return typed == tv
		case bool:
			return (tv == "true" && typed) || (tv == "false" && !typed)
		default:
			if n, ok := numberFromAny(value); ok {
				if parsed, okParse := parseDecimalString(tv); okParse {
					return parsed == n
				}
			}
			return false
		}
	case bool:
		switch typed := value.(type) {
		case bool:
			return typed == tv
		case string:
			return (typed == "true" && tv) || (typed == "false" && !tv)
		default:
			return false
		}
	default:
		tn, ok := numberFromAny(tierValue)
		if !ok {
			return false
		}
		if n, okValue := numberFromAny(value); okValue {
			return n == tn
		}
		if text, okText := value.(string); okText {
			if parsed, okParse := parseDecimalString(text); okParse {
				return parsed == tn
			}
		}
		return false
	}
}

func parseDecimalString(text string) (float64, bool) {
	if !decimalNumberPattern.MatchString(text) {
		return 0, false
	}
	parsed, errParse := strconv.ParseFloat(text, 64)
	if errParse != nil {
		return 0, false
	}
	return parsed, true
}

func numberFromAny(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, errParse := typed.Float64()
		if errParse != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
