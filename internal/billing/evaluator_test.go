package billing

import (
	"math"
	"strings"
	"testing"
)

// wordCounter stands in for the BPE tokenizer with deterministic counts.
type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

const (
	imageListSchema = `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}}
		}
	}`
	emptyObjectSchema = `{"type": "object", "properties": {}}`
)

func evalConfig(t *testing.T, cfg *Config, input, output map[string]any, requestSchema, responseSchema string) float64 {
	t.Helper()
	evaluator := NewEvaluator(wordCounter{}, 10)
	credits, errEvaluate := evaluator.Evaluate(cfg, input, output, []byte(requestSchema), []byte(responseSchema))
	if errEvaluate != nil {
		t.Fatalf("evaluate: %v", errEvaluate)
	}
	return credits
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEvaluateImageArrayChargesPerElement(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5},
	}}
	input := map[string]any{"images": []any{"a.jpg", "b.jpg", "c.jpg"}}

	credits := evalConfig(t, cfg, input, nil, imageListSchema, emptyObjectSchema)
	if !almostEqual(credits, 15) {
		t.Fatalf("expected 15 credits, got %v", credits)
	}
}

func TestEvaluateBooleanTierWithUnitField(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"generate_audio": {"type": "boolean"},
			"duration": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{
			FieldPath: "generate_audio",
			Phase:     PhaseInput,
			Category:  CategoryVideo,
			UnitField: "duration",
			PricingTiers: []PricingTier{
				{Value: true, CreditsPerUnit: 33.6},
				{Value: false, CreditsPerUnit: 26.88},
			},
			DefaultCreditsPerUnit: 26.88,
		},
	}}
	input := map[string]any{"generate_audio": false, "duration": 5.0}

	credits := evalConfig(t, cfg, input, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(credits, 134.4) {
		t.Fatalf("expected 134.4 credits, got %v", credits)
	}
}

func TestEvaluateMissingFieldChargesDefaultOnce(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"voice": {"type": "string"},
			"duration": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "voice", Phase: PhaseInput, Category: CategoryAudio, UnitField: "duration", DefaultCreditsPerUnit: 7},
	}}

	credits := evalConfig(t, cfg, map[string]any{}, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(credits, 7) {
		t.Fatalf("expected defaultCreditsPerUnit x 1, got %v", credits)
	}
}

func TestEvaluateTokenPricingOverridesCreditsPerUnit(t *testing.T) {
	responseSchema := `{
		"type": "object",
		"properties": {"text": {"type": "string"}}
	}`
	inputPrice := 3.0
	outputPrice := 6.0
	cfg := &Config{
		Rules: []Rule{
			{FieldPath: "text", Phase: PhaseOutput, Category: CategoryText, DefaultCreditsPerUnit: 999},
		},
		TokenPricing: &TokenPricing{InputPer1MUsd: &inputPrice, OutputPer1MUsd: &outputPrice},
	}
	output := map[string]any{"text": "four words right here"}

	// 4 tokens / 1M x 6 USD x rate 10.
	credits := evalConfig(t, cfg, nil, output, emptyObjectSchema, responseSchema)
	if !almostEqual(credits, 4.0/1_000_000*6*10) {
		t.Fatalf("unexpected usd-priced credits: %v", credits)
	}
}

func TestEvaluateTokenPricingMissingPhasePriceFails(t *testing.T) {
	responseSchema := `{
		"type": "object",
		"properties": {"text": {"type": "string"}}
	}`
	inputPrice := 3.0
	cfg := &Config{
		Rules: []Rule{
			{FieldPath: "text", Phase: PhaseOutput, Category: CategoryText, DefaultCreditsPerUnit: 1},
		},
		TokenPricing: &TokenPricing{InputPer1MUsd: &inputPrice},
	}

	evaluator := NewEvaluator(wordCounter{}, 10)
	_, errEvaluate := evaluator.Evaluate(cfg, nil, map[string]any{"text": "hi"}, []byte(emptyObjectSchema), []byte(responseSchema))
	if errEvaluate == nil || !strings.Contains(errEvaluate.Error(), "token price") {
		t.Fatalf("expected missing token price error, got %v", errEvaluate)
	}
}

func TestEvaluateTextByteMode(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {"prompt": {"type": "string"}}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "prompt", Phase: PhaseInput, Category: CategoryText, UnitMode: UnitModeBytes, DefaultCreditsPerUnit: 2},
	}}
	input := map[string]any{"prompt": "abcd"}

	credits := evalConfig(t, cfg, input, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(credits, 4.0/1_000_000*2) {
		t.Fatalf("unexpected byte-mode credits: %v", credits)
	}
}

func TestEvaluateUnresolvedFieldsAreFatal(t *testing.T) {
	evaluator := NewEvaluator(wordCounter{}, 10)

	cfg := &Config{Rules: []Rule{
		{FieldPath: "missing", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 1},
	}}
	_, errEvaluate := evaluator.Evaluate(cfg, nil, nil, []byte(emptyObjectSchema), []byte(emptyObjectSchema))
	if errEvaluate == nil || !strings.Contains(errEvaluate.Error(), "not found") {
		t.Fatalf("expected field-not-found error, got %v", errEvaluate)
	}

	requestSchema := `{"type": "object", "properties": {"images": {"type": "array", "items": {"type": "string"}}}}`
	cfg = &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, UnitField: "missing", DefaultCreditsPerUnit: 1},
	}}
	_, errEvaluate = evaluator.Evaluate(cfg, nil, nil, []byte(requestSchema), []byte(emptyObjectSchema))
	if errEvaluate == nil || !strings.Contains(errEvaluate.Error(), "unit field") {
		t.Fatalf("expected distinct unit-field error, got %v", errEvaluate)
	}
}

func TestEvaluateMalformedSchemaIsFatal(t *testing.T) {
	evaluator := NewEvaluator(wordCounter{}, 10)
	cfg := &Config{Rules: []Rule{
		{FieldPath: "a", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 1},
	}}

	if _, errEvaluate := evaluator.Evaluate(cfg, nil, nil, []byte("{not json"), []byte(emptyObjectSchema)); errEvaluate == nil {
		t.Fatal("expected malformed schema error")
	}
}

func TestEvaluateTiersOnAggregatedFieldAreFatal(t *testing.T) {
	evaluator := NewEvaluator(wordCounter{}, 10)
	cfg := &Config{Rules: []Rule{
		{
			FieldPath:             "images[*]",
			Phase:                 PhaseInput,
			Category:              CategoryImage,
			PricingTiers:          []PricingTier{{Value: "hd", CreditsPerUnit: 9}},
			DefaultCreditsPerUnit: 1,
		},
	}}

	_, errEvaluate := evaluator.Evaluate(cfg, nil, nil, []byte(imageListSchema), []byte(emptyObjectSchema))
	if errEvaluate == nil || !strings.Contains(errEvaluate.Error(), "aggregated") {
		t.Fatalf("expected tiers-on-aggregated error, got %v", errEvaluate)
	}
}

func TestEvaluateMultiplierScalesCategory(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}},
			"scale": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5},
		{FieldPath: "scale", Phase: PhaseInput, IsMultiplier: true, ApplyTo: CategoryImage},
	}}
	input := map[string]any{"images": []any{"a", "b"}, "scale": 1.5}

	credits := evalConfig(t, cfg, input, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(credits, 15) {
		t.Fatalf("expected 10 x 1.5 = 15, got %v", credits)
	}
}

func TestEvaluateZeroMultiplierZeroesCategory(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}},
			"discount": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5},
		{FieldPath: "discount", Phase: PhaseInput, IsMultiplier: true, ApplyTo: CategoryImage},
	}}
	input := map[string]any{"images": []any{"a", "b"}, "discount": 0.0}

	credits := evalConfig(t, cfg, input, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(credits, 0) {
		t.Fatalf("expected zeroed category, got %v", credits)
	}
}

func TestEvaluateNegativeMultiplierIsFatal(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}},
			"scale": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5},
		{FieldPath: "scale", Phase: PhaseInput, IsMultiplier: true, ApplyTo: CategoryImage},
	}}
	input := map[string]any{"images": []any{"a"}, "scale": -2.0}

	evaluator := NewEvaluator(wordCounter{}, 10)
	_, errEvaluate := evaluator.Evaluate(cfg, input, nil, []byte(requestSchema), []byte(emptyObjectSchema))
	if errEvaluate == nil || !strings.Contains(errEvaluate.Error(), "negative multiplier") {
		t.Fatalf("expected negative multiplier error, got %v", errEvaluate)
	}
}

func TestEvaluateNonFiniteMultiplierIsFatal(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}},
			"scale": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5},
		{FieldPath: "scale", Phase: PhaseInput, IsMultiplier: true, ApplyTo: CategoryImage},
	}}
	input := map[string]any{"images": []any{"a"}, "scale": math.NaN()}

	evaluator := NewEvaluator(wordCounter{}, 10)
	if _, errEvaluate := evaluator.Evaluate(cfg, input, nil, []byte(requestSchema), []byte(emptyObjectSchema)); errEvaluate == nil {
		t.Fatal("expected non-finite multiplier error")
	}
}

func TestEvaluateMultiplierWithoutBaseIsSkipped(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}},
			"scale": {"type": "number"}
		}
	}`
	cfg := &Config{Rules: []Rule{
		{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5},
		{FieldPath: "scale", Phase: PhaseInput, IsMultiplier: true, ApplyTo: CategoryAudio},
	}}
	input := map[string]any{"images": []any{"a", "b"}, "scale": 3.0}

	credits := evalConfig(t, cfg, input, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(credits, 10) {
		t.Fatalf("expected multiplier on empty category to be skipped, got %v", credits)
	}
}

func TestEvaluateAdditiveSummationIsOrderIndependent(t *testing.T) {
	requestSchema := `{
		"type": "object",
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}},
			"duration": {"type": "number"}
		}
	}`
	ruleA := Rule{FieldPath: "images[*]", Phase: PhaseInput, Category: CategoryImage, DefaultCreditsPerUnit: 5}
	ruleB := Rule{FieldPath: "duration", Phase: PhaseInput, Category: CategoryAudio, DefaultCreditsPerUnit: 2}
	input := map[string]any{"images": []any{"a", "b"}, "duration": 3.0}

	forward := evalConfig(t, &Config{Rules: []Rule{ruleA, ruleB}}, input, nil, requestSchema, emptyObjectSchema)
	reverse := evalConfig(t, &Config{Rules: []Rule{ruleB, ruleA}}, input, nil, requestSchema, emptyObjectSchema)
	if !almostEqual(forward, reverse) || !almostEqual(forward, 16) {
		t.Fatalf("expected order-independent 16, got %v and %v", forward, reverse)
	}
}

func TestTierValueCoercion(t *testing.T) {
	cases := []struct {
		tier  any
		value any
		match bool
	}{
		{10.0, 10.0, true},
		{10.0, "10", true},
		{"10", 10.0, true},
		{"10.5", 10.5, true},
		{26.0, "0x1A", false},
		{10.0, "1e1", false},
		{10.0, "", false},
		{true, "true", true},
		{"false", false, true},
		{true, "yes", false},
		{"hd", "hd", true},
		{"hd", "sd", false},
		{true, 1.0, false},
	}
	for _, tc := range cases {
		if got := tierMatches(tc.tier, tc.value); got != tc.match {
			t.Fatalf("tierMatches(%v, %v) = %v, want %v", tc.tier, tc.value, got, tc.match)
		}
	}
}
