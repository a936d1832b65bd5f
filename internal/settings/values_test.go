package settings

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIntValue(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		AccumulatorTTLSecondsKey:   json.RawMessage(`3600`),
		SnapshotIntervalSecondsKey: json.RawMessage(`"120"`),
		BillingRulesTTLSecondsKey:  json.RawMessage(`{"broken":true}`),
	})
	t.Cleanup(func() {
		StoreDBConfig(time.Time{}, nil)
	})

	if got := IntValue(AccumulatorTTLSecondsKey, 86400); got != 3600 {
		t.Fatalf("IntValue number = %d, want 3600", got)
	}
	if got := IntValue(SnapshotIntervalSecondsKey, 600); got != 120 {
		t.Fatalf("IntValue string = %d, want 120", got)
	}
	if got := IntValue(BillingRulesTTLSecondsKey, 300); got != 300 {
		t.Fatalf("IntValue unparseable = %d, want fallback 300", got)
	}
	if got := IntValue("MISSING_KEY", 42); got != 42 {
		t.Fatalf("IntValue missing = %d, want fallback 42", got)
	}
}

func TestFloatValue(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		UsdToCreditsRateKey: json.RawMessage(`12.5`),
		"RATE_AS_STRING":    json.RawMessage(`"7.25"`),
	})
	t.Cleanup(func() {
		StoreDBConfig(time.Time{}, nil)
	})

	if got := FloatValue(UsdToCreditsRateKey, DefaultUsdToCreditsRate); got != 12.5 {
		t.Fatalf("FloatValue number = %v, want 12.5", got)
	}
	if got := FloatValue("RATE_AS_STRING", 0); got != 7.25 {
		t.Fatalf("FloatValue string = %v, want 7.25", got)
	}
	if got := FloatValue("MISSING_KEY", DefaultUsdToCreditsRate); got != DefaultUsdToCreditsRate {
		t.Fatalf("FloatValue missing = %v, want default", got)
	}
}

func TestBillingRulesKey(t *testing.T) {
	if got := BillingRulesKey("web-search", "search"); got != "BILLING_RULES:web-search:search" {
		t.Fatalf("BillingRulesKey = %q", got)
	}
}
