package settings

// DB config keys and defaults for settings.
const (
	// UsdToCreditsRateKey converts token pricing in USD into credits.
	UsdToCreditsRateKey = "USD_TO_CREDITS_RATE"
	// SnapshotIntervalSecondsKey controls the accumulator snapshot interval in seconds.
	SnapshotIntervalSecondsKey = "SNAPSHOT_INTERVAL_SECONDS"
	// AccumulatorTTLSecondsKey controls the rolling TTL on accumulator keys in seconds.
	AccumulatorTTLSecondsKey = "ACCUMULATOR_TTL_SECONDS"
	// BillingRulesTTLSecondsKey controls how long cached billing rules stay fresh.
	BillingRulesTTLSecondsKey = "BILLING_RULES_TTL_SECONDS"
	// BillingRulesKeyPrefix prefixes per-tool billing rule config keys.
	BillingRulesKeyPrefix = "BILLING_RULES:"

	// DefaultUsdToCreditsRate is the fallback USD to credits conversion rate.
	DefaultUsdToCreditsRate = 10.0
	// DefaultSnapshotIntervalSeconds is the fallback snapshot interval (seconds).
	DefaultSnapshotIntervalSeconds = 600
	// DefaultAccumulatorTTLSeconds is the fallback accumulator key TTL (seconds).
	DefaultAccumulatorTTLSeconds = 86400
	// DefaultBillingRulesTTLSeconds is the fallback billing rule cache TTL (seconds).
	DefaultBillingRulesTTLSeconds = 300
)

// BillingRulesKey returns the settings key holding the rule config for a tool.
func BillingRulesKey(toolsetKey, toolName string) string {
	return BillingRulesKeyPrefix + toolsetKey + ":" + toolName
}
