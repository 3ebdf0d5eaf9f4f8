package domain

// KeyPrefix namespaces every key the service writes to a shared store.
const KeyPrefix = "tokenguard:"

// Setting keys read from the feature flag store.
const (
	SettingDefaultTokenBudget = "default_token_budget"
	SettingGuestTokenBudget   = "guest_token_budget"
)

// Hardcoded fallbacks used when a setting is absent, disabled or unreadable.
// Values must stay stable: persisted budgets were provisioned with them.
const (
	DefaultTokenBudget      int64 = 100000
	DefaultGuestTokenBudget int64 = 50000
)

// SettingFallback returns the hardcoded fallback for a setting key (0 for unknown keys).
func SettingFallback(key string) int64 {
	switch key {
	case SettingDefaultTokenBudget:
		return DefaultTokenBudget
	case SettingGuestTokenBudget:
		return DefaultGuestTokenBudget
	default:
		return 0
	}
}
