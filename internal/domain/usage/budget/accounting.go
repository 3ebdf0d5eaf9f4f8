package budget

import (
	"math"
	"strconv"
)

// DefaultEstimatedTokens is the pre-flight estimate used when the caller has none.
const DefaultEstimatedTokens int64 = 5000

// CanStartConversation is the advisory pre-flight check. It reserves nothing:
// the authoritative check happens when the call is debited.
func CanStartConversation(budgetRemaining, estimatedTokens int64) bool {
	return budgetRemaining >= estimatedTokens
}

// IsBudgetExhausted reports whether no tokens are left.
func IsBudgetExhausted(budgetRemaining int64) bool {
	return budgetRemaining <= 0
}

// UsagePercentage returns round(100*used/budget) clamped to 0..100.
// A zero budget counts as fully used.
func UsagePercentage(used, tokenBudget int64) int {
	if tokenBudget <= 0 {
		return 100
	}
	pct := math.Round(100 * float64(used) / float64(tokenBudget))
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return int(pct)
}

// FormatTokens renders a token count compactly: 950, 12.3k, 1.5M.
func FormatTokens(n int64) string {
	if n < 0 {
		// -n overflows for MinInt64, so the magnitude is taken as unsigned.
		return "-" + formatMagnitude(uint64(-(n+1))+1)
	}
	return formatMagnitude(uint64(n))
}

func formatMagnitude(n uint64) string {
	if n < 1000 {
		return strconv.FormatUint(n, 10)
	}
	if k := math.Round(float64(n)/100) / 10; k < 1000 {
		return trimZero(k) + "k"
	}
	return trimZero(math.Round(float64(n)/100000)/10) + "M"
}

func trimZero(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
