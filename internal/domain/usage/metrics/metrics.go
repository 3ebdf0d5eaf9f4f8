package metrics

// Metrics holds recorded debit totals for one budget owner.
type Metrics struct {
	calls         int64
	tokens        int64
	estimatedCost float64
}

// New creates a Metrics snapshot.
func New(calls, tokens int64, estimatedCost float64) Metrics {
	return Metrics{calls: calls, tokens: tokens, estimatedCost: estimatedCost}
}

// Calls returns the number of debited model calls.
func (m Metrics) Calls() int64 { return m.calls }

// Tokens returns the total tokens debited.
func (m Metrics) Tokens() int64 { return m.tokens }

// EstimatedCost returns the cumulative estimated cost in USD.
func (m Metrics) EstimatedCost() float64 { return m.estimatedCost }
