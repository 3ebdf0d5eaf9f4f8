package budget

// Budget is a point-in-time read of a token ceiling and its consumption.
type Budget struct {
	tokenBudget int64
	tokensUsed  int64
}

// New creates a Budget snapshot.
func New(tokenBudget, tokensUsed int64) Budget {
	return Budget{tokenBudget: tokenBudget, tokensUsed: tokensUsed}
}

// TokenBudget returns the token ceiling.
func (b Budget) TokenBudget() int64 { return b.tokenBudget }

// TokensUsed returns tokens consumed so far.
func (b Budget) TokensUsed() int64 { return b.tokensUsed }

// Remaining returns tokenBudget - tokensUsed. Negative after a final overage.
func (b Budget) Remaining() int64 { return b.tokenBudget - b.tokensUsed }

// State is the projection exposed to presentation. budgetRemaining is derived
// on construction, so a State is never inconsistent.
type State struct {
	tokenBudget     int64
	tokensUsed      int64
	budgetRemaining int64
	loading         bool
}

// NewState projects a Budget into a State.
func NewState(b Budget, loading bool) State {
	return State{
		tokenBudget:     b.tokenBudget,
		tokensUsed:      b.tokensUsed,
		budgetRemaining: b.Remaining(),
		loading:         loading,
	}
}

// Initial returns the state of a controller that has not loaded yet.
func Initial() State { return State{loading: true} }

// Zero returns the degraded state shown after a failed load.
func Zero() State { return State{} }

// TokenBudget returns the token ceiling.
func (s State) TokenBudget() int64 { return s.tokenBudget }

// TokensUsed returns tokens consumed so far.
func (s State) TokensUsed() int64 { return s.tokensUsed }

// BudgetRemaining returns TokenBudget - TokensUsed.
func (s State) BudgetRemaining() int64 { return s.budgetRemaining }

// Loading reports whether the state is still being fetched.
func (s State) Loading() bool { return s.loading }

// Budget returns the underlying budget numbers.
func (s State) Budget() Budget { return New(s.tokenBudget, s.tokensUsed) }

// WithLoading returns a copy of s with the loading flag set.
func (s State) WithLoading(loading bool) State {
	s.loading = loading
	return s
}

// Debit is the outcome of an atomic debit reported by a store.
// TokensUsed and BudgetRemaining are the post-operation values, or the
// current values when the debit was rejected.
type Debit struct {
	success         bool
	tokensUsed      int64
	budgetRemaining int64
}

// NewDebit creates a Debit outcome.
func NewDebit(success bool, tokensUsed, budgetRemaining int64) Debit {
	return Debit{success: success, tokensUsed: tokensUsed, budgetRemaining: budgetRemaining}
}

// Success reports whether tokens were deducted.
func (d Debit) Success() bool { return d.success }

// TokensUsed returns the tokens used after the operation.
func (d Debit) TokensUsed() int64 { return d.tokensUsed }

// BudgetRemaining returns the remaining budget after the operation.
func (d Debit) BudgetRemaining() int64 { return d.budgetRemaining }

// Budget reconstructs the budget the store reported.
func (d Debit) Budget() Budget {
	return New(d.tokensUsed+d.budgetRemaining, d.tokensUsed)
}
