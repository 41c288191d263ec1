// Package budget tracks token and cost consumption per workflow run.
//
// Each run has a currency limit. Before a step attempt is dispatched the
// Manager hands out a token Allowance taken from a static per-step policy
// table, scaled up on retries and capped by what remains of the budget. The
// allowance's cost-equivalent is reserved until Record or Release so that
// parallel steps cannot jointly overshoot the limit.
//
// Record fails closed: a cost that would exceed the limit clamps spent at the
// limit and returns ErrBudgetExhausted. Only Override raises a limit.
package budget
