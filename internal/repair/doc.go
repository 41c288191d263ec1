// Package repair selects a repair strategy for a failed step attempt.
//
// Strategies escalate through three tiers as retries accumulate:
//
//	retry 0-1  standard          sharp attention over static strategies
//	retry 2    exploratory       also blends successful patterns from other archetypes
//	retry 3+   transformational  proposes a constraint mutation (DROP, VARY, ADD)
//
// The retry count is the number of failed attempts so far, so the
// transformational tier first applies to a step's fourth attempt.
//
// The transformational tier is opt-in and requires a sandboxed executor.
// Without both it falls back to exploratory. A transformational proposal is
// never effective until the caller approves it; AutoApproveMutations is the
// separate switch for approving without an operator.
package repair
