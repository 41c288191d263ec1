// Package scheduler drives workflow runs.
//
// Each run owns a snapshot guarded by a per-run mutex. Advance is idempotent:
// it promotes blocked steps, skips best-effort steps once the budget is
// exhausted, and dispatches runnable steps (critical first, then by
// longest downstream path) up to the per-run concurrency limit. Every
// dispatch runs as its own goroutine in the run's errgroup; the executor
// and reviewer calls happen without any lock held. When an attempt
// finishes, its verdict is applied under the run lock, a checkpoint is
// saved, and the run is advanced again.
//
//	runnable --dispatch--> in_flight --accept--> accepted
//	                           |  \--retry/heal--> runnable
//	                           \--abort--> rejected (critical, run fails)
//	                                       skipped  (best-effort)
//
// A healed retry asks the repair ladder for a hint with the number of
// attempts that have failed so far as its retry count. The hint for attempt
// n+1 is therefore decided at retry count n, and the transformational tier
// (retry count 3) is only reached by steps with max_attempts of 4 or more.
// The built-in templates stop at 3, so they escalate to exploratory at most.
//
// A transformational hint reaches the executor only after the Approver
// accepts it; otherwise the unmutated strategy is sent.
//
// Cancelling a run abandons in-flight attempts; their results are never
// recorded or checkpointed.
package scheduler
