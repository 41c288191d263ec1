// Package gate turns an attempt and its review into a verdict.
//
// The Supervisor first runs structural checks over the attempt's artifacts,
// then obtains a supervisor policy (retries allowed, force_heal,
// abort_threshold) from the attention router, keyed by the nature of the
// problem:
//
//	zero artifacts produced        -> zero-artifacts
//	agent error or timeout         -> transient-error
//	score below threshold          -> low-score
//	critical structural violation  -> structural-violation
//
// The verdict is one of accept, retry, heal (retry with a repair hint) or
// abort. What an abort means for the run is decided by the scheduler from
// the step's criticality; the verdict's ErrorClass already carries it.
package gate
