// Package workflow defines the run data model shared by the orchestrator:
// runs, step graphs, attempts, artifacts, snapshots and the failure taxonomy.
//
// A Graph is a static, acyclic set of Steps. Each Step is executed through
// one or more Attempts; attempts are appended, never overwritten, so the full
// history survives for audit and for outcome learning.
//
// Step status lifecycle:
//
//	blocked -> runnable -> in_flight -> accepted
//	                           |     -> runnable (retry)
//	                           |     -> rejected (critical, exhausted)
//	                           |     -> skipped  (best-effort, exhausted)
//	                           +-----> aborted  (run cancelled)
package workflow
