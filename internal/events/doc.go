// Package events publishes run lifecycle events for external observers.
//
// Events are published to NATS subjects of the form
//
//	{prefix}.{run_id}.{event_type}
//
// for example runs.3f2c.step.accepted, so an observer can follow one run
// with runs.3f2c.> or every budget alert with runs.*.budget.>.
// Publishing is fire-and-forget: a failed publish is logged and never
// affects the run.
package events
