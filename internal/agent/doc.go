// Package agent defines the external collaborators of the orchestrator and
// HTTP clients for them.
//
// The executor generates artifacts for a step within a token allowance, the
// reviewer scores them, and the persister commits accepted artifacts. All
// three are opaque: the orchestrator never interprets prompt context or
// artifact content.
package agent
