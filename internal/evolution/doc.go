// Package evolution records routing decisions and learns from their outcomes.
//
// Every attention-routing call is stored as a Decision. When the consumer of
// a decision reports how it went, the Store updates one EvolvedVector per
// attributed candidate, keyed by (context type, archetype, candidate id),
// using an exponential moving average whose learning rate shrinks as samples
// accumulate:
//
//	alpha      = min(MaxAlpha, 2/(n+2))
//	confidence = min(MaxConfidence, 1 - 1/(n+2))
//
// Successful decisions are also indexed by query vector so other archetypes
// can borrow them as repair patterns.
package evolution
