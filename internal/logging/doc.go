// Package logging wraps zap with context-aware methods.
//
// Every method takes a context and prepends the correlation fields found in
// it: the OpenTelemetry trace_id and span_id, run.id, step.name and
// request.id.
//
//	ctx = logging.WithRun(ctx, runID)
//	ctx = logging.WithStep(ctx, "backend_routes")
//	logger.Info(ctx, "step dispatched", zap.Int("attempt", 2))
//
// Output goes to stdout (json or console), to the OpenTelemetry log bridge,
// or both. Levels below error are sampled per level. Field names such as
// api_key or authorization and values matching the configured patterns are
// redacted by the encoder; config.Secret values should still be logged with
// the Secret helper.
//
// Components that only need a *zap.Logger receive Underlying().
package logging
