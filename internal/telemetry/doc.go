// Package telemetry sets up the OpenTelemetry tracer and meter providers.
//
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components do not take a *Telemetry; they call otel.Tracer and otel.Meter,
// which resolve to the providers New installs globally. Exporter failures
// leave the process running with Health().Degraded set.
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc            # or http/protobuf
//	  service_name: "gencode-orchestrator"
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// Tests use NewTestTelemetry, which records spans in memory and reads
// metrics on demand.
package telemetry
