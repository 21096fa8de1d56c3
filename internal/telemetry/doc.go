// Package telemetry sets up OpenTelemetry tracing, metrics and log export
// for gardener.
//
// Telemetry is off unless enabled in the config file. When enabled, spans,
// metrics and log records are exported over OTLP to a collector. Exporter
// construction failures degrade the instance instead of failing the
// command; Tracer and Meter then fall back to the global no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//	metrics, err := switcher.NewMetrics(tel.Meter(switcher.InstrumentationName))
//
// TestTelemetry records spans and metrics in memory.
package telemetry
