package switcher

import (
	"context"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/budget"
)

// Logger wraps zap.Logger with switch-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("switcher")}
}

// SwitchCommitted logs a switch that committed with full capability.
func (l *Logger) SwitchCommitted(ctx context.Context, r *SwitchResult) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Info("switch committed", l.resultFields(ctx, r)...)
}

// SwitchDegraded logs a switch that committed with reduced capability.
func (l *Logger) SwitchDegraded(ctx context.Context, r *SwitchResult) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Warn("switch degraded", l.resultFields(ctx, r)...)
}

// SwitchFailed logs a switch that left the session unchanged.
func (l *Logger) SwitchFailed(ctx context.Context, r *SwitchResult) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Warn("switch failed", l.resultFields(ctx, r)...)
}

// SwitchNoOp logs a switch to the already active project.
func (l *Logger) SwitchNoOp(ctx context.Context, r *SwitchResult) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Debug("switch no-op", l.resultFields(ctx, r)...)
}

// ResourceFailed logs an adapter or index that could not be loaded.
func (l *Logger) ResourceFailed(ctx context.Context, projectID string, reason Reason, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("project.id", projectID),
		zap.String("reason", string(reason)),
		zap.Error(err),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Warn("resource unavailable", fields...)
}

// Evicted logs resources released to make room for a reservation.
func (l *Logger) Evicted(ctx context.Context, projectID string, bytes int64, active bool) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("project.id", projectID),
		zap.Int64("bytes", bytes),
		zap.String("size", humanize.IBytes(uint64(bytes))),
		zap.Bool("active", active),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Info("resources evicted", fields...)
}

// RolledBack logs the outcome of reloading the previous project after a
// failed switch.
func (l *Logger) RolledBack(ctx context.Context, projectID string, capability Capability) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("project.id", projectID),
		zap.String("capability", string(capability)),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Warn("previous project restored", fields...)
}

// LateHandleClosed logs resources that arrived after a switch gave up.
func (l *Logger) LateHandleClosed(ctx context.Context, projectID string, adapterLoaded, indexLoaded bool) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("project.id", projectID),
		zap.Bool("adapter", adapterLoaded),
		zap.Bool("index", indexLoaded),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Info("late resources closed", fields...)
}

// DoubleRelease logs a bookkeeping defect: a reservation released twice.
func (l *Logger) DoubleRelease(ctx context.Context, r *budget.Reservation, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("reservation_id", r.ID),
		zap.String("label", r.Label),
		zap.Int64("bytes", r.Bytes),
		zap.Error(err),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Error("budget reservation released twice", fields...)
}

// Error logs an error with context.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, zap.Error(err))
	allFields = append(allFields, fields...)
	l.logger.Error(msg, allFields...)
}

// Warn logs a warning with context.
func (l *Logger) Warn(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	allFields = append(allFields, fields...)
	l.logger.Warn(msg, allFields...)
}

func (l *Logger) resultFields(ctx context.Context, r *SwitchResult) []zap.Field {
	reasons := make([]string, len(r.Reasons))
	for i, reason := range r.Reasons {
		reasons[i] = string(reason)
	}
	fields := []zap.Field{
		zap.String("project.id", r.ProjectID),
		zap.String("previous_project_id", r.PreviousProjectID),
		zap.String("outcome", string(r.Outcome)),
		zap.Strings("reasons", reasons),
		zap.String("capability", string(r.Capability)),
		zap.Int64("reserved_bytes", r.ReservedBytes),
		zap.Strings("evicted", r.Evicted),
		zap.Bool("warm_hit", r.WarmHit),
		zap.Duration("duration", r.Duration),
	}
	return append(fields, l.traceFields(ctx)...)
}

// traceFields extracts trace context from the context.
func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	sc := span.SpanContext()
	fields := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
	if sc.IsSampled() {
		fields = append(fields, zap.Bool("trace_sampled", true))
	}
	return fields
}
