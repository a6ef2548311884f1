package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	JobID     string    // Job being executed
	Flow      string    // Flow kind (models.prompt, sim.fem, etc.)
	SourceID  string    // Backup source under operation
	WorkerID  string    // Worker process identifier
	UserID    string    // Owning user, when known
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given worker
func NewLogContext(workerID string) *LogContext {
	return &LogContext{
		WorkerID:  workerID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		JobID:     lc.JobID,
		Flow:      lc.Flow,
		SourceID:  lc.SourceID,
		WorkerID:  lc.WorkerID,
		UserID:    lc.UserID,
		StartTime: lc.StartTime,
	}
}

// WithJob returns a copy with the job and flow set
func (lc *LogContext) WithJob(jobID, flow string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.JobID = jobID
		clone.Flow = flow
	}
	return clone
}

// WithSource returns a copy with the backup source set
func (lc *LogContext) WithSource(sourceID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SourceID = sourceID
	}
	return clone
}

// WithUser returns a copy with the owning user set
func (lc *LogContext) WithUser(userID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.UserID = userID
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
