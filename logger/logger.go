// Package logger holds the small structured logging surface used by the
// policy engine and its stores, plus adapters for common backends.
package logger

// Logger accepts a message and alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for each evaluation.
type TraceIDFunc func() string // It should be cheap and safe for concurrent calls.
