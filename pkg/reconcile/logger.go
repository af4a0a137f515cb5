package reconcile

// Field is a single key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the engine's structured logging interface. Adapters for concrete
// backends live under pkg/reconcile/logger.
type Logger interface {
	// Debug logs high-volume diagnostics such as duplicate deliveries.
	Debug(msg string, fields ...Field)

	// Info logs normal pipeline progress.
	Info(msg string, fields ...Field)

	// Warn logs recoverable problems, such as a handler failure the
	// provider will retry.
	Warn(msg string, fields ...Field)

	// Error logs failures that need operator attention.
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
