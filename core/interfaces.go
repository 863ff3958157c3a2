package core

// Logger is the minimal structured logging interface shared by every
// component. Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger discards all log output. Components fall back to it when no
// logger is injected so call sites never need nil checks.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// EnsureLogger returns the given logger or a NoOpLogger when nil.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}
