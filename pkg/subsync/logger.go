package subsync

// Field is a key/value pair attached to a reconciliation log line,
// e.g. alert_name, subscription_id or user_id.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives the reconciler's structured logs. Rejections are logged by
// severity: forged or malformed events at Warn, provider/local divergence and
// storage failures at Error, benign gaps such as early payments at Debug.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when Config.Logger is nil.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
