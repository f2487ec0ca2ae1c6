package logger

var _ Logger = (*NullLogger)(nil)

// NullLogger discards everything. It is the default for engines, stores and
// watchers that were not given a logger.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (*NullLogger) Debug(string, ...any) {}
func (*NullLogger) Info(string, ...any)  {}
func (*NullLogger) Error(string, ...any) {}
