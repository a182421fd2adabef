package logger

// Logger - this interface is used to abstract the logging library used in
// the controller components.
type Logger interface {
	Info(msg string)
	Error(err error)
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
