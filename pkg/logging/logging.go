package logging

// Logger is the logging interface used throughout the runner. It is a subset
// of the logrus API and is satisfied by both *logrus.Logger and *logrus.Entry,
// allowing components to receive either the daemon's root logger or an entry
// scoped with a "component" field.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnln(args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
}
