/*
Package log is a syslog leveled, structured and context aware logger.

Loggers are retrieved by name with GetLogger() and form a tree.
A Logger without its own Handler sends events to its nearest parent,
ending at the Default() Logger. Events carry key/value data:

	l := log.GetLogger("tillicum/worker").With("epoch", 3)
	l.INFO("ready", "id", id)

Handlers form a chain ending in a formatter: NewStdFormatter, NewMinFormatter
or NewJSONFormatter. The zaplog sub package forwards events to a zap logger.
*/
package log
