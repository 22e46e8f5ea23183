// Package syslog holds the syslog level constants used by the log package,
// source code compatible with the standard library.
package syslog

import (
	"fmt"
	stdsyslog "log/syslog"
	"strings"
)

type Priority stdsyslog.Priority

const (
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

// aliases
const (
	LOG_ERROR Priority = LOG_ERR
	LOG_WARN  Priority = LOG_WARNING
)

var names = [...]string{"emerg", "alert", "crit", "error", "warning", "notice", "info", "debug"}

func (p Priority) String() string {
	if p >= LOG_EMERG && p <= LOG_DEBUG {
		return names[p]
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority accepts a level name ("warn", "WARNING", "err", ...) or its number.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emerg", "emergency", "0":
		return LOG_EMERG, nil
	case "alert", "1":
		return LOG_ALERT, nil
	case "crit", "critical", "2":
		return LOG_CRIT, nil
	case "err", "error", "3":
		return LOG_ERR, nil
	case "warn", "warning", "4":
		return LOG_WARNING, nil
	case "notice", "5":
		return LOG_NOTICE, nil
	case "info", "6":
		return LOG_INFO, nil
	case "debug", "7":
		return LOG_DEBUG, nil
	}
	return LOG_DEBUG, fmt.Errorf("unknown log level %q", s)
}
