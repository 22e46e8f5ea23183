package sd

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envNotifySocket = "NOTIFY_SOCKET"
	envWatchdogUsec = "WATCHDOG_USEC"
	envWatchdogPid  = "WATCHDOG_PID"
)

// Status values for NotifyStatus
const (
	// Don't send a state, just the STATUS line
	StatusNone = iota
	// READY=1
	StatusReady
	// RELOADING=1
	StatusReloading
	// STOPPING=1
	StatusStopping
	// WATCHDOG=1
	StatusWatchdog
)

// NotifyUnsetEnv makes Notify unset NOTIFY_SOCKET so children don't inherit it.
const NotifyUnsetEnv = 1

// ErrSdNotifyNoSocket tells the caller there's no NOTIFY_SOCKET in the environment.
var ErrSdNotifyNoSocket = errors.New("No systemd notify socket in environment")

var (
	watchdogDuration time.Duration
	watchdogEnabled  bool
	notifySocket     string
)

func init() {
	if usec, err := strconv.Atoi(os.Getenv(envWatchdogUsec)); err == nil && usec > 0 {
		watchdogDuration = time.Duration(usec) * time.Microsecond
		watchdogEnabled = true
		if pidStr := os.Getenv(envWatchdogPid); pidStr != "" {
			pid, err := strconv.Atoi(pidStr)
			watchdogEnabled = err == nil && pid == os.Getpid()
		}
	}
	if notifySocket = os.Getenv(envNotifySocket); notifySocket != "" {
		// abstract socket
		if notifySocket[0] == '@' {
			notifySocket = "\x00" + notifySocket[1:]
		}
	}
}

// WatchdogEnabled tells whether systemd asked for watchdog notifications,
// and how often they must arrive.
func WatchdogEnabled() (bool, time.Duration) {
	return watchdogEnabled, watchdogDuration
}

// NotifyStatus sends the service status over the notify socket, with an
// optional STATUS= message.
func NotifyStatus(status int, message string) error {
	var lines []string
	switch status {
	case StatusNone:
	case StatusReady:
		lines = append(lines, "READY=1")
	case StatusReloading:
		lines = append(lines, "RELOADING=1")
	case StatusStopping:
		lines = append(lines, "STOPPING=1")
	case StatusWatchdog:
		lines = append(lines, "WATCHDOG=1")
	default:
		return errors.New("Unknown notify status")
	}
	if message != "" {
		lines = append(lines, "STATUS="+message)
	}
	return Notify(0, lines...)
}

// Notify sends the given lines as one message to the notify socket.
func Notify(flags int, lines ...string) error {
	if flags&NotifyUnsetEnv != 0 {
		defer os.Unsetenv(envNotifySocket)
	}
	if notifySocket == "" {
		return ErrSdNotifyNoSocket
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: notifySocket, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(strings.Join(lines, "\n")))
	return err
}
