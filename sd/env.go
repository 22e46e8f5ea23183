package sd

import (
	"strconv"
	"strings"
)

// ListenEnv returns environ with any LISTEN_* variables replaced by ones
// describing len(names) descriptors passed as fds 3 and up, in order.
// LISTEN_PID is left out, since the pid of a child is not known before it's started.
func ListenEnv(environ []string, names []string) []string {
	env := make([]string, 0, len(environ)+2)
	for _, v := range environ {
		if strings.HasPrefix(v, envListenFds+"=") ||
			strings.HasPrefix(v, envListenFdNames+"=") ||
			strings.HasPrefix(v, envListenPid+"=") {
			continue
		}
		env = append(env, v)
	}
	if len(names) == 0 {
		return env
	}
	env = append(env, envListenFds+"="+strconv.Itoa(len(names)))
	env = append(env, envListenFdNames+"="+strings.Join(names, ":"))
	return env
}
