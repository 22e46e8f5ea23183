//go:build linux

package worker

import "syscall"

// Workers get their own process group, so signals to the supervisor's
// terminal don't reach them behind its back. Pdeathsig makes a worker
// go away if the supervisor dies without stopping it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
