/*
Package daemon runs a supervisor as a process supervised by "systemd" or a
similar init system.

https://www.freedesktop.org/software/systemd/man/daemon.html

Run starts the Supervisor and serializes the events changing it: Reload(),
Exit() and ExitGracefulWithTimeout() may be called from signal handlers, the
control socket, the admin HTTP server or a file watcher, in any order.

Specifically it supports the following:

   * Notify the init system about startup completion, reloads and shutdown via
     the sd_notify(3) interface, including watchdog keep-alives.
   * A UNIX control socket (see package ctrl) with commands to reload, scale,
     stop and inspect the supervisor.
   * Auxiliary servers (like the admin HTTP server) which live as long as the
     process and are shut down after the workers.
*/
package daemon
