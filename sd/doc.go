/*
Package sd implements the systemd side of the supervisor and its workers.

File descriptors passed by systemd socket activation, or by a tillicum
supervisor to a worker process, arrive as fds 3 and up, described by the
LISTEN_FDS and LISTEN_FDNAMES environment variables. The package adopts
these at init and hands them out by name through FileWith() and the
Inherit* functions. A FileTest can be used to make sure a descriptor is
what you think it is before taking it.

ListenEnv() builds the same environment for a child process.

Notify() talks the sd_notify protocol with the service manager.
*/
package sd
