/*
Package worker implements both ends of a supervised worker.

On the supervisor side a Handle tracks one worker through its lifecycle:

	starting -> ready -> draining -> stopped
	                \________________\-> crashed

A Backend starts the actual worker. Goroutines runs a Service in-process and
Exec starts a child process. Either way every worker gets its own duplicates
of the listener descriptors and a private message channel. The worker sends
one "ready" message once it accepts connections and "heartbeat" messages
after that. The supervisor sends "drain" and "stop".

On the worker side a Service gets a Runtime with its listeners and the
protocol. Child processes call RunChild. ServeStream is the accept loop most
services want.
*/
package worker
