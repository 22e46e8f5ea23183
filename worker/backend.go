package worker

import (
	"context"
	"time"

	"github.com/ieure/tillicum/listeners"
)

// Spec is what a Backend needs to start a worker.
type Spec struct {
	ID    string
	Epoch uint64
	// Listeners are owned by the Backend from the call to Start,
	// also when Start fails.
	Listeners         []listeners.Descriptor
	HeartbeatInterval time.Duration
}

// Process is a started worker as seen by the supervisor.
type Process interface {
	// Pid of the worker process. 0 for in-process workers.
	Pid() int
	// Messages from the worker. Never closed. Watch Done.
	Messages() <-chan Message
	// Drain asks the worker to stop accepting and finish open connections.
	Drain() error
	// Stop asks the worker to exit now.
	Stop() error
	// Kill ends the worker forcibly.
	Kill() error
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done.
	Err() error
}

// Backend starts workers. The choice of Backend decides whether workers
// are goroutines or processes. The supervisor doesn't care.
type Backend interface {
	Start(ctx context.Context, spec Spec) (Process, error)
	// Validate reports configuration errors before any worker is started.
	Validate() error
}
