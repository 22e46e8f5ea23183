package restart

import (
	"errors"

	"github.com/ieure/tillicum/worker"
)

var (
	// ErrRestartInProgress rejects a restart while another is in flight.
	ErrRestartInProgress = errors.New("restart in progress")
	// ErrRestartAborted is the result of a restart preempted by shutdown.
	ErrRestartAborted = errors.New("restart aborted")
	// ErrDrainTimeout tells an old worker had to be terminated. The restart still succeeded.
	ErrDrainTimeout = errors.New("drain timeout")
	// ErrReadinessTimeout is the error of a restart whose new epoch wasn't ready in time.
	ErrReadinessTimeout = worker.ErrReadinessTimeout
)
