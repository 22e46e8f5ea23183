package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrReadinessTimeout is returned when a worker does not report ready in time.
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrNotReady is returned when draining a worker which is not ready.
	ErrNotReady = errors.New("worker not ready")
	// ErrNoService is a configuration error of the Goroutines backend.
	ErrNoService = errors.New("no service configured")
	// ErrNotSupervised is returned by RunChild in a process not started by a supervisor.
	ErrNotSupervised = errors.New("not started by a tillicum supervisor: " + EnvControlFD + " missing")
)

// SpawnError tells a worker failed to start or died before becoming ready.
type SpawnError struct {
	ID    string
	Epoch uint64
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s (epoch %d): %v", e.ID, e.Epoch, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
