// Package signals maps OS signals to actions run on a single go-routine.
package signals

import (
	"context"
	"os"
	"os/signal"
	"reflect"
)

// Action is a function called when an OS signal is received.
type Action func()

// Mappings map OS signals to functions
type Mappings map[os.Signal]Action

// One 1-buffered channel per signal and a select over all of them. The
// number of cases is dynamic, hence reflect.
func signalHandler(ctx context.Context, mappings Mappings, done chan<- struct{}) {
	defer close(done)

	cases := make([]reflect.SelectCase, 0, len(mappings)+1)
	actions := make([]Action, 0, len(mappings))
	chans := make([]chan os.Signal, 0, len(mappings))

	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})
	for sig, action := range mappings {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, sig)
		chans = append(chans, sigch)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sigch)})
		actions = append(actions, action)
	}
	defer func() {
		for _, ch := range chans {
			signal.Stop(ch)
		}
	}()

	for {
		chosen, _, _ := reflect.Select(cases)
		if chosen == 0 {
			return
		}
		actions[chosen-1]()
	}
}

// RunSignalHandler spawns a go-routine which will call the provided Actions
// when receiving the corresponding signals, until ctx is done. The returned
// channel is closed when the handler has stopped listening.
func RunSignalHandler(ctx context.Context, m Mappings) <-chan struct{} {
	done := make(chan struct{})
	go signalHandler(ctx, m, done)
	return done
}
