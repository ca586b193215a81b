package task

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Task.
type State int32

const (
	StateEmpty State = iota
	StateRunning
	StateFinishing
	StateFinished
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	case StateInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Result is produced once per completed (non-continuous) run and kept on the
// Task until collected.
type Result struct {
	Data    any
	Success bool
}

// Body is the work a Task performs.
//
// Cycle runs on the worker goroutine; returning an error or false counts as a
// failed cycle. OnCycleFinished and OnCycleFailure also run on the worker
// goroutine after each cycle and return whether a continuous Task keeps
// looping. CreateResult builds the Result handed to the listener once the Task
// stops.
type Body struct {
	Cycle           func(ctx context.Context) (bool, error)
	OnCycleFinished func(t *Task) bool
	OnCycleFailure  func(t *Task) bool
	CreateResult    func(success bool) Result
}

// Listener receives terminal notifications on the Task's Dispatcher.
type Listener interface {
	OnFinished(t *Task, r Result)
	OnFailure(t *Task, r Result)
	OnInterrupt(t *Task)
}

// Options configures a Task.
type Options struct {
	Continuous bool
	Interval   time.Duration
	LoadID     int
	Dispatcher Dispatcher
	Registry   *Registry
	Logger     *zerolog.Logger
}
