package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task is one cancellable, possibly repeating unit of background work.
//
// Lifecycle: empty -> running -> finishing -> finished
//
//	running -> interrupted -> finished
//
// A finished Task can be started again. At most one worker goroutine exists
// per Task; every state transition happens under mu.
type Task struct {
	mu         sync.Mutex
	id         string
	tag        string
	loadID     int
	state      State
	continuous bool
	interval   time.Duration
	firstRun   bool
	generation uint64
	result     *Result
	listener   Listener
	cancel     context.CancelFunc
	done       chan struct{}

	body       Body
	dispatcher Dispatcher
	registry   *Registry
	logger     zerolog.Logger
}

// New creates a Task in StateEmpty. Nothing runs until Start.
func New(body Body, opts Options) *Task {
	if body.Cycle == nil {
		body.Cycle = func(context.Context) (bool, error) { return false, ErrNoCycle }
	}
	if body.OnCycleFinished == nil {
		body.OnCycleFinished = func(*Task) bool { return true }
	}
	if body.OnCycleFailure == nil {
		body.OnCycleFailure = func(*Task) bool { return false }
	}
	if body.CreateResult == nil {
		body.CreateResult = func(success bool) Result { return Result{Success: success} }
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = Immediate
	}
	logger := log.With().Str("component", "task").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	id := uuid.NewString()
	return &Task{
		id:         id,
		loadID:     opts.LoadID,
		state:      StateEmpty,
		continuous: opts.Continuous,
		interval:   opts.Interval,
		firstRun:   true,
		body:       body,
		dispatcher: dispatcher,
		registry:   opts.Registry,
		logger:     logger.With().Str("task_id", id).Logger(),
	}
}

func (t *Task) ID() string { return t.id }

// LoadID is the logical load request this Task was created for.
func (t *Task) LoadID() int { return t.loadID }

func (t *Task) Tag() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tag
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) IsContinuous() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.continuous
}

// SetContinuous may be called from the cycle hooks to stop a repeating Task
// after the current cycle.
func (t *Task) SetContinuous(continuous bool) {
	t.mu.Lock()
	t.continuous = continuous
	t.mu.Unlock()
}

func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Task) SetInterval(d time.Duration) {
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
}

// Result returns the stored result of the last completed run.
func (t *Task) Result() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return Result{}, false
	}
	return *t.result, true
}

// SetListener attaches the owner that receives terminal notifications. A nil
// listener detaches the owner; results then stay on the Task until collected.
func (t *Task) SetListener(l Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Start spawns the worker goroutine and, if tag is not empty, registers the
// Task under tag. It fails with ErrIllegalState while the Task is running.
// If the previous worker is still unwinding after an interrupt, Start waits
// for it to exit first.
func (t *Task) Start(tag string) error {
	return t.start(tag, true)
}

// Resume restarts a paused Task under its previous tag, keeping the first-run
// flag and the stored result.
func (t *Task) Resume() error {
	return t.start(t.Tag(), false)
}

func (t *Task) start(tag string, fresh bool) error {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIllegalState, t.id)
	}
	var prev chan struct{}
	if t.state == StateInterrupted {
		prev = t.done
	}
	t.mu.Unlock()

	if prev != nil {
		<-prev
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		return fmt.Errorf("%w: %s", ErrIllegalState, t.id)
	}
	t.generation++
	if fresh {
		t.firstRun = true
		t.result = nil
	}
	t.tag = tag
	t.state = StateRunning
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	done := make(chan struct{})
	t.done = done
	if tag != "" && t.registry != nil {
		t.registry.Register(tag, t)
	}
	t.logger.Debug().Str("tag", tag).Bool("continuous", t.continuous).Msg("task started")

	go t.run(ctx, t.generation, done)
	return nil
}

// RequestInterrupt stops a running Task. The tag is unregistered before it
// returns and the listener receives exactly one OnInterrupt. It reports false
// when the Task was not running.
func (t *Task) RequestInterrupt() bool {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return false
	}
	t.state = StateInterrupted
	cancel := t.cancel
	tag := t.tag
	listener := t.listener
	t.mu.Unlock()

	cancel()
	t.onInterrupt(tag, listener)
	return true
}

func (t *Task) onInterrupt(tag string, listener Listener) {
	if tag != "" && t.registry != nil {
		t.registry.Unregister(tag, t)
	}
	t.logger.Debug().Str("tag", tag).Msg("task interrupted")
	if listener != nil {
		t.dispatcher.Post(func() { listener.OnInterrupt(t) })
	}
}

// Pause stops the worker without notifying the listener or unregistering the
// tag. Resume picks up where it left off.
func (t *Task) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return false
	}
	t.state = StateInterrupted
	t.cancel()
	return true
}

// Wait blocks until the current worker goroutine has exited or ctx is done.
func (t *Task) Wait(ctx context.Context) bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
