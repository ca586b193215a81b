// Package asyncdata binds a data holder to at most one background task and
// lets a short-lived owner recover that task, or its finished result, by tag.
package asyncdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyncload/internal/task"
)

var ErrLoadFailed = errors.New("load failed")

// LoadFunc produces one cycle's payload on the worker goroutine.
type LoadFunc[T any] func(ctx context.Context, loadID int) (T, error)

// Options configures an Entity.
//
// Repeat decides after every cycle of a continuous load whether to keep
// going; without it a continuous load stops on its first failure. Merge folds
// each cycle's payload into the accumulated one, e.g. for paged sources.
type Options[T any] struct {
	Tag         string
	StartsValid bool
	Continuous  bool
	Interval    time.Duration
	Repeat      func(data T, err error) bool
	Merge       func(acc, next T) T
	Registry    *task.Registry
	Dispatcher  task.Dispatcher
	Logger      *zerolog.Logger
}

// Entity holds data produced by a background task. Tagged entities survive
// the loss of their owner: a new Entity with the same tag and registry picks
// up the running task or its stored result.
type Entity[T any] struct {
	mu       sync.Mutex
	valid    bool
	loadID   int
	task     *task.Task
	data     T
	err      error
	listener Listener[T]

	load   LoadFunc[T]
	opts   Options[T]
	hooks  *hooks[T]
	logger zerolog.Logger
	// tasks log their own tag
	taskLogger zerolog.Logger
}

func New[T any](load LoadFunc[T], opts Options[T]) *Entity[T] {
	if opts.Registry == nil {
		opts.Registry = task.NewRegistry()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = task.Immediate
	}
	logger := log.With().Str("component", "asyncdata").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	e := &Entity[T]{
		valid:      opts.StartsValid,
		load:       load,
		opts:       opts,
		logger:     logger.With().Str("tag", opts.Tag).Logger(),
		taskLogger: logger,
	}
	e.hooks = &hooks[T]{e: e}
	return e
}

func (e *Entity[T]) Tag() string { return e.opts.Tag }

func (e *Entity[T]) IsValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

// Data returns the payload of the last successful load.
func (e *Entity[T]) Data() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// Err returns the error of the last failed load.
func (e *Entity[T]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// LoadID is the id of the last load this Entity started.
func (e *Entity[T]) LoadID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadID
}

// IsLoading reports whether a recoverable task is running or delivering.
func (e *Entity[T]) IsLoading() bool {
	return active(e.lookup())
}

// LoadIfNeeded starts a load unless the data is valid or a load is already in
// flight. It returns true when a load is running after the call and false
// when nothing had to be done, including when a stored result was delivered
// synchronously. A nil listener keeps the current one.
func (e *Entity[T]) LoadIfNeeded(listener Listener[T], loadID int) bool {
	if listener != nil {
		e.mu.Lock()
		e.listener = listener
		e.mu.Unlock()
	}

	t, recovered := e.recoverTask()

	if e.opts.Tag != "" {
		if res, ok := e.opts.Registry.Result(e.opts.Tag, true); ok {
			id := loadID
			if t != nil {
				id = t.LoadID()
				t.SetListener(nil)
				t.RequestInterrupt()
			}
			e.mu.Lock()
			e.valid = false
			if e.task == t {
				e.task = nil
			}
			e.mu.Unlock()
			if recovered {
				e.notifyStart(id)
			}
			e.deliver(t, id, res)
			return false
		}
	}

	if active(t) {
		e.mu.Lock()
		e.valid = false
		e.mu.Unlock()
		if recovered {
			e.notifyStart(t.LoadID())
		}
		return true
	}

	if e.IsValid() {
		return false
	}

	if t != nil && e.opts.Tag != "" && t.State() == task.StateFinished {
		e.logger.Debug().Str("task_id", t.ID()).Msg("dropping finished task without result")
		e.Invalidate(true)
	}

	return e.startLoad(loadID)
}

// LoadDetached starts a tagged load that no owner listens to. Its result
// stays in the registry until a later LoadIfNeeded or Stored picks it up. It
// reports false when the Entity has no tag or the task could not start.
func (e *Entity[T]) LoadDetached(loadID int) bool {
	if e.opts.Tag == "" {
		return false
	}
	if active(e.opts.Registry.Get(e.opts.Tag)) {
		return true
	}
	t := e.newTask(loadID)
	if err := t.Start(e.opts.Tag); err != nil {
		e.logger.Error().Err(err).Int("load_id", loadID).Msg("start detached load")
		return false
	}
	return true
}

// Invalidate stops any running load and marks the data stale. Entities that
// start valid ignore unforced invalidation.
func (e *Entity[T]) Invalidate(forced bool) {
	if e.opts.StartsValid && !forced {
		return
	}
	e.StopLoading()
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

// StopLoading interrupts the current task, if any.
func (e *Entity[T]) StopLoading() {
	t := e.lookup()
	e.mu.Lock()
	e.task = nil
	e.mu.Unlock()
	if t != nil {
		t.RequestInterrupt()
	}
}

// Release is called when the owner goes away. A tagged task keeps running
// detached so a later owner can collect its result; an untagged one cannot be
// recovered and is interrupted.
func (e *Entity[T]) Release() {
	e.mu.Lock()
	t := e.task
	e.listener = nil
	e.mu.Unlock()
	if t == nil {
		return
	}
	if e.opts.Tag != "" {
		t.SetListener(nil)
		return
	}
	t.RequestInterrupt()
}

func (e *Entity[T]) lookup() *task.Task {
	if e.opts.Tag != "" {
		if t := e.opts.Registry.Get(e.opts.Tag); t != nil {
			return t
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

// recoverTask resolves the task for this Entity, preferring the registry, and
// attaches the Entity to a task it did not own yet.
func (e *Entity[T]) recoverTask() (*task.Task, bool) {
	var t *task.Task
	if e.opts.Tag != "" {
		t = e.opts.Registry.Get(e.opts.Tag)
	}
	e.mu.Lock()
	current := e.task
	if t == nil {
		t = current
	}
	recovered := t != nil && t != current
	e.task = t
	e.mu.Unlock()

	if recovered {
		t.SetListener(e.hooks)
		e.logger.Debug().Str("task_id", t.ID()).Msg("recovered task")
	}
	return t, recovered
}

func (e *Entity[T]) startLoad(loadID int) bool {
	t := e.newTask(loadID)
	t.SetListener(e.hooks)

	e.mu.Lock()
	// another caller claimed the slot and may not have started its task yet
	if cur := e.task; cur != nil && (cur.State() == task.StateEmpty || active(cur)) {
		e.mu.Unlock()
		return true
	}
	e.task = t
	e.loadID = loadID
	e.valid = false
	e.mu.Unlock()

	e.notifyStart(loadID)
	if err := t.Start(e.opts.Tag); err != nil {
		e.logger.Error().Err(err).Int("load_id", loadID).Msg("start load")
		e.mu.Lock()
		if e.task == t {
			e.task = nil
		}
		e.mu.Unlock()
		return false
	}
	return true
}

func (e *Entity[T]) newTask(loadID int) *task.Task {
	var (
		mu      sync.Mutex
		data    T
		lastErr error
	)
	body := task.Body{
		Cycle: func(ctx context.Context) (bool, error) {
			next, err := e.load(ctx, loadID)
			mu.Lock()
			defer mu.Unlock()
			lastErr = err
			if err != nil {
				return false, err
			}
			if e.opts.Merge != nil {
				data = e.opts.Merge(data, next)
			} else {
				data = next
			}
			return true, nil
		},
		CreateResult: func(success bool) task.Result {
			mu.Lock()
			defer mu.Unlock()
			return task.Result{Data: payload[T]{data: data, err: lastErr}, Success: success}
		},
	}
	if repeat := e.opts.Repeat; repeat != nil {
		decide := func(*task.Task) bool {
			mu.Lock()
			d, err := data, lastErr
			mu.Unlock()
			return repeat(d, err)
		}
		body.OnCycleFinished = decide
		body.OnCycleFailure = decide
	}
	return task.New(body, task.Options{
		Continuous: e.opts.Continuous,
		Interval:   e.opts.Interval,
		LoadID:     loadID,
		Dispatcher: e.opts.Dispatcher,
		Registry:   e.opts.Registry,
		Logger:     &e.taskLogger,
	})
}

func (e *Entity[T]) notifyStart(loadID int) {
	if l := e.currentListener(); l != nil {
		l.OnDataLoadStart(e, loadID)
	}
}

func (e *Entity[T]) currentListener() Listener[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

func (e *Entity[T]) deliver(t *task.Task, loadID int, res task.Result) {
	p, _ := res.Data.(payload[T])
	e.mu.Lock()
	if t != nil && e.task == t {
		e.task = nil
	}
	if res.Success {
		e.data = p.data
		e.err = nil
		e.valid = true
	} else {
		e.err = p.err
		if e.err == nil {
			e.err = ErrLoadFailed
		}
		e.valid = false
	}
	l := e.listener
	e.mu.Unlock()

	if l == nil {
		return
	}
	if res.Success {
		l.OnDataLoaded(e, loadID)
	} else {
		l.OnDataLoadFailed(e, loadID)
	}
}

func (e *Entity[T]) interrupted(t *task.Task) {
	e.mu.Lock()
	if e.task == t {
		e.task = nil
	}
	e.valid = false
	l := e.listener
	e.mu.Unlock()
	if l != nil {
		l.OnDataLoadInterrupted(e, t.LoadID())
	}
}

type payload[T any] struct {
	data T
	err  error
}

// Outcome is a finished load left in a registry by a detached task.
type Outcome[T any] struct {
	Data    T
	Err     error
	Success bool
}

// Stored returns the result stored under tag without collecting it.
func Stored[T any](registry *task.Registry, tag string) (Outcome[T], bool) {
	res, ok := registry.Result(tag, false)
	if !ok {
		return Outcome[T]{}, false
	}
	p, _ := res.Data.(payload[T])
	return Outcome[T]{Data: p.data, Err: p.err, Success: res.Success}, true
}

// hooks is the task.Listener side of an Entity.
type hooks[T any] struct {
	e *Entity[T]
}

func (h *hooks[T]) OnFinished(t *task.Task, r task.Result) { h.e.deliver(t, t.LoadID(), r) }

func (h *hooks[T]) OnFailure(t *task.Task, r task.Result) { h.e.deliver(t, t.LoadID(), r) }

func (h *hooks[T]) OnInterrupt(t *task.Task) { h.e.interrupted(t) }

func active(t *task.Task) bool {
	if t == nil {
		return false
	}
	s := t.State()
	return s == task.StateRunning || s == task.StateFinishing
}
