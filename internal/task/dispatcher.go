package task

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher is the single callback context completions are marshaled onto.
type Dispatcher interface {
	Post(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Post(fn func()) { f(fn) }

// Immediate runs posted functions on the posting goroutine.
var Immediate Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// Looper runs posted functions one at a time, in post order, on the goroutine
// that calls Run. Post never blocks.
type Looper struct {
	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	logger  zerolog.Logger
}

func NewLooper() *Looper {
	return &Looper{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: log.With().Str("component", "looper").Logger(),
	}
}

// Start runs the loop on a new goroutine.
func (l *Looper) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run drains posted functions until ctx is done or Stop is called.
func (l *Looper) Run(ctx context.Context) {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-l.wake:
		}
	}
}

func (l *Looper) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every function posted before the call has run.
func (l *Looper) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	l.Post(func() { close(reached) })
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drops pending functions and ends Run.
func (l *Looper) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.pending = nil
	l.mu.Unlock()
	close(l.quit)
}

// Done is closed once Run has returned.
func (l *Looper) Done() <-chan struct{} { return l.done }

func (l *Looper) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("posted callback panicked")
		}
	}()
	fn()
}
