// Package lazyload runs keyed loads on a small fixed set of workers. Requests
// for the same key are coalesced into one attempt, and the most recently
// requested key is served first.
package lazyload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyncload/internal/task"
)

const (
	DefaultWorkers    = 5
	DefaultMaxRetries = 3
)

var ErrClosed = errors.New("pool closed")

// LoadFunc performs one attempt for key on a worker goroutine.
type LoadFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Options struct {
	Workers    int
	MaxRetries int
	// NoSleep disables the backoff before each attempt.
	NoSleep bool
	// Online reports connectivity. Failures while offline do not count
	// against the retry limit.
	Online     func() bool
	Dispatcher task.Dispatcher
	Logger     *zerolog.Logger
}

type item[K comparable, V any] struct {
	key         K
	callbacks   []Callback[K, V]
	downloading bool
}

// Pool is a bounded set of workers pulling from a shared keyed queue.
type Pool[K comparable, V any] struct {
	mu      sync.Mutex
	order   []K
	items   map[K]*item[K, V]
	retries map[K]int
	busy    int
	closed  bool

	load    LoadFunc[K, V]
	opts    Options
	workers *ants.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func New[K comparable, V any](load LoadFunc[K, V], opts Options) (*Pool[K, V], error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = task.Immediate
	}
	logger := log.With().Str("component", "lazyload").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	workers, err := ants.NewPool(opts.Workers, ants.WithOptions(ants.Options{
		ExpiryDuration: 10 * time.Second,
		PanicHandler: func(r any) {
			logger.Error().Interface("panic", r).Msg("worker panicked")
		},
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[K, V]{
		items:   make(map[K]*item[K, V]),
		retries: make(map[K]int),
		load:    load,
		opts:    opts,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}, nil
}

// Load queues key, or joins the queued request for it, and moves it to the
// front of the queue. A worker is started when a slot is free; otherwise a
// running worker will pick the key up.
func (p *Pool[K, V]) Load(key K, cb Callback[K, V]) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if it, ok := p.items[key]; ok {
		if cb != nil && !slices.Contains(it.callbacks, cb) {
			it.callbacks = append(it.callbacks, cb)
		}
		p.order = slices.DeleteFunc(p.order, func(k K) bool { return k == key })
	} else {
		it = &item[K, V]{key: key}
		if cb != nil {
			it.callbacks = append(it.callbacks, cb)
		}
		p.items[key] = it
	}
	p.order = slices.Insert(p.order, 0, key)

	spawn := p.busy < p.opts.Workers
	if spawn {
		p.busy++
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if !spawn {
		return nil
	}
	if err := p.workers.Submit(p.work); err != nil {
		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
		p.wg.Done()
		return fmt.Errorf("start worker: %w", err)
	}
	return nil
}

// StopLoading unsubscribes cb from key. The request is dropped once nobody is
// subscribed; an attempt already in flight runs to completion unobserved.
func (p *Pool[K, V]) StopLoading(key K, cb Callback[K, V]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.items[key]
	if !ok {
		return
	}
	it.callbacks = slices.DeleteFunc(it.callbacks, func(c Callback[K, V]) bool { return c == cb })
	if len(it.callbacks) == 0 && !it.downloading {
		p.remove(it)
	}
}

// Pending is the number of queued keys, including those being loaded.
func (p *Pool[K, V]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Busy is the number of live workers.
func (p *Pool[K, V]) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Retries returns the failed attempts counted so far for key.
func (p *Pool[K, V]) Retries(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries[key]
}

// Close rejects new loads, cancels attempts in flight and waits for the
// workers to exit or ctx to end.
func (p *Pool[K, V]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.workers.Release()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pool: %w", ctx.Err())
	}
}

func (p *Pool[K, V]) work() {
	defer p.wg.Done()
	for {
		it, retry, ok := p.claim()
		if !ok {
			return
		}
		p.process(it, retry)
	}
}

// claim marks the first idle key as downloading. With nothing to do the
// worker gives its slot back under the same lock, so a concurrent Load either
// sees the free slot or its key is seen here.
func (p *Pool[K, V]) claim() (*item[K, V], int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() == nil {
		for _, key := range p.order {
			it := p.items[key]
			if it.downloading {
				continue
			}
			it.downloading = true
			return it, p.retries[key], true
		}
	}
	p.busy--
	return nil, 0, false
}

func (p *Pool[K, V]) process(it *item[K, V], retry int) {
	if !p.opts.NoSleep && !sleep(p.ctx, backoff(retry)) {
		p.mu.Lock()
		p.remove(it)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if len(it.callbacks) == 0 {
		p.remove(it)
		p.mu.Unlock()
		p.logger.Debug().Interface("key", it.key).Msg("no subscribers left, skipping")
		return
	}
	p.mu.Unlock()

	value, err := p.attempt(it.key)
	online := err == nil || p.opts.Online()

	p.mu.Lock()
	p.remove(it)
	callbacks := slices.Clone(it.callbacks)
	var failures int
	switch {
	case err == nil:
		delete(p.retries, it.key)
	case !online:
		failures = p.retries[it.key]
	default:
		failures = p.retries[it.key] + 1
		if failures >= p.opts.MaxRetries {
			delete(p.retries, it.key)
		} else {
			p.retries[it.key] = failures
		}
	}
	p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		p.opts.Dispatcher.Post(func() {
			for _, cb := range callbacks {
				cb.OnLoadFinished(it.key, value)
			}
		})
	case failures >= p.opts.MaxRetries:
		p.logger.Warn().Err(err).Interface("key", it.key).Int("attempts", failures).Msg("load failed")
		p.opts.Dispatcher.Post(func() {
			for _, cb := range callbacks {
				cb.OnLoadFailed(it.key)
			}
		})
	default:
		p.logger.Debug().Err(err).Interface("key", it.key).Int("attempt", failures).Bool("online", online).Msg("load attempt failed")
		p.opts.Dispatcher.Post(func() {
			for _, cb := range callbacks {
				if rc, ok := cb.(RetryCallback[K]); ok {
					rc.OnLoadRetry(it.key, failures)
				}
			}
		})
	}
}

func (p *Pool[K, V]) attempt(key K) (value V, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Interface("key", key).Msg("load panicked")
			err = fmt.Errorf("load panicked: %v", r)
		}
	}()
	return p.load(p.ctx, key)
}

// remove drops it from the queue unless the key has been requeued since.
func (p *Pool[K, V]) remove(it *item[K, V]) {
	if p.items[it.key] != it {
		return
	}
	delete(p.items, it.key)
	p.order = slices.DeleteFunc(p.order, func(k K) bool { return k == it.key })
}

func backoff(retry int) time.Duration {
	return time.Duration(retry*75+275) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
