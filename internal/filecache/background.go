package filecache

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// serial runs jobs one after another on a single ants worker. Submitting
// never waits for earlier jobs.
type serial struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	closed  bool
	pool    *ants.Pool
	onPanic func(any)
}

func newSerial(panicHandler func(any)) (*serial, error) {
	pool, err := ants.NewPool(1, ants.WithPanicHandler(panicHandler))
	if err != nil {
		return nil, err
	}
	return &serial{pool: pool, onPanic: panicHandler}, nil
}

func (s *serial) submit(job func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.jobs = append(s.jobs, job)
	if s.running {
		s.mu.Unlock()
		return true
	}
	s.running = true
	s.mu.Unlock()

	if err := s.pool.Submit(s.drain); err != nil {
		s.mu.Lock()
		s.running = false
		s.jobs = nil
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *serial) drain() {
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		job := s.jobs[0]
		s.jobs = s.jobs[1:]
		s.mu.Unlock()
		s.run(job)
	}
}

func (s *serial) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.onPanic(r)
		}
	}()
	job()
}

// flush waits until the queue has drained, including jobs that earlier
// jobs submitted while running.
func (s *serial) flush(ctx context.Context) error {
	for {
		idle := make(chan bool, 1)
		if !s.submit(func() {
			s.mu.Lock()
			idle <- len(s.jobs) == 0
			s.mu.Unlock()
		}) {
			return nil
		}
		select {
		case empty := <-idle:
			if empty {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *serial) close(ctx context.Context) error {
	err := s.flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pool.Release()
	return err
}
