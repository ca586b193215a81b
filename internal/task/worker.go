package task

import (
	"context"
	"time"
)

func (t *Task) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	defer t.settle(gen)

	for {
		if t.consumeFirstRun() {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		success := t.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		var keep bool
		if success {
			keep = t.body.OnCycleFinished(t)
		} else {
			keep = t.body.OnCycleFailure(t)
		}
		if !keep {
			t.SetContinuous(false)
		}

		if !t.IsContinuous() {
			t.finish(gen, success)
			return
		}
		if !sleep(ctx, t.Interval()) {
			return
		}
	}
}

func (t *Task) consumeFirstRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.firstRun {
		return false
	}
	t.firstRun = false
	return true
}

func (t *Task) runCycle(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("cycle panicked")
			ok = false
		}
	}()
	ok, err := t.body.Cycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("cycle failed")
		}
		return false
	}
	return ok
}

func (t *Task) finish(gen uint64, success bool) {
	res := t.body.CreateResult(success)

	t.mu.Lock()
	if t.generation != gen || t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.result = &res
	t.mu.Unlock()

	t.dispatcher.Post(func() { t.deliver(gen, res) })
}

// deliver runs on the dispatcher. An interrupt that landed after the post
// wins: the result is dropped and the Task settles as finished.
func (t *Task) deliver(gen uint64, res Result) {
	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return
	}
	if t.state != StateRunning {
		t.state = StateFinished
		t.mu.Unlock()
		return
	}
	t.state = StateFinishing
	listener := t.listener
	tag := t.tag
	if listener != nil {
		// the listener owns the result now; a reload or restart from inside
		// the callback must not see it again
		t.result = nil
	}
	t.mu.Unlock()

	if listener != nil {
		if tag != "" && t.registry != nil {
			t.registry.Unregister(tag, t)
		}
		if res.Success {
			listener.OnFinished(t, res)
		} else {
			listener.OnFailure(t, res)
		}
	}

	t.mu.Lock()
	if t.generation == gen && t.state == StateFinishing {
		t.state = StateFinished
	}
	t.mu.Unlock()
	t.logger.Debug().Str("tag", tag).Bool("success", res.Success).Bool("delivered", listener != nil).Msg("task finished")
}

func (t *Task) settle(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation == gen && t.state == StateInterrupted {
		t.state = StateFinished
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
