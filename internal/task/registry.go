package task

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry maps tags to live Tasks so an owner recreated after its
// predecessor was destroyed can recover the Task and its result.
// Only one Task is registered per tag.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logger zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		logger: log.With().Str("component", "task_registry").Logger(),
	}
}

// Register maps tag to t. A Task previously registered under tag is evicted
// from the map but keeps running; stopping it is up to the caller.
func (r *Registry) Register(tag string, t *Task) {
	r.mu.Lock()
	prev, exists := r.tasks[tag]
	r.tasks[tag] = t
	r.mu.Unlock()
	if exists && prev != t {
		r.logger.Debug().Str("tag", tag).Str("evicted_task_id", prev.ID()).Str("task_id", t.ID()).Msg("tag re-registered")
	}
}

// Get returns the Task registered under tag, or nil.
func (r *Registry) Get(tag string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[tag]
}

// Unregister removes tag only while it still maps to t.
func (r *Registry) Unregister(tag string, t *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[tag]; ok && cur == t {
		delete(r.tasks, tag)
		return true
	}
	return false
}

// Result returns the result stored on the Task registered under tag. With
// remove set, the registration is dropped as the result has been consumed.
func (r *Registry) Result(tag string, remove bool) (Result, bool) {
	t := r.Get(tag)
	if t == nil {
		return Result{}, false
	}
	res, ok := t.Result()
	if !ok {
		return Result{}, false
	}
	if remove {
		r.Unregister(tag, t)
	}
	return res, true
}

// Tags lists registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.Lock()
	tags := make([]string, 0, len(r.tasks))
	for tag := range r.tasks {
		tags = append(tags, tag)
	}
	r.mu.Unlock()
	sort.Strings(tags)
	return tags
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// InterruptAll requests an interrupt on every registered Task and returns how
// many were running.
func (r *Registry) InterruptAll() int {
	r.mu.Lock()
	snapshot := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		snapshot = append(snapshot, t)
	}
	r.mu.Unlock()

	count := 0
	for _, t := range snapshot {
		if t.RequestInterrupt() {
			count++
		}
	}
	return count
}
