// Package prefetch warms the image caches with tagged background jobs. A job
// outlives the request that started it; its result stays in the task
// registry until someone collects it.
package prefetch

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyncload/internal/asyncdata"
	"asyncload/internal/imageloader"
	"asyncload/internal/task"
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,63}$`)

// Fetcher loads one image; *imageloader.Loader satisfies it.
type Fetcher interface {
	Get(ctx context.Context, req imageloader.Request) ([]byte, error)
}

type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	// startMu serializes starting jobs and collecting their results
	startMu sync.Mutex

	fetcher    Fetcher
	registry   *task.Registry
	dispatcher task.Dispatcher
	store      JobStore
	maxJobs    int
	maxURLs    int
	interval   time.Duration
	loadIDs    atomic.Int64
	logger     zerolog.Logger
}

func NewManager(fetcher Fetcher, registry *task.Registry, dispatcher task.Dispatcher, opts Options) *Manager {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = defaultMaxConcurrent
	}
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = defaultMaxURLs
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if dispatcher == nil {
		dispatcher = task.Immediate
	}
	return &Manager{
		jobs:       make(map[string]*Job),
		fetcher:    fetcher,
		registry:   registry,
		dispatcher: dispatcher,
		store:      NewFileStore(opts.DataDir),
		maxJobs:    opts.MaxConcurrentJobs,
		maxURLs:    opts.MaxURLs,
		interval:   opts.Interval,
		logger:     log.With().Str("component", "prefetch").Logger(),
	}
}

// Running counts registered jobs that have not finished yet.
func (m *Manager) Running() int {
	n := 0
	for _, tag := range m.registry.Tags() {
		if isActive(m.registry.Get(tag)) {
			n++
		}
	}
	return n
}

func (m *Manager) IsBusy() bool {
	return m.Running() >= m.maxJobs
}

// Start launches a job and detaches from it right away.
func (m *Manager) Start(req Request) (*Job, error) {
	urls, err := m.validateURLs(req.URLs)
	if err != nil {
		return nil, err
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()

	tag := strings.TrimSpace(req.Tag)
	if tag == "" {
		tag = uuid.NewString()
	} else if !tagPattern.MatchString(tag) {
		return nil, fmt.Errorf("invalid tag %q", tag)
	}
	if isActive(m.registry.Get(tag)) {
		return nil, ErrJobRunning
	}
	if m.IsBusy() {
		return nil, ErrBusy
	}
	// an uncollected result of an earlier run under this tag is superseded
	m.registry.Result(tag, true)

	now := time.Now().UTC()
	job := &Job{
		Tag:        tag,
		Status:     StatusRunning,
		Continuous: req.Continuous,
		CreatedAt:  now,
		UpdatedAt:  now,
		Files:      make([]FileRef, 0, len(urls)),
	}
	for _, u := range urls {
		job.Files = append(job.Files, FileRef{URL: u, State: FilePending})
	}
	m.mu.Lock()
	m.jobs[tag] = job
	snapshot := job.clone()
	m.mu.Unlock()
	m.persist(snapshot)

	if !m.entity(tag, urls, req.Continuous).LoadDetached(int(m.loadIDs.Add(1))) {
		m.update(tag, func(j *Job) { j.Status = StatusFailed })
		return nil, fmt.Errorf("start job %s: %w", tag, task.ErrIllegalState)
	}

	m.logger.Info().Str("tag", tag).Int("urls", len(urls)).Bool("continuous", req.Continuous).Msg("prefetch started")
	return snapshot, nil
}

// Get reports the job under tag. With consume set, a finished result is
// collected and the tag released.
func (m *Manager) Get(tag string, consume bool) (*Job, error) {
	t := m.registry.Get(tag)
	if t == nil {
		return m.record(tag)
	}

	if res, stored := asyncdata.Stored[Job](m.registry, tag); stored {
		out := res.Data
		if consume {
			var err error
			if out, err = m.collect(tag); err != nil {
				return nil, err
			}
		}
		if !res.Success {
			out.Status = StatusFailed
		}
		return m.update(tag, func(j *Job) {
			j.Status = out.Status
			if out.Files != nil {
				j.Files = out.Files
			}
			j.Cycles = max(j.Cycles, out.Cycles)
			j.UpdatedAt = time.Now().UTC()
		}), nil
	}

	if isActive(t) {
		return m.record(tag)
	}
	// finished without a result: it was interrupted
	m.registry.Unregister(tag, t)
	return m.update(tag, func(j *Job) { j.Status = StatusInterrupted }), nil
}

// Stop interrupts a running job.
func (m *Manager) Stop(tag string) error {
	t := m.registry.Get(tag)
	if t == nil || !t.RequestInterrupt() {
		if _, err := m.record(tag); err != nil {
			return err
		}
		return ErrNotRunning
	}
	m.update(tag, func(j *Job) {
		j.Status = StatusInterrupted
		j.UpdatedAt = time.Now().UTC()
	})
	m.logger.Info().Str("tag", tag).Msg("prefetch interrupted")
	return nil
}

// Jobs lists known jobs, oldest first.
func (m *Manager) Jobs() []*Job {
	m.mu.RLock()
	tags := make([]string, 0, len(m.jobs))
	for tag := range m.jobs {
		tags = append(tags, tag)
	}
	m.mu.RUnlock()

	jobs := make([]*Job, 0, len(tags))
	for _, tag := range tags {
		if j, err := m.Get(tag, false); err == nil {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs
}

// LoadFromDisk restores job records. Jobs that were running when the
// process stopped are marked interrupted.
func (m *Manager) LoadFromDisk() error {
	loaded, err := m.store.LoadJobs(context.Background())
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, j := range loaded {
		if j.Status == StatusRunning {
			j.Status = StatusInterrupted
			m.persist(j)
		}
		m.mu.Lock()
		m.jobs[j.Tag] = j
		m.mu.Unlock()
	}
	return nil
}

// Shutdown interrupts every running job and waits for the workers to exit.
func (m *Manager) Shutdown(ctx context.Context) bool {
	tags := m.registry.Tags()
	tasks := make([]*task.Task, 0, len(tags))
	for _, tag := range tags {
		if t := m.registry.Get(tag); t != nil {
			tasks = append(tasks, t)
		}
	}
	for _, t := range tasks {
		if t.RequestInterrupt() {
			m.update(t.Tag(), func(j *Job) { j.Status = StatusInterrupted })
		}
	}
	for _, t := range tasks {
		if !t.Wait(ctx) {
			return false
		}
	}
	return true
}

func (m *Manager) entity(tag string, urls []string, continuous bool) *asyncdata.Entity[Job] {
	// a continuous job only ends when interrupted; per-cycle progress is on the record
	opts := asyncdata.Options[Job]{
		Tag:        tag,
		Continuous: continuous,
		Interval:   m.interval,
		Registry:   m.registry,
		Dispatcher: m.dispatcher,
		Logger:     &m.logger,
	}
	return asyncdata.New(func(ctx context.Context, _ int) (Job, error) {
		return m.fetchAll(ctx, tag, urls)
	}, opts)
}

// collect takes the stored result out of the registry through a recovering
// entity.
func (m *Manager) collect(tag string) (Job, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	e := asyncdata.New(func(ctx context.Context, _ int) (Job, error) {
		<-ctx.Done()
		return Job{}, ErrJobNotFound
	}, asyncdata.Options[Job]{Tag: tag, Registry: m.registry, Dispatcher: task.Immediate, Logger: &m.logger})
	if e.LoadIfNeeded(nil, 0) {
		// the result went away and a placeholder load started in its place
		e.StopLoading()
		return Job{}, fmt.Errorf("collect %s: %w", tag, ErrJobNotFound)
	}
	// a failed run leaves no payload
	return e.Data(), nil
}

// fetchAll runs one cycle of a job. Progress goes to the job record as each
// file completes; the status is left to whoever observes the result.
func (m *Manager) fetchAll(ctx context.Context, tag string, urls []string) (Job, error) {
	job := Job{Tag: tag, Cycles: 1, Files: make([]FileRef, 0, len(urls))}
	anyOK := false
	for i, u := range urls {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		ref := FileRef{URL: u, State: FileOK}
		data, err := m.fetcher.Get(ctx, imageloader.Request{URL: u})
		if err != nil {
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			ref.State = FileFailed
			ref.Error = err.Error()
		} else {
			ref.Bytes = len(data)
			anyOK = true
		}
		job.Files = append(job.Files, ref)
		m.progress(tag, i, ref)
	}
	job.Status = StatusFailed
	if anyOK {
		job.Status = StatusReady
	}
	job.UpdatedAt = time.Now().UTC()
	m.update(tag, func(j *Job) {
		if j.Continuous {
			j.Cycles++
		}
		j.UpdatedAt = job.UpdatedAt
	})
	m.logger.Debug().Str("tag", tag).Str("status", string(job.Status)).Msg("prefetch cycle done")
	return job, nil
}

func (m *Manager) progress(tag string, i int, ref FileRef) {
	m.update(tag, func(j *Job) {
		if i < len(j.Files) {
			j.Files[i] = ref
		}
		j.UpdatedAt = time.Now().UTC()
	})
}

func (m *Manager) validateURLs(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, ErrNoURLs
	}
	if len(in) > m.maxURLs {
		return nil, fmt.Errorf("%w: max %d per job", ErrTooManyURLs, m.maxURLs)
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		trimmed := strings.TrimSpace(raw)
		parsed, err := url.Parse(trimmed)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, NewErrBadURL(raw)
		}
		out = append(out, trimmed)
	}
	return out, nil
}

func (m *Manager) record(tag string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[tag]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

// update applies fn to the record for tag, creating one for jobs this
// process did not start, and persists the result.
func (m *Manager) update(tag string, fn func(*Job)) *Job {
	m.mu.Lock()
	j, ok := m.jobs[tag]
	if !ok {
		now := time.Now().UTC()
		j = &Job{Tag: tag, CreatedAt: now, UpdatedAt: now}
		m.jobs[tag] = j
	}
	fn(j)
	snapshot := j.clone()
	m.mu.Unlock()
	m.persist(snapshot)
	return snapshot
}

func (m *Manager) persist(j *Job) {
	if err := m.store.SaveJob(context.Background(), j); err != nil {
		log.Warn().Str("tag", j.Tag).Err(err).Msg("persist job failed")
	}
}

func isActive(t *task.Task) bool {
	if t == nil {
		return false
	}
	s := t.State()
	return s == task.StateRunning || s == task.StateFinishing
}
