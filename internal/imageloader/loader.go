// Package imageloader serves images from memory, then from the on-disk cache,
// then from the network, filling both caches on the way back.
package imageloader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyncload/internal/fetch"
	"asyncload/internal/filecache"
	"asyncload/internal/lazyload"
	"asyncload/internal/task"
)

var ErrLoadFailed = errors.New("image load failed")

// Request identifies one rendition of an image. Zero Width and Height mean
// the original size.
type Request struct {
	URL    string
	Width  int
	Height int
}

// Key is the memory cache key of the rendition.
func (r Request) Key() string {
	return r.URL + "#" + strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}

type Callback = lazyload.Callback[Request, []byte]

// Fetcher is the network tier.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

type Config struct {
	Dir            string
	FileCapacity   int64
	MemoryCapacity int64
	Workers        int
	MaxRetries     int
	NoSleep        bool
	Online         func() bool
	Fetcher        Fetcher
	Dispatcher     task.Dispatcher
	FreeSpace      func(dir string) (int64, error)
	// MemoryPressure overrides HeapPressure, mostly for tests.
	MemoryPressure func() bool
	Logger         *zerolog.Logger
}

type Stats struct {
	MemoryEntries     int   `json:"memory_entries"`
	MemoryBytes       int64 `json:"memory_bytes"`
	MemoryCapacity    int64 `json:"memory_capacity"`
	FileBytes         int64 `json:"file_bytes"`
	FileCapacity      int64 `json:"file_capacity"`
	EffectiveCapacity int64 `json:"file_effective_capacity"`
	PendingLoads      int   `json:"pending_loads"`
	BusyWorkers       int   `json:"busy_workers"`
	MemoryHits        int64 `json:"memory_hits"`
	FileHits          int64 `json:"file_hits"`
	NetworkLoads      int64 `json:"network_loads"`
	FailedAttempts    int64 `json:"failed_attempts"`
}

type Loader struct {
	memory     *MemoryCache
	files      *filecache.Cache
	pool       *lazyload.Pool[Request, []byte]
	fetcher    Fetcher
	dispatcher task.Dispatcher
	logger     zerolog.Logger

	memoryHits     atomic.Int64
	fileHits       atomic.Int64
	networkLoads   atomic.Int64
	failedAttempts atomic.Int64
}

var (
	instanceOnce sync.Once
	instance     *Loader
	instanceErr  error
)

// GetInstance returns the process-wide Loader. Only the configuration of the
// first call is used.
func GetInstance(cfg Config) (*Loader, error) {
	instanceOnce.Do(func() {
		instance, instanceErr = New(cfg)
	})
	return instance, instanceErr
}

func New(cfg Config) (*Loader, error) {
	logger := log.With().Str("component", "imageloader").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(0, 0)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = task.Immediate
	}

	files, err := filecache.New(filecache.Options{
		Dir:       cfg.Dir,
		Capacity:  cfg.FileCapacity,
		FreeSpace: cfg.FreeSpace,
		Logger:    &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("file cache: %w", err)
	}

	l := &Loader{
		memory:     NewMemoryCache(cfg.MemoryCapacity, cfg.MemoryPressure),
		files:      files,
		fetcher:    cfg.Fetcher,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}
	l.pool, err = lazyload.New(l.load, lazyload.Options{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		NoSleep:    cfg.NoSleep,
		Online:     cfg.Online,
		Dispatcher: cfg.Dispatcher,
		Logger:     &logger,
	})
	if err != nil {
		_ = files.Close(context.Background())
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	return l, nil
}

// Load delivers the rendition to cb. Memory hits are delivered right away;
// everything else goes through the worker pool.
func (l *Loader) Load(req Request, cb Callback) error {
	if data, ok := l.memory.Get(req.Key()); ok {
		l.memoryHits.Add(1)
		l.dispatcher.Post(func() { cb.OnLoadFinished(req, data) })
		return nil
	}
	return l.pool.Load(req, cb)
}

// Cancel unsubscribes cb from req.
func (l *Loader) Cancel(req Request, cb Callback) {
	l.pool.StopLoading(req, cb)
}

// Get blocks until the rendition is loaded, retries are exhausted or ctx is
// done. Retryable failures are resubmitted until the pool gives up; failures
// while offline are resubmitted at most maxOfflineResubmits times.
func (l *Loader) Get(ctx context.Context, req Request) ([]byte, error) {
	if data, ok := l.memory.Get(req.Key()); ok {
		l.memoryHits.Add(1)
		return data, nil
	}
	w := &waiter{loader: l, ctx: ctx, done: make(chan waitResult, 1)}
	if err := l.pool.Load(req, w); err != nil {
		return nil, err
	}
	select {
	case res := <-w.done:
		return res.data, res.err
	case <-ctx.Done():
		l.Cancel(req, w)
		return nil, ctx.Err()
	}
}

// Evict drops every cached rendition of url from memory and disk.
func (l *Loader) Evict(url string) {
	removed := l.memory.RemovePrefix(url + "#")
	l.files.Remove(url)
	l.logger.Debug().Str("url", url).Int("memory_entries", removed).Msg("evicted image")
}

func (l *Loader) Stats() Stats {
	return Stats{
		MemoryEntries:     l.memory.Len(),
		MemoryBytes:       l.memory.Size(),
		MemoryCapacity:    l.memory.Capacity(),
		FileBytes:         l.files.Size(),
		FileCapacity:      l.files.Capacity(),
		EffectiveCapacity: l.files.EffectiveCapacity(),
		PendingLoads:      l.pool.Pending(),
		BusyWorkers:       l.pool.Busy(),
		MemoryHits:        l.memoryHits.Load(),
		FileHits:          l.fileHits.Load(),
		NetworkLoads:      l.networkLoads.Load(),
		FailedAttempts:    l.failedAttempts.Load(),
	}
}

// Close stops the workers and waits for pending disk writes.
func (l *Loader) Close(ctx context.Context) error {
	return errors.Join(l.pool.Close(ctx), l.files.Close(ctx))
}

// load runs on a pool worker.
func (l *Loader) load(ctx context.Context, req Request) ([]byte, error) {
	key := req.Key()
	if data, ok := l.memory.Get(key); ok {
		l.memoryHits.Add(1)
		return data, nil
	}

	if raw, ok := l.files.Get(req.URL); ok {
		data, err := Resize(raw, req.Width, req.Height)
		if err == nil {
			l.memory.Put(key, data)
			l.fileHits.Add(1)
			return data, nil
		}
		l.logger.Warn().Err(err).Str("url", req.URL).Msg("corrupt cache entry, removing")
		l.files.Remove(req.URL)
	}

	start := time.Now()
	raw, err := l.fetcher.Get(ctx, req.URL)
	if err != nil {
		l.failedAttempts.Add(1)
		return nil, err
	}
	data, err := Resize(raw, req.Width, req.Height)
	if err != nil {
		l.failedAttempts.Add(1)
		return nil, err
	}
	l.memory.Put(key, data)
	l.files.PutAsync(req.URL, raw)
	l.networkLoads.Add(1)
	l.logger.Debug().Str("url", req.URL).Int("bytes", len(raw)).Dur("took", time.Since(start)).Msg("image downloaded")
	return data, nil
}

type waitResult struct {
	data []byte
	err  error
}

// maxOfflineResubmits bounds how often Get resubmits a load whose failures
// the pool did not count because the network was down.
const maxOfflineResubmits = 5

// waiter turns pool callbacks into a single result for Get.
type waiter struct {
	loader *Loader
	ctx    context.Context
	done   chan waitResult

	mu       sync.Mutex
	failures int
	offline  int
}

func (w *waiter) OnLoadFinished(_ Request, data []byte) {
	w.send(waitResult{data: data})
}

func (w *waiter) OnLoadFailed(req Request) {
	w.send(waitResult{err: fmt.Errorf("%w: %s", ErrLoadFailed, req.URL)})
}

func (w *waiter) OnLoadRetry(req Request, failures int) {
	if w.ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	if failures == w.failures {
		w.offline++
	}
	w.failures = failures
	giveUp := w.offline > maxOfflineResubmits
	w.mu.Unlock()
	if giveUp {
		w.send(waitResult{err: fmt.Errorf("%w: %s: network unreachable", ErrLoadFailed, req.URL)})
		return
	}
	if err := w.loader.pool.Load(req, w); err != nil {
		w.send(waitResult{err: err})
	}
}

func (w *waiter) send(res waitResult) {
	select {
	case w.done <- res:
	default:
	}
}
