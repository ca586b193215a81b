package lazyload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	kind    string
	key     string
	value   string
	attempt int
}

func recorder(ch chan<- outcome) *CallbackFuncs[string, string] {
	return &CallbackFuncs[string, string]{
		Finished: func(key, value string) { ch <- outcome{kind: "finished", key: key, value: value} },
		Failed:   func(key string) { ch <- outcome{kind: "failed", key: key} },
		Retry:    func(key string, attempt int) { ch <- outcome{kind: "retry", key: key, attempt: attempt} },
	}
}

func next(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return outcome{}
	}
}

func newPool(t *testing.T, load LoadFunc[string, string], opts Options) *Pool[string, string] {
	t.Helper()
	opts.NoSleep = true
	p, err := New(load, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func TestSameKeyIsLoadedOnceForAllSubscribers(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	p := newPool(t, func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "bytes:" + key, nil
	}, Options{})

	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	require.NoError(t, p.Load("img", recorder(first)))
	<-started
	require.NoError(t, p.Load("img", recorder(second)))
	close(release)

	assert.Equal(t, outcome{kind: "finished", key: "img", value: "bytes:img"}, next(t, first))
	assert.Equal(t, outcome{kind: "finished", key: "img", value: "bytes:img"}, next(t, second))
	assert.EqualValues(t, 1, calls.Load())
	require.Eventually(t, func() bool { return p.Pending() == 0 && p.Busy() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFailedKeyGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	p := newPool(t, func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errors.New("unreachable")
	}, Options{MaxRetries: 3})

	ch := make(chan outcome, 4)
	cb := recorder(ch)

	require.NoError(t, p.Load("img", cb))
	assert.Equal(t, outcome{kind: "retry", key: "img", attempt: 1}, next(t, ch))
	require.NoError(t, p.Load("img", cb))
	assert.Equal(t, outcome{kind: "retry", key: "img", attempt: 2}, next(t, ch))
	require.NoError(t, p.Load("img", cb))
	assert.Equal(t, outcome{kind: "failed", key: "img"}, next(t, ch))

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 0, p.Retries("img"))
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)

	// a new request after giving up starts from zero
	require.NoError(t, p.Load("img", cb))
	assert.Equal(t, outcome{kind: "retry", key: "img", attempt: 1}, next(t, ch))
	assert.EqualValues(t, 4, calls.Load())
}

func TestOfflineFailuresKeepRetryCount(t *testing.T) {
	var online atomic.Bool
	p := newPool(t, func(context.Context, string) (string, error) {
		return "", errors.New("no route to host")
	}, Options{MaxRetries: 3, Online: online.Load})

	ch := make(chan outcome, 8)
	cb := recorder(ch)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Load("img", cb))
		assert.Equal(t, outcome{kind: "retry", key: "img", attempt: 0}, next(t, ch))
	}
	assert.Equal(t, 0, p.Retries("img"))

	online.Store(true)
	require.NoError(t, p.Load("img", cb))
	assert.Equal(t, outcome{kind: "retry", key: "img", attempt: 1}, next(t, ch))
}

func TestStopLoadingDropsUnsubscribedKey(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var loaded []string
	p := newPool(t, func(ctx context.Context, key string) (string, error) {
		mu.Lock()
		loaded = append(loaded, key)
		mu.Unlock()
		if key == "a" {
			close(started)
			<-release
		}
		return key, nil
	}, Options{Workers: 1})

	ch := make(chan outcome, 4)
	require.NoError(t, p.Load("a", recorder(ch)))
	<-started

	cb := recorder(ch)
	require.NoError(t, p.Load("b", cb))
	assert.Equal(t, 2, p.Pending())
	p.StopLoading("b", cb)
	assert.Equal(t, 1, p.Pending())

	close(release)
	assert.Equal(t, "a", next(t, ch).key)
	require.Eventually(t, func() bool { return p.Busy() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, loaded)
}

func TestMostRecentRequestServedFirst(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var loaded []string
	p := newPool(t, func(ctx context.Context, key string) (string, error) {
		mu.Lock()
		loaded = append(loaded, key)
		mu.Unlock()
		if key == "a" {
			close(started)
			<-release
		}
		return key, nil
	}, Options{Workers: 1})

	ch := make(chan outcome, 8)
	cb := recorder(ch)
	require.NoError(t, p.Load("a", cb))
	<-started
	for _, key := range []string{"b", "c", "d", "b"} {
		require.NoError(t, p.Load(key, cb))
	}
	assert.Equal(t, 1, p.Busy())

	close(release)
	for i := 0; i < 4; i++ {
		next(t, ch)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "d", "c"}, loaded)
}

func TestPanickingLoadCountsAsFailure(t *testing.T) {
	p := newPool(t, func(context.Context, string) (string, error) {
		panic("decoder exploded")
	}, Options{MaxRetries: 1})

	ch := make(chan outcome, 1)
	require.NoError(t, p.Load("img", recorder(ch)))
	assert.Equal(t, outcome{kind: "failed", key: "img"}, next(t, ch))
}

func TestLoadAfterCloseIsRejected(t *testing.T) {
	p, err := New(func(context.Context, string) (string, error) { return "", nil }, Options{NoSleep: true})
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	err = p.Load("img", recorder(make(chan outcome, 1)))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoffGrowsWithRetries(t *testing.T) {
	assert.Equal(t, 275*time.Millisecond, backoff(0))
	assert.Equal(t, 425*time.Millisecond, backoff(2))
}
