package imageloader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncload/internal/lazyload"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestResize(t *testing.T) {
	src := pngBytes(t, 100, 50)

	out, err := Resize(src, 20, 0)
	require.NoError(t, err)
	w, h := dims(t, out)
	assert.Equal(t, 20, w)
	assert.Equal(t, 10, h)

	out, err = Resize(src, 400, 400)
	require.NoError(t, err)
	assert.Equal(t, src, out, "no upscaling")

	out, err = Resize(src, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, src, out)

	_, err = Resize([]byte("<html>"), 10, 10)
	assert.ErrorIs(t, err, ErrDecode)
}

type imageServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	body := pngBytes(t, 64, 32)
	s := &imageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		switch r.URL.Path {
		case "/cat.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(body)
		case "/text":
			_, _ = w.Write([]byte("not an image"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newLoader(t *testing.T, dir string, retries int) *Loader {
	t.Helper()
	l, err := New(Config{
		Dir:            dir,
		FileCapacity:   1 << 20,
		MemoryCapacity: 1 << 20,
		MaxRetries:     retries,
		NoSleep:        true,
		FreeSpace:      func(string) (int64, error) { return 1 << 40, nil },
		MemoryPressure: noPressure,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

func getCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetFallsBackMemoryDiskNetwork(t *testing.T) {
	srv := newImageServer(t)
	dir := t.TempDir()
	req := Request{URL: srv.URL + "/cat.png"}

	l := newLoader(t, dir, 3)
	data, err := l.Get(getCtx(t), req)
	require.NoError(t, err)
	w, h := dims(t, data)
	assert.Equal(t, 64, w)
	assert.Equal(t, 32, h)

	_, err = l.Get(getCtx(t), req)
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.hits.Load())
	stats := l.Stats()
	assert.EqualValues(t, 1, stats.NetworkLoads)
	assert.EqualValues(t, 1, stats.MemoryHits)

	require.NoError(t, l.files.Flush(getCtx(t)))
	require.True(t, l.files.Has(req.URL))

	// a fresh loader has an empty memory cache but shares the disk
	fresh := newLoader(t, dir, 3)
	thumb, err := fresh.Get(getCtx(t), Request{URL: req.URL, Width: 16})
	require.NoError(t, err)
	w, h = dims(t, thumb)
	assert.Equal(t, 16, w)
	assert.Equal(t, 8, h)
	assert.EqualValues(t, 1, srv.hits.Load())
	assert.EqualValues(t, 1, fresh.Stats().FileHits)
}

func TestGetRetriesThenFails(t *testing.T) {
	srv := newImageServer(t)
	l := newLoader(t, t.TempDir(), 2)

	_, err := l.Get(getCtx(t), Request{URL: srv.URL + "/missing.png"})
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.EqualValues(t, 2, srv.hits.Load())
	assert.EqualValues(t, 2, l.Stats().FailedAttempts)
}

func TestGetGivesUpWhileOffline(t *testing.T) {
	srv := newImageServer(t)
	l, err := New(Config{
		Dir:            t.TempDir(),
		FileCapacity:   1 << 20,
		MemoryCapacity: 1 << 20,
		MaxRetries:     3,
		NoSleep:        true,
		Online:         func() bool { return false },
		FreeSpace:      func(string) (int64, error) { return 1 << 40, nil },
		MemoryPressure: noPressure,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})

	_, err = l.Get(getCtx(t), Request{URL: srv.URL + "/missing.png"})
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.EqualValues(t, maxOfflineResubmits+1, srv.hits.Load())
}

func TestGetRejectsNonImages(t *testing.T) {
	srv := newImageServer(t)
	l := newLoader(t, t.TempDir(), 1)

	_, err := l.Get(getCtx(t), Request{URL: srv.URL + "/text"})
	assert.ErrorIs(t, err, ErrLoadFailed)
}

func TestLoadFansOutAndEvict(t *testing.T) {
	srv := newImageServer(t)
	l := newLoader(t, t.TempDir(), 3)
	req := Request{URL: srv.URL + "/cat.png", Width: 32}

	results := make(chan []byte, 2)
	for i := 0; i < 2; i++ {
		cb := &lazyload.CallbackFuncs[Request, []byte]{
			Finished: func(_ Request, data []byte) { results <- data },
		}
		require.NoError(t, l.Load(req, cb))
	}
	for i := 0; i < 2; i++ {
		select {
		case data := <-results:
			w, _ := dims(t, data)
			assert.Equal(t, 32, w)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out")
		}
	}
	require.NoError(t, l.files.Flush(getCtx(t)))

	l.Evict(req.URL)
	assert.Zero(t, l.Stats().MemoryEntries)
	assert.False(t, l.files.Has(req.URL))
}

func TestGetHonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	l := newLoader(t, t.TempDir(), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Get(ctx, Request{URL: srv.URL + "/slow.png"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
