package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"asyncload/internal/imageloader"
	"asyncload/internal/prefetch"
	"asyncload/internal/task"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeImages struct {
	mu      sync.Mutex
	evicted []string
	block   chan struct{}
}

func (f *fakeImages) Get(ctx context.Context, req imageloader.Request) ([]byte, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch {
	case strings.HasSuffix(req.URL, "/slow"):
		<-ctx.Done()
		return nil, ctx.Err()
	case strings.HasSuffix(req.URL, "/broken"):
		return nil, imageloader.ErrLoadFailed
	}
	return pngHeader, nil
}

func (f *fakeImages) Evict(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, u)
}

func (f *fakeImages) Stats() imageloader.Stats {
	return imageloader.Stats{MemoryEntries: 2, MemoryBytes: 2048, FileBytes: 1 << 20}
}

func setupRouter(t *testing.T, images *fakeImages, opts prefetch.Options) (*gin.Engine, *prefetch.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	manager := prefetch.NewManager(images, task.NewRegistry(), task.Immediate, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	testRouter := gin.New()
	apiHandler := NewAPI(images, manager, 100*time.Millisecond)
	apiHandler.RegisterRoutes(testRouter)
	apiHandler.RegisterUIRoutes(testRouter)
	return testRouter, manager
}

func do(router *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func imagePath(raw string, extra string) string {
	return "/api/v1/images?url=" + url.QueryEscape(raw) + extra
}

func TestGetImage(t *testing.T) {
	testRouter, _ := setupRouter(t, &fakeImages{}, prefetch.Options{})

	w := do(testRouter, http.MethodGet, imagePath("https://img.example/cat.png", "&w=64&h=32"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
}

func TestGetImageErrors(t *testing.T) {
	testRouter, _ := setupRouter(t, &fakeImages{}, prefetch.Options{})

	cases := []struct {
		target string
		want   int
	}{
		{"/api/v1/images", http.StatusBadRequest},
		{imagePath("ftp://img.example/cat.png", ""), http.StatusBadRequest},
		{imagePath("https://img.example/cat.png", "&w=-1"), http.StatusBadRequest},
		{imagePath("https://img.example/cat.png", "&h=abc"), http.StatusBadRequest},
		{imagePath("https://img.example/broken", ""), http.StatusBadGateway},
		{imagePath("https://img.example/slow", ""), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		w := do(testRouter, http.MethodGet, tc.target, "")
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.target, tc.want, w.Code)
		}
	}
}

func TestEvictImage(t *testing.T) {
	images := &fakeImages{}
	testRouter, _ := setupRouter(t, images, prefetch.Options{})

	w := do(testRouter, http.MethodDelete, imagePath("https://img.example/cat.png", ""), "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(images.evicted) != 1 || images.evicted[0] != "https://img.example/cat.png" {
		t.Fatalf("unexpected evictions: %v", images.evicted)
	}

	w = do(testRouter, http.MethodDelete, "/api/v1/images", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCacheStats(t *testing.T) {
	testRouter, _ := setupRouter(t, &fakeImages{}, prefetch.Options{})

	w := do(testRouter, http.MethodGet, "/api/v1/cache", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats imageloader.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.MemoryEntries != 2 || stats.FileBytes != 1<<20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPrefetchLifecycle(t *testing.T) {
	testRouter, _ := setupRouter(t, &fakeImages{}, prefetch.Options{})

	body := `{"tag":"home","urls":["https://img.example/a.png","https://img.example/broken"]}`
	w := do(testRouter, http.MethodPost, "/api/v1/prefetch", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	// wait until the background job finishes
	deadline := time.Now().Add(2 * time.Second)
	var job prefetch.Job
	for time.Now().Before(deadline) {
		w = do(testRouter, http.MethodGet, "/api/v1/prefetch/home", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if job.Status != prefetch.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != prefetch.StatusReady {
		t.Fatalf("expected ready, got %s", job.Status)
	}
	if len(job.Files) != 2 || job.Files[0].State != prefetch.FileOK || job.Files[1].State != prefetch.FileFailed {
		t.Fatalf("unexpected files: %+v", job.Files)
	}

	w = do(testRouter, http.MethodGet, "/api/v1/prefetch/home?consume=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on consume, got %d", w.Code)
	}

	w = do(testRouter, http.MethodGet, "/api/v1/prefetch", "")
	var list jobsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].Tag != "home" {
		t.Fatalf("unexpected jobs: %+v", list.Jobs)
	}

	w = do(testRouter, http.MethodGet, "/api/v1/prefetch/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPrefetchInvalid(t *testing.T) {
	testRouter, _ := setupRouter(t, &fakeImages{}, prefetch.Options{MaxURLs: 1})

	for _, body := range []string{
		`not json`,
		`{"urls":[]}`,
		`{"urls":["https://a/1","https://a/2"]}`,
		`{"urls":["file:///etc/passwd"]}`,
	} {
		w := do(testRouter, http.MethodPost, "/api/v1/prefetch", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestServerBusyOnPrefetch(t *testing.T) {
	images := &fakeImages{block: make(chan struct{})}
	defer close(images.block)
	testRouter, manager := setupRouter(t, images, prefetch.Options{MaxConcurrentJobs: 1})

	w := do(testRouter, http.MethodPost, "/api/v1/prefetch", `{"tag":"one","urls":["https://a/1"]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	w = do(testRouter, http.MethodPost, "/api/v1/prefetch", `{"tag":"one","urls":["https://a/1"]}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	w = do(testRouter, http.MethodPost, "/api/v1/prefetch", `{"tag":"two","urls":["https://a/2"]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	w = do(testRouter, http.MethodDelete, "/api/v1/prefetch/one", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = do(testRouter, http.MethodDelete, "/api/v1/prefetch/one", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stopped job, got %d", w.Code)
	}
	w = do(testRouter, http.MethodDelete, "/api/v1/prefetch/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if manager.IsBusy() {
		t.Fatalf("expected a free slot after stop")
	}
}

func TestUIHome(t *testing.T) {
	testRouter, manager := setupRouter(t, &fakeImages{}, prefetch.Options{})
	if _, err := manager.Start(prefetch.Request{Tag: "ui", URLs: []string{"https://a/1"}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	w := do(testRouter, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	page := w.Body.String()
	if !strings.Contains(page, "2.0 KiB") || !strings.Contains(page, ">ui<") {
		t.Fatalf("status page misses stats or jobs")
	}

	form := url.Values{"urls": {"https://a/2\n\nhttps://a/3"}, "tag": {"form"}}
	req := httptest.NewRequest(http.MethodPost, "/ui/prefetch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", w.Code)
	}
	job, err := manager.Get("form", false)
	if err != nil || len(job.Files) != 2 {
		t.Fatalf("form job not started: %v %+v", err, job)
	}
}

func TestHumanBytes(t *testing.T) {
	for n, want := range map[int64]string{512: "512 B", 2048: "2.0 KiB", 3 << 20: "3.0 MiB"} {
		if got := humanBytes(n); got != want {
			t.Fatalf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testRouter := gin.New()
	testRouter.Use(ZerologLogger())
	testRouter.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := do(testRouter, http.MethodGet, "/ping", "")
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}
