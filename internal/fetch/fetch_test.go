package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newStubServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = io.Copy(w, bytes.NewBufferString("hello"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/slow":
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		case "/bad":
			http.Error(w, "nope", http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGet(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	client := New(time.Second, 32)
	body, err := client.Get(context.Background(), " "+srv.URL+"/ok.png ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestGetFailures(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	client := New(time.Second, 32)
	cases := []struct {
		path string
		want error
	}{
		{"/bad", ErrStatus},
		{"/missing", ErrStatus},
		{"/big", ErrTooLarge},
	}
	for _, c := range cases {
		if _, err := client.Get(context.Background(), srv.URL+c.path); !errors.Is(err, c.want) {
			t.Fatalf("get %s: got %v want %v", c.path, err, c.want)
		}
	}
	if _, err := client.Get(context.Background(), "  "); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
}

func TestGetHonorsContextTimeout(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	client := New(5*time.Second, 32)
	ctx := WithHTTPTimeout(context.Background(), 50*time.Millisecond)
	start := time.Now()
	if _, err := client.Get(ctx, srv.URL+"/slow"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not applied, took %v", elapsed)
	}
}
