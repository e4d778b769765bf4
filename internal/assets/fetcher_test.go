package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPFetcher(t *testing.T) {
	payload := testPNG(t, 3, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(payload)
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte{'x'}, 2048))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 1024)

	data, ct, err := f.Fetch(context.Background(), srv.URL+"/logo.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ct != "image/png" {
		t.Errorf("content type %q, want image/png", ct)
	}
	if !bytes.Equal(data, payload) {
		t.Error("payload mismatch")
	}

	if _, _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
	if _, _, err := f.Fetch(context.Background(), srv.URL+"/big"); err == nil {
		t.Error("expected error for oversized payload")
	}
	if _, _, err := f.Fetch(context.Background(), "ftp://example.com/a.png"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestHTTPFetcherHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := NewHTTPFetcher(0, 0).Fetch(ctx, srv.URL); err == nil {
		t.Fatal("expected error after context deadline")
	}
}

func TestDataURL(t *testing.T) {
	payload := testPNG(t, 2, 2)
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)

	data, ct, err := NewHTTPFetcher(0, 0).Fetch(context.Background(), encoded)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	if !bytes.Equal(data, payload) {
		t.Error("payload mismatch")
	}

	data, _, err = decodeDataURL("data:text/plain,hello%20world")
	if err != nil {
		t.Fatalf("decodeDataURL: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("got %q", data)
	}

	if _, _, err := decodeDataURL("data:image/png;base64"); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Errorf("expected malformed error, got %v", err)
	}
}

func TestDataURLImageEndToEnd(t *testing.T) {
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t, 5, 2))
	c := NewCache(NewHTTPFetcher(0, 0))
	if failures := c.Prefetch(context.Background(), []string{encoded}); len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	img, ok := c.Image(encoded)
	if !ok {
		t.Fatal("data url image not cached")
	}
	if w, h := img.Bounds(); w != 5 || h != 2 {
		t.Errorf("size %dx%d, want 5x2", w, h)
	}
}
