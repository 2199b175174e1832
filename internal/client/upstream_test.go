package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hls-stream-proxy/internal/config"
	"hls-stream-proxy/internal/metrics"
	"hls-stream-proxy/internal/stream"
)

func newTestClient(t *testing.T, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	return newTestClientWithConfig(t, config.UpstreamConfig{IdleConnections: 10}, m)
}

func newTestClientWithConfig(t *testing.T, upstream config.UpstreamConfig, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{Upstream: upstream}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewUpstreamClient(cfg, logger, m)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	return c
}

func TestUpstreamClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-3" {
			t.Errorf("Range = %q, want %q", got, "bytes=0-3")
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, m)

	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/seg.ts", http.Header{"Range": {"bytes=0-3"}}, 5*time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusPartialContent)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "abcd" {
		t.Errorf("body = %q, want %q", body, "abcd")
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "stream_proxy_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected stream_proxy_upstream_responses_total to be recorded")
	}
}

func TestUpstreamClient_Fetch_TransportError(t *testing.T) {
	c := newTestClient(t, nil)

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, 5*time.Second)
	if err == nil {
		t.Fatal("Fetch() expected error for unreachable host, got nil")
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("Fetch() error = %v, want transport failure, not timeout", err)
	}
}

func TestUpstreamClient_Fetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, nil)

	start := time.Now()
	_, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/slow", http.Header{}, 50*time.Millisecond)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Fetch() error = %v, want ErrUpstreamTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Fetch() took %v, want to stop near the timeout", elapsed)
	}
}

func TestUpstreamClient_Fetch_TimeoutCoversHeadersOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("late body"))
	}))
	defer srv.Close()

	c := newTestClient(t, nil)

	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/video.mp4", http.Header{}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "late body" {
		t.Errorf("body = %q, want %q", body, "late body")
	}
}

func TestUpstreamClient_Fetch_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Fetch(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, 5*time.Second)
	if err == nil {
		t.Fatal("Fetch() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("Fetch() error = %v, should not be a timeout", err)
	}
}

func TestUpstreamClient_Fetch_DoesNotFollowRedirects(t *testing.T) {
	var targetHits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		targetHits.Add(1)
		_, _ = w.Write([]byte("moved content"))
	}))
	defer target.Close()

	for _, status := range []int{http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, target.URL+"/seg.ts", status)
			}))
			defer srv.Close()

			c := newTestClient(t, nil)
			resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/seg.ts", http.Header{}, 5*time.Second)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, status)
			}
			if got := resp.Header.Get("Location"); got != target.URL+"/seg.ts" {
				t.Errorf("Location = %q, want %q", got, target.URL+"/seg.ts")
			}
		})
	}

	if n := targetHits.Load(); n != 0 {
		t.Errorf("redirect target requests = %d, want 0", n)
	}
}

func TestUpstreamClient_Fetch_BlocksPrivateDial(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("internal"))
	}))
	defer srv.Close()

	c := newTestClientWithConfig(t, config.UpstreamConfig{IdleConnections: 10, BlockPrivateNetworks: true}, nil)

	// "localhost" bypasses any pre-fetch hostname check; the dial still lands on loopback.
	target := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1) + "/admin.mp4"
	_, err := c.Fetch(context.Background(), http.MethodGet, target, http.Header{}, 5*time.Second)
	if !errors.Is(err, stream.ErrBlockedTarget) {
		t.Fatalf("Fetch() error = %v, want ErrBlockedTarget", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream requests = %d, want 0", n)
	}
}
