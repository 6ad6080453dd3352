package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keanucz/m3ufetch/internal/auth"
	"github.com/keanucz/m3ufetch/internal/connpool"
	"github.com/keanucz/m3ufetch/internal/optimizer"
	"golang.org/x/time/rate"
)

func testOptions() Options {
	return Options{
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
	}
}

func newTestDownloader(client HTTPClient, authn Authenticator, opts Options) *Downloader {
	return New(client, connpool.New(2, 4), optimizer.New(), authn, nil, opts)
}

type progressLog struct {
	mu      sync.Mutex
	percent []float64
	speeds  []*float64
}

func (p *progressLog) record(_ string, percent float64, speed *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percent = append(p.percent, percent)
	p.speeds = append(p.speeds, speed)
}

func (p *progressLog) values() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.percent...)
}

func TestDownloadHappyPath(t *testing.T) {
	content := bytes.Repeat([]byte("m3u"), 700)
	var mu sync.Mutex
	var gotRange, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		mu.Unlock()
		w.Write(content)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "nested", "dir", "movie.ts")
	dl := newTestDownloader(server.Client(), nil, testOptions())
	var progress progressLog

	task := &Task{URL: server.URL + "/movie.ts", Dest: dest}
	if err := dl.Download(context.Background(), task, progress.record); err != nil {
		t.Fatalf("download error: %v", err)
	}

	assertFileContent(t, dest, content)
	assertMissing(t, dest+partSuffix)
	mu.Lock()
	defer mu.Unlock()
	if gotRange != "bytes=0-" {
		t.Fatalf("range header = %q, want bytes=0-", gotRange)
	}
	if gotUA != DefaultUserAgent {
		t.Fatalf("user agent = %q", gotUA)
	}
	if task.Attempts != 1 || task.Offset != int64(len(content)) {
		t.Fatalf("attempts=%d offset=%d", task.Attempts, task.Offset)
	}
	values := progress.values()
	if len(values) == 0 || values[len(values)-1] != 100 {
		t.Fatalf("expected final progress 100, got %v", values)
	}
	if task.Name != "movie.ts" {
		t.Fatalf("name = %q, want movie.ts", task.Name)
	}
}

func TestDownloadExpiryReauthenticates(t *testing.T) {
	content := []byte("live-stream-bytes")
	var mediaHits, refreshes atomic.Int32
	var tokensSeen []string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case auth.DefaultEndpoint:
			n := refreshes.Add(1)
			fmt.Fprintf(w, `{"js":{"token":"fresh-%d"}}`, n)
		case "/play/live.php":
			mu.Lock()
			tokensSeen = append(tokensSeen, r.URL.Query().Get(auth.TokenParam))
			mu.Unlock()
			if mediaHits.Add(1) <= 2 {
				w.WriteHeader(StatusTokenExpired)
				return
			}
			w.Write(content)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	authn := auth.New(server.Client(), auth.Options{})
	opts := testOptions()
	opts.RetryDelay = time.Hour // expiry retries must not back off
	dl := newTestDownloader(server.Client(), authn, opts)

	dest := filepath.Join(t.TempDir(), "channel.ts")
	task := &Task{URL: server.URL + "/play/live.php?mac=00:1A&stream=5&play_token=seed", Dest: dest}

	done := make(chan error, 1)
	go func() { done <- dl.Download(context.Background(), task, nil) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("download error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("download did not finish; expiry retry waited for backoff")
	}

	assertFileContent(t, dest, content)
	if got := refreshes.Load(); got != 2 {
		t.Fatalf("refreshes = %d, want 2", got)
	}
	if task.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", task.Attempts)
	}
	want := []string{"seed", "fresh-1", "fresh-2"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(tokensSeen) != fmt.Sprint(want) {
		t.Fatalf("tokens seen = %v, want %v", tokensSeen, want)
	}
}

func TestDownloadExpiryExhaustsBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == auth.DefaultEndpoint {
			fmt.Fprint(w, `{"token":"again"}`)
			return
		}
		w.WriteHeader(StatusTokenExpired)
	}))
	defer server.Close()

	dl := newTestDownloader(server.Client(), auth.New(server.Client(), auth.Options{}), testOptions())
	dest := filepath.Join(t.TempDir(), "channel.ts")
	task := &Task{URL: server.URL + "/live?mac=m&stream=1&play_token=x", Dest: dest}

	err := dl.Download(context.Background(), task, nil)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if task.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", task.Attempts)
	}
	assertMissing(t, dest)
}

func TestDownloadNetworkErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("hijacking not supported")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "broken.mp4")
	dl := newTestDownloader(server.Client(), nil, testOptions())
	task := &Task{URL: server.URL + "/broken.mp4", Dest: dest}

	if err := dl.Download(context.Background(), task, nil); err == nil {
		t.Fatalf("expected error")
	}
	if task.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", task.Attempts)
	}
	// The transport may transparently retry an idempotent request once on a
	// fresh connection, so only a lower bound on server hits is stable.
	if got := hits.Load(); got < 3 {
		t.Fatalf("server hits = %d, want >= 3", got)
	}
	assertMissing(t, dest)
	assertMissing(t, dest+partSuffix)
}

func TestDownloadRetriesHTTPStatus(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "a.bin")
	dl := newTestDownloader(server.Client(), nil, testOptions())
	task := &Task{URL: server.URL + "/a.bin", Dest: dest}
	if err := dl.Download(context.Background(), task, nil); err != nil {
		t.Fatalf("download error: %v", err)
	}
	if task.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", task.Attempts)
	}
	assertFileContent(t, dest, []byte("ok"))
}

func TestDownloadStatusErrorType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxAttempts = 1
	dl := newTestDownloader(server.Client(), nil, opts)
	dest := filepath.Join(t.TempDir(), "missing.ts")

	err := dl.Download(context.Background(), &Task{URL: server.URL + "/missing.ts", Dest: dest}, nil)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPStatusError, got %v", err)
	}
	assertMissing(t, dest)
}

func TestDownloadExpiryStatusWithoutTokenIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(StatusTokenExpired)
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxAttempts = 1
	dl := newTestDownloader(server.Client(), auth.New(server.Client(), auth.Options{}), opts)

	err := dl.Download(context.Background(), &Task{URL: server.URL + "/plain.ts", Dest: filepath.Join(t.TempDir(), "plain.ts")}, nil)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
}

func TestDownloadShortBodyRemovesPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write(bytes.Repeat([]byte("x"), 50))
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxAttempts = 2
	dl := newTestDownloader(server.Client(), nil, opts)
	dest := filepath.Join(t.TempDir(), "short.ts")
	task := &Task{URL: server.URL + "/short.ts", Dest: dest}

	if err := dl.Download(context.Background(), task, nil); err == nil {
		t.Fatalf("expected error for truncated body")
	}
	if task.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", task.Attempts)
	}
	assertMissing(t, dest)
	assertMissing(t, dest+partSuffix)
}

func TestDownloadUnknownLengthHasNoPercentEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for range 5 {
			w.Write(bytes.Repeat([]byte("z"), 512))
			flusher.Flush()
			time.Sleep(15 * time.Millisecond)
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "stream.ts")
	dl := newTestDownloader(server.Client(), nil, testOptions())
	var progress progressLog

	if err := dl.Download(context.Background(), &Task{URL: server.URL + "/stream.ts", Dest: dest}, progress.record); err != nil {
		t.Fatalf("download error: %v", err)
	}
	if values := progress.values(); len(values) != 0 {
		t.Fatalf("expected no progress events for unknown size, got %v", values)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() != 5*512 {
		t.Fatalf("unexpected file state: %v %v", info, err)
	}
}

func TestDownloadZeroLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "empty.ts")
	dl := newTestDownloader(server.Client(), nil, testOptions())
	var progress progressLog

	if err := dl.Download(context.Background(), &Task{URL: server.URL + "/empty.ts", Dest: dest}, progress.record); err != nil {
		t.Fatalf("download error: %v", err)
	}
	assertFileContent(t, dest, nil)
	if values := progress.values(); len(values) != 0 {
		t.Fatalf("expected no progress events, got %v", values)
	}
}

func TestDownloadProgressMonotonic(t *testing.T) {
	const chunk, chunks = 1024, 10
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(chunk*chunks))
		w.WriteHeader(http.StatusPartialContent)
		flusher := w.(http.Flusher)
		for range chunks {
			w.Write(bytes.Repeat([]byte("p"), chunk))
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "slow.ts")
	dl := newTestDownloader(server.Client(), nil, testOptions())
	var progress progressLog

	if err := dl.Download(context.Background(), &Task{URL: server.URL + "/slow.ts", Dest: dest}, progress.record); err != nil {
		t.Fatalf("download error: %v", err)
	}

	values := progress.values()
	if len(values) < 2 {
		t.Fatalf("expected several progress events, got %v", values)
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress decreased: %v", values)
		}
	}
	if values[len(values)-1] != 100 {
		t.Fatalf("final progress = %v, want 100", values[len(values)-1])
	}
	progress.mu.Lock()
	defer progress.mu.Unlock()
	for _, s := range progress.speeds {
		if s == nil || *s <= 0 {
			t.Fatalf("expected positive speed on every event")
		}
	}
}

func TestDownloadStalledTransfer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write([]byte("head"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxAttempts = 1
	opts.ReadTimeout = 50 * time.Millisecond
	dl := newTestDownloader(server.Client(), nil, opts)
	dest := filepath.Join(t.TempDir(), "stall.ts")

	err := dl.Download(context.Background(), &Task{URL: server.URL + "/stall.ts", Dest: dest}, nil)
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	assertMissing(t, dest+partSuffix)
}

func TestDownloadCancelledIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	dl := newTestDownloader(server.Client(), nil, testOptions())
	task := &Task{URL: server.URL + "/x.ts", Dest: filepath.Join(t.TempDir(), "x.ts")}
	err := dl.Download(ctx, task, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", task.Attempts)
	}
}

func TestDownloadRateLimited(t *testing.T) {
	content := bytes.Repeat([]byte("r"), 64*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "limited.bin")
	dl := New(server.Client(), nil, nil, nil, newRateLimiter(1<<30), testOptions())
	if err := dl.Download(context.Background(), &Task{URL: server.URL + "/limited.bin", Dest: dest}, nil); err != nil {
		t.Fatalf("download error: %v", err)
	}
	assertFileContent(t, dest, content)
}

func TestDownloadThrottleWaitIsNotStall(t *testing.T) {
	content := bytes.Repeat([]byte("t"), 10_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	// Empty bucket: the whole body waits about half a second on the limiter,
	// well past the read timeout.
	limiter := rate.NewLimiter(rate.Limit(20_000), 20_000)
	limiter.AllowN(time.Now(), 20_000)

	opts := testOptions()
	opts.MaxAttempts = 1
	opts.ReadTimeout = 100 * time.Millisecond

	dest := filepath.Join(t.TempDir(), "throttled.bin")
	dl := New(server.Client(), connpool.New(2, 4), optimizer.New(), nil, limiter, opts)
	task := &Task{URL: server.URL + "/throttled.bin", Dest: dest}
	if err := dl.Download(context.Background(), task, nil); err != nil {
		t.Fatalf("throttled download stalled: %v", err)
	}
	assertFileContent(t, dest, content)
}

func TestDownloadCapsReadsAtLimiterBurst(t *testing.T) {
	content := bytes.Repeat([]byte("c"), 40_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	// A burst below the default chunk size would make WaitN reject full reads.
	limiter := rate.NewLimiter(rate.Limit(1<<30), optimizer.MinChunkSize)
	dest := filepath.Join(t.TempDir(), "capped.bin")
	dl := New(server.Client(), nil, nil, nil, limiter, testOptions())
	if err := dl.Download(context.Background(), &Task{URL: server.URL + "/capped.bin", Dest: dest}, nil); err != nil {
		t.Fatalf("download error: %v", err)
	}
	assertFileContent(t, dest, content)
}

func TestTargetKey(t *testing.T) {
	if got := targetKey("http://cdn.example.com:8080/a/b.ts?x=1"); got != "cdn.example.com:8080" {
		t.Fatalf("targetKey = %q", got)
	}
	if got := targetKey("not a url"); got != "not a url" {
		t.Fatalf("targetKey fallback = %q", got)
	}
}

func assertFileContent(t *testing.T, path string, expected []byte) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file %s: %v", path, err)
	}
	if !bytes.Equal(data, expected) {
		t.Fatalf("unexpected content for %s: %d bytes", path, len(data))
	}
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be absent, stat err = %v", path, err)
	}
}
