package downloader

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/keanucz/m3ufetch/internal/auth"
	"github.com/keanucz/m3ufetch/internal/connpool"
	"github.com/keanucz/m3ufetch/internal/metrics"
	"github.com/keanucz/m3ufetch/internal/optimizer"
)

// Pair is a caller-supplied source URL and destination path.
type Pair struct {
	URL  string
	Dest string
}

// Status is the terminal state of one file in a batch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result captures the outcome of one file.
type Result struct {
	Name     string
	URL      string
	Dest     string
	Status   Status
	Bytes    int64
	Attempts int
	Err      error
}

// Config configures a Manager and the batches it starts.
type Config struct {
	MaxConcurrent    int   // slots per host; twice this many overall
	MaxAttempts      int   // total attempts per file
	RetryDelay       time.Duration
	ProgressInterval time.Duration
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	RateLimit        int64 // bytes per second across the batch, 0 = unlimited
	UserAgent        string
	ProxyURL         string
	AuthEndpoint     string
	Log              Logger
}

// DefaultConfig returns sensible defaults for the manager.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    3,
		MaxAttempts:      DefaultMaxAttempts,
		RetryDelay:       DefaultRetryDelay,
		ProgressInterval: DefaultProgressInterval,
		ConnectTimeout:   60 * time.Second,
		ReadTimeout:      DefaultReadTimeout,
		UserAgent:        DefaultUserAgent,
		AuthEndpoint:     auth.DefaultEndpoint,
	}
}

// Manager starts batches on background goroutines. Shutdown cancels every
// batch it started.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	stopped atomic.Bool

	// Stats
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Stats returns completed, failed and cancelled file counts across all
// batches.
func (m *Manager) Stats() (completed, failed, cancelled int64) {
	return m.completed.Load(), m.failed.Load(), m.cancelled.Load()
}

// Shutdown cancels all running batches and stops event delivery. It does
// not wait for in-flight transfers.
func (m *Manager) Shutdown() {
	if m.stopped.Swap(true) {
		return
	}
	m.cancel()
	logInfo(m.cfg.Log, "download manager stopped", "completed", m.completed.Load(),
		"failed", m.failed.Load(), "cancelled", m.cancelled.Load())
}

// Batch is the handle for a running group of downloads.
type Batch struct {
	ID string

	cancel  context.CancelFunc
	done    chan struct{}
	results []Result
}

// Done is closed once every file reached a terminal state and the batch's
// resources were released.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch finishes and returns one result per pair, in
// input order.
func (b *Batch) Wait() []Result {
	<-b.done
	return b.results
}

// Cancel cancels this batch only.
func (b *Batch) Cancel() {
	b.cancel()
}

// StartBatch schedules every pair and returns immediately. One file failing
// never cancels the others. Callbacks run on a dedicated goroutine and may
// be nil.
func (m *Manager) StartBatch(pairs []Pair, onProgress ProgressFunc, onError ErrorFunc) *Batch {
	ctx, cancel := context.WithCancel(m.ctx)
	b := &Batch{
		ID:      uuid.NewString(),
		cancel:  cancel,
		done:    make(chan struct{}),
		results: make([]Result, len(pairs)),
	}

	if m.stopped.Load() {
		for i, p := range pairs {
			b.results[i] = Result{
				Name:   filepath.Base(p.Dest),
				URL:    p.URL,
				Dest:   p.Dest,
				Status: StatusCancelled,
				Err:    context.Canceled,
			}
		}
		m.cancelled.Add(int64(len(pairs)))
		cancel()
		close(b.done)
		return b
	}

	go m.run(ctx, b, pairs, onProgress, onError)
	return b
}

func (m *Manager) run(ctx context.Context, b *Batch, pairs []Pair, onProgress ProgressFunc, onError ErrorFunc) {
	defer close(b.done)
	defer b.cancel()
	logger := m.cfg.Log

	events := newDispatcher(ctx, onProgress, onError)
	defer events.close()

	client, err := NewSessionClient(m.cfg)
	if err != nil {
		logError(logger, "create http client", "batch", b.ID, "error", err)
		for i, p := range pairs {
			name := filepath.Base(p.Dest)
			b.results[i] = Result{Name: name, URL: p.URL, Dest: p.Dest, Status: StatusFailed, Err: err}
			events.failure(name, err.Error())
			m.failed.Add(1)
		}
		return
	}
	defer client.CloseIdleConnections()

	pool := connpool.New(m.cfg.MaxConcurrent, m.cfg.MaxConcurrent*2)
	authn := auth.New(client, auth.Options{
		Endpoint:  m.cfg.AuthEndpoint,
		UserAgent: m.cfg.UserAgent,
		Log:       logger,
	})
	defer authn.Close()

	var limiter *rate.Limiter
	if m.cfg.RateLimit > 0 {
		limiter = newRateLimiter(m.cfg.RateLimit)
	}

	dl := New(client, pool, optimizer.New(), authn, limiter, Options{
		MaxAttempts:      m.cfg.MaxAttempts,
		RetryDelay:       m.cfg.RetryDelay,
		ProgressInterval: m.cfg.ProgressInterval,
		ReadTimeout:      m.cfg.ReadTimeout,
		UserAgent:        m.cfg.UserAgent,
		Log:              logger,
	})

	perKey, total := pool.Limits()
	logInfo(logger, "batch started", "batch", b.ID, "files", len(pairs), "per_host", perKey, "total", total)

	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Go(func() {
			b.results[i] = m.runTask(ctx, dl, p, events)
		})
	}
	wg.Wait()

	var ok, failed, cancelled int
	for _, r := range b.results {
		switch r.Status {
		case StatusCompleted:
			ok++
		case StatusCancelled:
			cancelled++
		default:
			failed++
		}
	}
	logInfo(logger, "batch finished", "batch", b.ID, "completed", ok, "failed", failed, "cancelled", cancelled)
}

// runTask downloads one pair and converts the outcome into a Result.
func (m *Manager) runTask(ctx context.Context, dl *Downloader, p Pair, events *dispatcher) Result {
	task := &Task{URL: p.URL, Dest: p.Dest, Name: filepath.Base(p.Dest)}
	res := Result{Name: task.Name, URL: p.URL, Dest: p.Dest}

	err := dl.Download(ctx, task, events.progress)
	res.Attempts = task.Attempts
	switch {
	case err == nil:
		res.Status = StatusCompleted
		res.Bytes = task.Offset
		m.completed.Add(1)
		metrics.DownloadsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Err = err
		m.cancelled.Add(1)
		metrics.DownloadsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		log(m.cfg.Log, "download cancelled", "name", task.Name)
	default:
		res.Status = StatusFailed
		res.Err = err
		m.failed.Add(1)
		metrics.DownloadsTotal.WithLabelValues(string(StatusFailed)).Inc()
		logWarn(m.cfg.Log, "download failed", "name", task.Name, "url", truncateURL(p.URL), "error", err)
		events.failure(task.Name, err.Error())
	}
	return res
}

// newRateLimiter caps batch throughput at bytesPerSec. The burst is about
// one second of traffic, clamped to the optimizer's chunk range; reads are
// capped at the burst so WaitN never rejects one.
func newRateLimiter(bytesPerSec int64) *rate.Limiter {
	burst := int(min(max(bytesPerSec, optimizer.MinChunkSize), optimizer.MaxChunkSize))
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
