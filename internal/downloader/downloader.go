package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/keanucz/m3ufetch/internal/auth"
	"github.com/keanucz/m3ufetch/internal/connpool"
	"github.com/keanucz/m3ufetch/internal/metrics"
	"github.com/keanucz/m3ufetch/internal/optimizer"
)

// HTTPClient describes the subset of http.Client used by the downloader.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Logger interface for logging operations.
// Compatible with github.com/charmbracelet/log.Logger.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// Authenticator embeds a live play token into gated stream URLs.
type Authenticator interface {
	Authenticate(ctx context.Context, rawURL string) (string, error)
	Expire(rawURL string)
}

// ProgressFunc receives a file's display name, percent complete and the
// transfer speed in bytes per second. Speed is nil when unknown.
type ProgressFunc func(name string, percent float64, speed *float64)

// ErrorFunc receives a file's display name and a terminal error description.
type ErrorFunc func(name, message string)

// Task is one URL to destination transfer. Attempts and Offset are updated
// by the downloader processing it.
type Task struct {
	URL      string
	Dest     string
	Name     string // display name; defaults to the destination base name
	Attempts int
	Offset   int64
}

// Options control retry, pacing and reporting of single-file transfers.
type Options struct {
	MaxAttempts      int           // total attempts, expiry retries included
	RetryDelay       time.Duration // fixed wait between failed attempts
	ProgressInterval time.Duration // minimum time between progress events
	ReadTimeout      time.Duration // abort an attempt when no bytes arrive for this long
	UserAgent        string
	Log              Logger
}

const (
	DefaultMaxAttempts      = 3
	DefaultRetryDelay       = 2 * time.Second
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultReadTimeout      = 60 * time.Second

	partSuffix = ".part"
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	return o
}

// Downloader performs single-file transfers through a shared connection
// pool, chunk-size optimizer and authenticator.
type Downloader struct {
	client    HTTPClient
	pool      *connpool.Pool
	optimizer *optimizer.Optimizer
	auth      Authenticator
	limiter   *rate.Limiter
	opts      Options
}

// New creates a Downloader. auth may be nil when no URL is token-gated and
// limiter may be nil for unthrottled transfers.
func New(
	client HTTPClient,
	pool *connpool.Pool,
	opt *optimizer.Optimizer,
	authn Authenticator,
	limiter *rate.Limiter,
	opts Options,
) *Downloader {
	if pool == nil {
		pool = connpool.New(connpool.DefaultPerKey, connpool.DefaultTotal)
	}
	if opt == nil {
		opt = optimizer.New()
	}
	return &Downloader{
		client:    client,
		pool:      pool,
		optimizer: opt,
		auth:      authn,
		limiter:   limiter,
		opts:      opts.withDefaults(),
	}
}

// Download runs task until the file is fully written or attempts run out.
// A failed attempt never leaves a partial file behind. Token expiry retries
// immediately; other failures wait RetryDelay first. Both consume an attempt.
func (d *Downloader) Download(ctx context.Context, task *Task, onProgress ProgressFunc) error {
	logger := d.opts.Log
	if task.Name == "" {
		task.Name = filepath.Base(task.Dest)
	}
	key := targetKey(task.URL)
	gated := d.auth != nil && auth.IsTokenGated(task.URL)
	started := time.Now()

	var lastErr error
	for task.Attempts < d.opts.MaxAttempts {
		task.Attempts++
		log(logger, "attempt", "name", task.Name, "attempt", task.Attempts, "url", truncateURL(task.URL))

		err := d.attempt(ctx, task, key, gated, onProgress)
		if err == nil {
			metrics.DownloadAttemptsTotal.WithLabelValues("ok").Inc()
			metrics.DownloadDuration.Observe(time.Since(started).Seconds())
			logInfo(logger, "downloaded", "name", task.Name, "bytes", task.Offset, "attempts", task.Attempts)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, auth.ErrClosed) {
			metrics.DownloadAttemptsTotal.WithLabelValues("failed").Inc()
			return err
		}
		if task.Attempts >= d.opts.MaxAttempts {
			metrics.DownloadAttemptsTotal.WithLabelValues("failed").Inc()
			break
		}

		if errors.Is(err, ErrTokenExpired) {
			metrics.DownloadAttemptsTotal.WithLabelValues("expired").Inc()
			log(logger, "token expired, re-authenticating", "name", task.Name, "attempt", task.Attempts)
			continue
		}

		metrics.DownloadAttemptsTotal.WithLabelValues("retry").Inc()
		logWarn(logger, "attempt failed, retrying", "name", task.Name, "attempt", task.Attempts,
			"delay", d.opts.RetryDelay, "error", err)
		if err := sleepCtx(ctx, d.opts.RetryDelay); err != nil {
			return err
		}
	}

	return fmt.Errorf("download %s: giving up after %d attempts: %w", task.Name, task.Attempts, lastErr)
}

// attempt performs one pass: slot, auth, request, stream, commit.
func (d *Downloader) attempt(
	ctx context.Context,
	task *Task,
	key string,
	gated bool,
	onProgress ProgressFunc,
) (err error) {
	task.Offset = 0

	slot, err := d.pool.Acquire(ctx, key)
	if err != nil {
		return err
	}
	metrics.PoolSlotsInUse.Inc()
	defer func() {
		slot.Release()
		metrics.PoolSlotsInUse.Dec()
	}()

	partPath := task.Dest + partSuffix
	defer func() {
		if err != nil {
			if rmErr := os.Remove(partPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				logWarn(d.opts.Log, "failed to remove partial file", "path", partPath, "error", rmErr)
			}
		}
	}()

	liveURL := task.URL
	if gated {
		liveURL, err = d.auth.Authenticate(ctx, task.URL)
		if err != nil {
			return err
		}
	}

	// Cancelled by the stall timer when the body stops producing bytes.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stall := time.AfterFunc(d.opts.ReadTimeout, cancel)
	defer stall.Stop()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, liveURL, nil)
	if err != nil {
		return err
	}
	applyRequestHeaders(req, d.opts.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return d.stallOr(ctx, attemptCtx, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	log(d.opts.Log, "download response", "name", task.Name, "status", resp.StatusCode,
		"content-length", resp.ContentLength)

	switch {
	case resp.StatusCode == StatusTokenExpired && gated:
		d.auth.Expire(liveURL)
		return ErrTokenExpired
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	total := resp.ContentLength
	began := time.Now()
	if err := d.stream(attemptCtx, resp.Body, partPath, key, task, total, stall, onProgress); err != nil {
		return d.stallOr(ctx, attemptCtx, err)
	}
	if total >= 0 && task.Offset != total {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, task.Offset, total)
	}

	if err := os.Rename(partPath, task.Dest); err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}

	if total > 0 && onProgress != nil {
		var speed *float64
		if elapsed := time.Since(began).Seconds(); elapsed > 0 {
			s := float64(task.Offset) / elapsed
			speed = &s
		}
		onProgress(task.Name, 100, speed)
	}
	return nil
}

// stream copies body into path in optimizer-sized chunks, in receipt order,
// sampling speed and reporting progress at most once per interval.
func (d *Downloader) stream(
	ctx context.Context,
	body io.Reader,
	path string,
	key string,
	task *Task,
	total int64,
	stall *time.Timer,
	onProgress ProgressFunc,
) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	// Use buffered writer to cut syscalls for small chunks (64KB buffer)
	w := bufio.NewWriterSize(file, 64*1024)

	var buf []byte
	lastSample := time.Now()
	var sampleBytes int64

	for {
		size := d.optimizer.ChunkSize(key)
		if d.limiter != nil && size > d.limiter.Burst() {
			size = d.limiter.Burst()
		}
		if cap(buf) < size {
			buf = make([]byte, size)
		}

		n, readErr := body.Read(buf[:size])
		if n > 0 {
			if d.limiter != nil {
				// Throttling is not a stall.
				stall.Stop()
				if err := d.limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
			stall.Reset(d.opts.ReadTimeout)
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
			task.Offset += int64(n)
			sampleBytes += int64(n)
			metrics.DownloadBytesTotal.Add(float64(n))

			if elapsed := time.Since(lastSample); elapsed >= d.opts.ProgressInterval {
				d.optimizer.RecordSample(key, sampleBytes, elapsed)
				if total > 0 && onProgress != nil {
					speed := float64(sampleBytes) / elapsed.Seconds()
					onProgress(task.Name, percentOf(task.Offset, total), &speed)
				}
				lastSample = time.Now()
				sampleBytes = 0
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush buffer: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// stallOr reports ErrStalled when the attempt context was cancelled by the
// stall timer rather than by the caller.
func (d *Downloader) stallOr(parent, attemptCtx context.Context, err error) error {
	if parent.Err() == nil && attemptCtx.Err() != nil {
		return fmt.Errorf("%w: no data for %s: %v", ErrStalled, d.opts.ReadTimeout, err)
	}
	return err
}
