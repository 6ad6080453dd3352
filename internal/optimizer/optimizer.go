// Package optimizer derives read sizes from observed transfer speed.
package optimizer

import (
	"math/bits"
	"sync"
	"time"
)

const (
	DefaultChunkSize = 32 * 1024
	MinChunkSize     = 8 * 1024
	MaxChunkSize     = 1024 * 1024

	// Weight given to the newest sample in the moving average.
	DefaultAlpha = 0.3

	// A chunk should take roughly this long to arrive at the smoothed speed.
	targetReadLatency = 100 * time.Millisecond
)

type entry struct {
	speed     float64 // bytes per second
	chunkSize int
}

// Optimizer keeps one smoothed speed and one chunk size per key. It is safe
// for concurrent use by transfers sharing a key.
type Optimizer struct {
	alpha float64

	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an Optimizer using DefaultAlpha.
func New() *Optimizer {
	return NewWithAlpha(DefaultAlpha)
}

// NewWithAlpha returns an Optimizer whose moving average gives alpha weight
// to each new sample. Values outside (0,1] fall back to DefaultAlpha.
func NewWithAlpha(alpha float64) *Optimizer {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Optimizer{
		alpha:   alpha,
		entries: make(map[string]*entry),
	}
}

// RecordSample folds bytes transferred over elapsed into the speed estimate
// for key and recomputes its chunk size. Non-positive durations are ignored.
func (o *Optimizer) RecordSample(key string, bytes int64, elapsed time.Duration) {
	if elapsed <= 0 || bytes < 0 {
		return
	}
	sample := float64(bytes) / elapsed.Seconds()

	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[key]
	if !ok {
		e = &entry{speed: sample}
		o.entries[key] = e
	} else {
		e.speed = o.alpha*sample + (1-o.alpha)*e.speed
	}
	e.chunkSize = chunkSizeForSpeed(e.speed)
}

// ChunkSize returns the read size to use for key.
func (o *Optimizer) ChunkSize(key string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if e, ok := o.entries[key]; ok {
		return e.chunkSize
	}
	return DefaultChunkSize
}

// Speed returns the smoothed speed for key in bytes per second and whether
// any sample has been recorded.
func (o *Optimizer) Speed(key string) (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if e, ok := o.entries[key]; ok {
		return e.speed, true
	}
	return 0, false
}

func chunkSizeForSpeed(speed float64) int {
	want := speed * targetReadLatency.Seconds()
	if want <= MinChunkSize {
		return MinChunkSize
	}
	if want >= MaxChunkSize {
		return MaxChunkSize
	}
	// Round down to a power of two.
	n := uint(want)
	return 1 << (bits.Len(n) - 1)
}
