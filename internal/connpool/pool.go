// Package connpool provides per-target admission control for outgoing
// transfers. A Pool caps the number of slots held for any single key as well
// as the total number of slots held across all keys.
package connpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Default limits used when a non-positive value is configured.
const (
	DefaultPerKey = 3
	DefaultTotal  = 6
)

// Pool hands out slots keyed by target. Acquire blocks until both the key's
// limit and the overall limit have room.
type Pool struct {
	perKey int64
	total  int64
	global *semaphore.Weighted

	mu       sync.Mutex
	keys     map[string]*keyState
	inFlight int64
}

type keyState struct {
	sem  *semaphore.Weighted
	held int64
}

// Slot is a held unit of capacity. Release is safe to call more than once.
type Slot struct {
	pool *Pool
	key  string
	once sync.Once
}

// New creates a Pool allowing perKey concurrent slots per key and total
// concurrent slots overall.
func New(perKey, total int) *Pool {
	if perKey <= 0 {
		perKey = DefaultPerKey
	}
	if total <= 0 {
		total = DefaultTotal
	}
	if perKey > total {
		perKey = total
	}
	return &Pool{
		perKey: int64(perKey),
		total:  int64(total),
		global: semaphore.NewWeighted(int64(total)),
		keys:   make(map[string]*keyState),
	}
}

func (p *Pool) state(key string) *keyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.keys[key]
	if !ok {
		ks = &keyState{sem: semaphore.NewWeighted(p.perKey)}
		p.keys[key] = ks
	}
	return ks
}

// Acquire waits for a slot for key. The only error it returns is the
// context's error when ctx is done before a slot frees up.
func (p *Pool) Acquire(ctx context.Context, key string) (*Slot, error) {
	ks := p.state(key)
	if err := ks.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.global.Acquire(ctx, 1); err != nil {
		ks.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	ks.held++
	p.inFlight++
	p.mu.Unlock()

	return &Slot{pool: p, key: key}, nil
}

// Release returns one slot for key. Releasing a key with no held slots is a
// no-op, so the held count never goes negative.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	ks, ok := p.keys[key]
	if !ok || ks.held == 0 {
		p.mu.Unlock()
		return
	}
	ks.held--
	p.inFlight--
	p.mu.Unlock()

	p.global.Release(1)
	ks.sem.Release(1)
}

// Held reports how many slots are currently held for key.
func (p *Pool) Held(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ks, ok := p.keys[key]; ok {
		return int(ks.held)
	}
	return 0
}

// InFlight reports how many slots are held across all keys.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.inFlight)
}

// Limits returns the configured per-key and total limits.
func (p *Pool) Limits() (perKey, total int) {
	return int(p.perKey), int(p.total)
}

// Key returns the key the slot was acquired for.
func (s *Slot) Key() string {
	return s.key
}

// Release returns the slot to its pool. Only the first call has an effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.pool.Release(s.key)
	})
}
