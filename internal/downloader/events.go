package downloader

import (
	"context"
	"sync"
)

type event struct {
	name    string
	percent float64
	speed   *float64
	errMsg  string
	isError bool
}

// dispatcher hands events to the consumer callbacks from its own goroutine.
// Posting only appends to an unbounded queue, so a slow consumer can never
// stall a transfer. Events posted after ctx is done are dropped.
type dispatcher struct {
	ctx        context.Context
	onProgress ProgressFunc
	onError    ErrorFunc

	mu     sync.Mutex
	queue  []event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(ctx context.Context, onProgress ProgressFunc, onError ErrorFunc) *dispatcher {
	d := &dispatcher{
		ctx:        ctx,
		onProgress: onProgress,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) post(ev event) {
	if d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// progress adapts the dispatcher to a ProgressFunc for the downloader.
func (d *dispatcher) progress(name string, percent float64, speed *float64) {
	if d.onProgress == nil {
		return
	}
	d.post(event{name: name, percent: percent, speed: speed})
}

func (d *dispatcher) failure(name, message string) {
	if d.onError == nil {
		return
	}
	d.post(event{name: name, errMsg: message, isError: true})
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		pending := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		if len(pending) == 0 {
			if closed {
				return
			}
			<-d.wake
			continue
		}

		for _, ev := range pending {
			if d.ctx.Err() != nil {
				break
			}
			if ev.isError {
				d.onError(ev.name, ev.errMsg)
			} else {
				d.onProgress(ev.name, ev.percent, ev.speed)
			}
		}
	}
}

// close stops accepting events and waits until queued ones are delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
