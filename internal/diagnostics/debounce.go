// Package diagnostics debounces host-side diagnostics requests per cell id.
// A cell that gets executed cancels its pending diagnostics request, since the
// execution itself reports diagnostics.
package diagnostics

import (
	"sync"
	"time"

	"kernelbridge/internal/logging"
)

// Debouncer runs at most one pending callback per key.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	seq     uint64
	wg      sync.WaitGroup
}

type pendingCall struct {
	seq   uint64
	timer *time.Timer
}

// NewDebouncer creates an empty debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{pending: make(map[string]*pendingCall)}
}

// Debounce schedules fn to run after delay, replacing any callback already
// pending for key.
func (d *Debouncer) Debounce(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		if p.timer.Stop() {
			d.wg.Done()
		}
	}

	d.seq++
	seq := d.seq
	d.wg.Add(1)
	d.pending[key] = &pendingCall{
		seq: seq,
		timer: time.AfterFunc(delay, func() {
			defer d.wg.Done()
			d.mu.Lock()
			p, ok := d.pending[key]
			if !ok || p.seq != seq {
				d.mu.Unlock()
				return
			}
			delete(d.pending, key)
			d.mu.Unlock()
			fn()
		}),
	}
}

// Cancel drops the callback pending for key. It reports whether one was
// pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return false
	}
	delete(d.pending, key)
	if p.timer.Stop() {
		d.wg.Done()
	}
	logging.Get(logging.CategoryDiagnostics).Debug("cancelled pending diagnostics for %q", key)
	return true
}

// Pending reports whether a callback is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every pending callback and waits for running ones to return.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	for key, p := range d.pending {
		if p.timer.Stop() {
			d.wg.Done()
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
