// Package debounce implements a debounced, single-flight task scheduler.
package debounce

import (
	"context"
	"sync"
	"time"
)

// A Debouncer runs a task some time after the most recent trigger. At most
// one run of the task is active at a time. A trigger that arrives while the
// task is running sets a pending flag instead of starting a second run; when
// the active run finishes, a pending flag causes exactly one more run to be
// scheduled. Bursts of triggers therefore collapse into at most one extra
// run.
type Debouncer struct {
	delay  time.Duration
	task   func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	μ       sync.Mutex
	timer   *time.Timer
	gen     int // generation of the current timer
	running bool
	pending bool
	stopped bool
}

// New constructs a Debouncer that calls task delay after the last trigger.
// The context passed to task ends when Stop is called.
func New(delay time.Duration, task func(context.Context)) *Debouncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{delay: delay, task: task, ctx: ctx, cancel: cancel}
}

// Trigger schedules a run of the task after the delay, replacing any run
// that is scheduled but not yet started. After Stop, Trigger does nothing.
func (d *Debouncer) Trigger() {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.scheduleLocked()
}

func (d *Debouncer) scheduleLocked() {
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen int) {
	d.μ.Lock()
	if d.stopped || gen != d.gen {
		d.μ.Unlock()
		return // stopped, or superseded by a later trigger
	}
	d.timer = nil
	if d.running {
		d.pending = true
		d.μ.Unlock()
		return
	}
	d.running = true
	d.wg.Add(1)
	d.μ.Unlock()

	defer d.wg.Done()
	d.task(d.ctx)

	d.μ.Lock()
	defer d.μ.Unlock()
	d.running = false
	if d.pending {
		d.pending = false
		d.scheduleLocked()
	}
}

// Running reports whether a run of the task is currently active.
func (d *Debouncer) Running() bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.running
}

// Stop cancels any scheduled run and discards a pending trigger. If a run is
// active, Stop cancels its context and waits for it to return. After Stop,
// the Debouncer does not run the task again.
func (d *Debouncer) Stop() {
	d.μ.Lock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.μ.Unlock()

	d.cancel()
	d.wg.Wait()
}
