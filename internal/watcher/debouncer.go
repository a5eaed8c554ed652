package watcher

import (
	"sync"
	"time"
)

// Debouncer tracks files that are still being written and reports each one
// once it has been quiet for the configured delay. Rapid write bursts on
// the same path collapse into a single settle notification; a cancel (file
// removed before settling) drops the pending entry silently.
type Debouncer struct {
	delay   time.Duration
	pending map[string]*time.Timer
	mu      sync.Mutex
	stopped bool
	settled chan string
	stopCh  chan struct{}
	// emitWG counts in-flight emits; Stop waits for it before closing the
	// settled channel so a firing timer can never send on a closed channel.
	emitWG sync.WaitGroup
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:   time.Duration(delayMs) * time.Millisecond,
		pending: make(map[string]*time.Timer),
		settled: make(chan string, 100),
		stopCh:  make(chan struct{}),
	}
}

// Settled returns the channel of paths whose writes have gone quiet.
func (d *Debouncer) Settled() <-chan string {
	return d.settled
}

// Touch records write activity on a path, restarting its quiet window.
func (d *Debouncer) Touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if timer, exists := d.pending[path]; exists {
		// Stop returning true means the callback will never run, so its
		// emit token is released here.
		if timer.Stop() {
			d.emitWG.Done()
		}
	}
	d.emitWG.Add(1)
	d.pending[path] = time.AfterFunc(d.delay, func() {
		d.emit(path)
	})
}

// Cancel drops a pending path, for files removed before they settled.
func (d *Debouncer) Cancel(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.pending[path]; exists {
		if timer.Stop() {
			d.emitWG.Done()
		}
		delete(d.pending, path)
	}
}

// emit delivers one settle notification and releases its emit token. Paths
// already cancelled or stopped are dropped.
func (d *Debouncer) emit(path string) {
	defer d.emitWG.Done()

	d.mu.Lock()
	_, exists := d.pending[path]
	if exists {
		delete(d.pending, path)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !exists || stopped {
		return
	}
	select {
	case d.settled <- path:
	case <-d.stopCh:
	}
}

// Flush settles every pending path immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	var paths []string
	for path, timer := range d.pending {
		// Paths whose timer already fired are left to that callback.
		if timer.Stop() {
			paths = append(paths, path)
		}
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// Stop discards pending paths, waits for in-flight emits, then closes the
// settled channel.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for path, timer := range d.pending {
		if timer.Stop() {
			d.emitWG.Done()
		}
		delete(d.pending, path)
	}
	d.mu.Unlock()

	close(d.stopCh)
	d.emitWG.Wait()
	close(d.settled)
}

// PendingCount returns the number of paths still inside their quiet window.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
