package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer merges bursts of events into batches. The window restarts on
// every event; a batch is emitted once no event arrived for a full window.
// Events for one path collapse as follows:
//   - CREATE then MODIFY is CREATE
//   - CREATE then DELETE cancels out
//   - DELETE then CREATE is MODIFY
//   - anything else keeps the latest operation
type Debouncer struct {
	window time.Duration
	output chan []FileEvent

	mu      sync.Mutex
	pending map[string]pendingEvent
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event FileEvent
	first Operation
}

// NewDebouncer creates a debouncer emitting into a buffer of size buffer.
func NewDebouncer(window time.Duration, buffer int) *Debouncer {
	return &Debouncer{
		window:  window,
		output:  make(chan []FileEvent, max(buffer, 1)),
		pending: make(map[string]pendingEvent),
	}
}

// Add records an event and restarts the window.
func (d *Debouncer) Add(ev FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if prev, ok := d.pending[ev.Path]; ok {
		merged, keep := coalesce(prev, ev)
		if keep {
			d.pending[ev.Path] = pendingEvent{event: merged, first: prev.first}
		} else {
			delete(d.pending, ev.Path)
		}
	} else {
		d.pending[ev.Path] = pendingEvent{event: ev, first: ev.Operation}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func coalesce(prev pendingEvent, next FileEvent) (FileEvent, bool) {
	switch {
	case prev.first == OpCreate && next.Operation == OpModify:
		return prev.event, true
	case prev.first == OpCreate && next.Operation == OpDelete:
		return FileEvent{}, false
	case prev.first == OpDelete && next.Operation == OpCreate:
		next.Operation = OpModify
		return next, true
	default:
		return next, true
	}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]FileEvent, 0, len(d.pending))
	for _, pe := range d.pending {
		batch = append(batch, pe.event)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	d.pending = make(map[string]pendingEvent)

	select {
	case d.output <- batch:
	default:
		slog.Warn("watch_batch_dropped", slog.Int("batch_size", len(batch)))
	}
}

// Output delivers debounced batches sorted by path. It is closed by Stop.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop discards pending events and closes Output. Safe to call twice.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
