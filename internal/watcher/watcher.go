// Package watcher turns file system changes under a project root into
// scheduler triggers.
//
// fsnotify is the primary event source; directories where it cannot be
// used (network mounts, container volumes) fall back to polling. Events
// are debounced so an editor save or a git checkout yields one batch.
package watcher

import (
	"time"
)

// Operation is the kind of change seen for a path.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change, relative to the watched root.
type FileEvent struct {
	Path      string
	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long the path set must stay quiet before a
	// batch is emitted.
	DebounceWindow time.Duration

	// PollInterval is used when fsnotify is unavailable.
	PollInterval time.Duration

	// ForcePolling skips fsnotify entirely.
	ForcePolling bool

	EventBufferSize int

	// IgnorePatterns use gitignore syntax, on top of the root .gitignore.
	IgnorePatterns []string
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  2 * time.Second,
		PollInterval:    5 * time.Second,
		EventBufferSize: 64,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	return o
}
