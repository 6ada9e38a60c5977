package indexer

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnreachable is returned by MemoryIndex while SetUnreachable is on.
// Its message mimics a refused connection.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:0: connect: connection refused")

// MemoryIndex is an in-memory Index with call counters and per-id failure
// injection.
type MemoryIndex struct {
	mu          sync.Mutex
	docs        map[string][]Chunk
	failOn      map[string]error
	unreachable bool
	calls       map[string]int
	// afterCall, when set, runs after every counted call outside the lock.
	afterCall func(op, id string)
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:   make(map[string][]Chunk),
		failOn: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// FailOn makes Upsert and Remove of id return err. A nil err clears it.
func (m *MemoryIndex) FailOn(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, id)
		return
	}
	m.failOn[id] = err
}

// SetUnreachable makes every call fail with ErrUnreachable.
func (m *MemoryIndex) SetUnreachable(v bool) {
	m.mu.Lock()
	m.unreachable = v
	m.mu.Unlock()
}

// OnCall registers a hook run after each Upsert or Remove.
func (m *MemoryIndex) OnCall(fn func(op, id string)) {
	m.mu.Lock()
	m.afterCall = fn
	m.mu.Unlock()
}

// Calls returns how often op ("upsert", "remove", "count", "ping") ran.
func (m *MemoryIndex) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls zeroes the call counters.
func (m *MemoryIndex) ResetCalls() {
	m.mu.Lock()
	m.calls = make(map[string]int)
	m.mu.Unlock()
}

// Put stores chunks for id without counting a call or checking failures.
func (m *MemoryIndex) Put(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{Index: i}
	}
	m.docs[id] = chunks
}

// Chunks returns a copy of the chunks stored for id.
func (m *MemoryIndex) Chunks(id string) []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Chunk(nil), m.docs[id]...)
}

func (m *MemoryIndex) begin(op, id string) (func(), error) {
	m.mu.Lock()
	m.calls[op]++
	hook := m.afterCall
	done := func() {
		if hook != nil && (op == "upsert" || op == "remove") {
			hook(op, id)
		}
	}
	if m.unreachable {
		m.mu.Unlock()
		return done, ErrUnreachable
	}
	if err, ok := m.failOn[id]; ok && id != "" {
		m.mu.Unlock()
		return done, err
	}
	return done, nil
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(ctx context.Context, id string, chunks []Chunk) (int, error) {
	done, err := m.begin("upsert", id)
	defer done()
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		delete(m.docs, id)
		return 0, nil
	}
	m.docs[id] = append([]Chunk(nil), chunks...)
	return len(chunks), nil
}

// Remove implements Index.
func (m *MemoryIndex) Remove(ctx context.Context, id string) error {
	done, err := m.begin("remove", id)
	defer done()
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.docs, id)
	return ctx.Err()
}

// Count implements Index.
func (m *MemoryIndex) Count(_ context.Context, id string) (int, error) {
	done, err := m.begin("count", "")
	defer done()
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return len(m.docs[id]), nil
}

// Ping implements Index.
func (m *MemoryIndex) Ping(context.Context) error {
	done, err := m.begin("ping", "")
	defer done()
	if err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

// DocumentIDs implements Lister.
func (m *MemoryIndex) DocumentIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return nil, ErrUnreachable
	}
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ Index  = (*MemoryIndex)(nil)
	_ Lister = (*MemoryIndex)(nil)
)
