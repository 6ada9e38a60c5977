package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amansync/internal/chunk"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

func TestPlanBatches(t *testing.T) {
	tests := []struct {
		name string
		cs   *ChangeSet
		size int
		want []Batch
	}{
		{
			name: "removals first then merged upserts",
			cs: &ChangeSet{
				New:      []string{"b", "e"},
				Modified: []string{"a", "d"},
				Deleted:  []string{"c", "f", "g"},
			},
			size: 2,
			want: []Batch{
				{Seq: 0, Op: OpRemove, IDs: []string{"c", "f"}},
				{Seq: 1, Op: OpRemove, IDs: []string{"g"}},
				{Seq: 2, Op: OpUpsert, IDs: []string{"a", "b"}},
				{Seq: 3, Op: OpUpsert, IDs: []string{"d", "e"}},
			},
		},
		{
			name: "full rebuild removes every ledger id",
			cs: &ChangeSet{
				New:         []string{"a", "b"},
				Deleted:     []string{"z"},
				Cleared:     []string{"a", "z"},
				FullRebuild: true,
			},
			size: 10,
			want: []Batch{
				{Seq: 0, Op: OpRemove, IDs: []string{"a", "z"}},
				{Seq: 1, Op: OpUpsert, IDs: []string{"a", "b"}},
			},
		},
		{
			name: "nothing to do",
			cs:   &ChangeSet{Unchanged: []string{"a"}},
			size: 10,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlanBatches(tt.cs, tt.size))
		})
	}
}

func docMapOf(docs ...*scanner.Document) map[string]*scanner.Document {
	out := make(map[string]*scanner.Document, len(docs))
	for _, d := range docs {
		out[d.ID] = d
	}
	return out
}

func TestSynchronizer_PartialFailure(t *testing.T) {
	// Given: an index that rejects "b"
	idx := indexer.NewMemoryIndex()
	idx.FailOn("b", errors.New("422 unprocessable entity"))
	s := NewSynchronizer(idx, chunk.NewProducer(testConfig().Chunking), 2)
	docs := docMapOf(document("a", "alpha"), document("b", "beta"), document("c", "gamma"))

	// When: a batch of three upserts is applied
	res := s.Apply(context.Background(), Batch{Op: OpUpsert, IDs: []string{"a", "b", "c"}}, docs)

	// Then: only "b" failed, as a non-fatal operation failure
	require.Len(t, res.Results, 3)
	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)
	assert.ErrorIs(t, failed[0].Err, amerrors.ErrIndexOperationFailed)
	assert.NoError(t, res.Fatal())
	assert.Len(t, res.Succeeded(), 2)
	assert.Equal(t, 1, res.Results[0].ChunkCount)
	assert.Len(t, idx.Chunks("c"), 1)
}

func TestSynchronizer_UnreachableIsFatal(t *testing.T) {
	idx := indexer.NewMemoryIndex()
	idx.SetUnreachable(true)
	s := NewSynchronizer(idx, chunk.NewProducer(testConfig().Chunking), 2)

	res := s.Apply(context.Background(), Batch{Op: OpRemove, IDs: []string{"a", "b"}}, nil)

	assert.Len(t, res.Failed(), 2)
	assert.ErrorIs(t, res.Fatal(), amerrors.ErrIndexUnreachable)
}

type failingProducer struct{}

func (failingProducer) Split(_ context.Context, doc *scanner.Document) ([]*chunk.Chunk, error) {
	return nil, errors.New("cannot split " + doc.ID)
}

func TestSynchronizer_ChunkingFailure(t *testing.T) {
	idx := indexer.NewMemoryIndex()
	s := NewSynchronizer(idx, failingProducer{}, 1)

	res := s.Apply(context.Background(), Batch{Op: OpUpsert, IDs: []string{"a"}}, docMapOf(document("a", "x")))

	require.Len(t, res.Failed(), 1)
	assert.ErrorIs(t, res.Results[0].Err, amerrors.ErrChunking)
	assert.NoError(t, res.Fatal())
	assert.Zero(t, idx.Calls("upsert"), "index is not called when chunking fails")
}

// slowIndex tracks the peak number of concurrent calls.
type slowIndex struct {
	*indexer.MemoryIndex
	inFlight atomic.Int32
	mu       sync.Mutex
	peak     int32
}

func (s *slowIndex) Remove(ctx context.Context, id string) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.mu.Lock()
	if n > s.peak {
		s.peak = n
	}
	s.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return s.MemoryIndex.Remove(ctx, id)
}

func TestSynchronizer_BoundedParallelism(t *testing.T) {
	idx := &slowIndex{MemoryIndex: indexer.NewMemoryIndex()}
	s := NewSynchronizer(idx, nil, 3)

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	res := s.Apply(context.Background(), Batch{Op: OpRemove, IDs: ids}, nil)

	assert.Empty(t, res.Failed())
	assert.LessOrEqual(t, idx.peak, int32(3))
	assert.Greater(t, idx.peak, int32(1))
}

func TestSynchronizer_CancelledContext(t *testing.T) {
	idx := indexer.NewMemoryIndex()
	s := NewSynchronizer(idx, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.Apply(ctx, Batch{Op: OpRemove, IDs: []string{"a"}}, nil)
	assert.ErrorIs(t, res.Fatal(), amerrors.ErrIndexUnreachable)
	assert.Zero(t, idx.Calls("remove"))
}
