package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amansync/internal/chunk"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// DefaultMaxConcurrentOperations bounds parallel remote calls per batch.
const DefaultMaxConcurrentOperations = 4

// Synchronizer applies batches to the remote index.
type Synchronizer struct {
	index       indexer.Index
	producer    chunk.Producer
	concurrency int
}

// NewSynchronizer creates a synchronizer issuing at most concurrency
// operations at once.
func NewSynchronizer(idx indexer.Index, producer chunk.Producer, concurrency int) *Synchronizer {
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrentOperations
	}
	return &Synchronizer{index: idx, producer: producer, concurrency: concurrency}
}

// PlanBatches groups the change set into batches of size: removals first,
// then upserts, each in sorted id order.
func PlanBatches(cs *ChangeSet, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	removals := cs.Deleted
	if cs.FullRebuild {
		removals = cs.Cleared
	}
	upserts := mergeSorted(cs.New, cs.Modified)

	var batches []Batch
	add := func(op Op, ids []string) {
		for start := 0; start < len(ids); start += size {
			end := min(start+size, len(ids))
			batches = append(batches, Batch{
				Seq: len(batches),
				Op:  op,
				IDs: append([]string(nil), ids[start:end]...),
			})
		}
	}
	add(OpRemove, removals)
	add(OpUpsert, upserts)
	return batches
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Apply runs every operation of b with bounded parallelism and waits for
// all of them. docs supplies content for upserts. Per-id failures are
// recorded in the result; Apply itself never fails.
func (s *Synchronizer) Apply(ctx context.Context, b Batch, docs map[string]*scanner.Document) *BatchResult {
	start := time.Now()
	res := &BatchResult{Batch: b, Results: make([]OpResult, len(b.IDs))}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range b.IDs {
		g.Go(func() error {
			res.Results[i] = s.apply(ctx, b.Op, id, docs[id])
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("sync_batch_applied",
		slog.Int("batch", b.Seq),
		slog.String("op", string(b.Op)),
		slog.Int("ids", len(b.IDs)),
		slog.Int("failed", len(res.Failed())),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return res
}

func (s *Synchronizer) apply(ctx context.Context, op Op, id string, doc *scanner.Document) OpResult {
	r := OpResult{ID: id, Op: op}
	if err := ctx.Err(); err != nil {
		r.Err = amerrors.IndexUnreachable(err)
		return r
	}

	switch op {
	case OpRemove:
		r.Err = classify(id, op, s.index.Remove(ctx, id))
	case OpUpsert:
		if doc == nil {
			r.Err = amerrors.IndexOperationFailed(id, string(op), fmt.Errorf("document %s missing from scan", id))
			return r
		}
		chunks, err := s.producer.Split(ctx, doc)
		if err != nil {
			if _, ok := amerrors.As(err); !ok {
				err = amerrors.ChunkingError(id, err)
			}
			r.Err = err
			return r
		}
		n, err := s.index.Upsert(ctx, id, toIndexChunks(chunks))
		r.ChunkCount = n
		r.Err = classify(id, op, err)
	}
	return r
}

// classify makes sure every failure carries an index error code, for
// indexes that are not wrapped in a ResilientIndex.
func classify(id string, op Op, err error) error {
	if err == nil {
		return nil
	}
	if ae, ok := amerrors.As(err); ok && ae.Category == amerrors.CategoryIndex {
		return err
	}
	if isConnectionError(err) {
		return amerrors.IndexUnreachable(err)
	}
	return amerrors.IndexOperationFailed(id, string(op), err)
}

func toIndexChunks(chunks []*chunk.Chunk) []indexer.Chunk {
	out := make([]indexer.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = indexer.Chunk{Index: c.Index, Content: c.Content, Metadata: c.Metadata}
	}
	return out
}
