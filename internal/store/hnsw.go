package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/Aman-CERP/amansync/internal/embed"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// HNSWFileName is the graph file inside the index directory. The id
// mapping is stored alongside it with a ".meta" suffix.
const HNSWFileName = "vectors.hnsw"

var errIndexClosed = errors.New("index is closed")

// HNSWIndex is a local vector backend on coder/hnsw. Each chunk is one
// graph node; a document's chunks are tracked by key.
//
// Removal is lazy: nodes are unmapped but stay in the graph until Compact,
// which sidesteps coder/hnsw misbehaving when its last node is deleted.
type HNSWIndex struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[uint64]
	embedder embed.Embedder
	path     string

	docKeys map[string][]uint64
	keyDoc  map[uint64]string
	nextKey uint64

	dirty  bool
	closed bool
}

type hnswMeta struct {
	DocKeys    map[string][]uint64
	NextKey    uint64
	Dimensions int
	Model      string
}

// NewHNSWIndex opens the index stored at path, or an empty one if nothing
// is stored there yet. An empty path keeps the index in memory.
func NewHNSWIndex(path string, emb embed.Embedder) (*HNSWIndex, error) {
	idx := &HNSWIndex{
		graph:    newGraph(),
		embedder: emb,
		path:     path,
		docKeys:  make(map[string][]uint64),
		keyDoc:   make(map[uint64]string),
	}
	if path == "" {
		return idx, nil
	}
	if _, err := os.Stat(path + ".meta"); errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// Upsert embeds chunks and replaces the document's nodes.
func (x *HNSWIndex) Upsert(ctx context.Context, id string, chunks []indexer.Chunk) (int, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := x.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", id, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return 0, errIndexClosed
	}

	x.unmapLocked(id)
	keys := make([]uint64, 0, len(vecs))
	for _, v := range vecs {
		vec := append([]float32(nil), v...)
		if isZero(vec) {
			// Cosine distance is undefined for the zero vector.
			vec[0] = 1
		}
		key := x.nextKey
		x.nextKey++
		x.graph.Add(hnsw.MakeNode(key, vec))
		x.keyDoc[key] = id
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		x.docKeys[id] = keys
	}
	x.dirty = true
	return len(keys), nil
}

// Remove unmaps every node of id.
func (x *HNSWIndex) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return errIndexClosed
	}
	if _, ok := x.docKeys[id]; ok {
		x.unmapLocked(id)
		x.dirty = true
	}
	return nil
}

func (x *HNSWIndex) unmapLocked(id string) {
	for _, k := range x.docKeys[id] {
		delete(x.keyDoc, k)
	}
	delete(x.docKeys, id)
}

// Count returns the number of live chunks for id.
func (x *HNSWIndex) Count(_ context.Context, id string) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, errIndexClosed
	}
	return len(x.docKeys[id]), nil
}

// Ping fails only after Close.
func (x *HNSWIndex) Ping(context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return errIndexClosed
	}
	return nil
}

// DocumentIDs implements indexer.Lister.
func (x *HNSWIndex) DocumentIDs(context.Context) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, errIndexClosed
	}
	ids := make([]string, 0, len(x.docKeys))
	for id := range x.docKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// HNSWStats reports live versus stale graph nodes.
type HNSWStats struct {
	Documents  int
	LiveNodes  int
	GraphNodes int
	Orphans    int
}

// Stats returns node counts used to decide when to compact.
func (x *HNSWIndex) Stats() HNSWStats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return HNSWStats{}
	}
	live := len(x.keyDoc)
	total := x.graph.Len()
	return HNSWStats{
		Documents:  len(x.docKeys),
		LiveNodes:  live,
		GraphNodes: total,
		Orphans:    total - live,
	}
}

// Compact rebuilds the graph from live nodes only and returns how many
// stale nodes were dropped.
func (x *HNSWIndex) Compact(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return 0, errIndexClosed
	}

	before := x.graph.Len()
	keys := make([]uint64, 0, len(x.keyDoc))
	for k := range x.keyDoc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	g := newGraph()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		vec, ok := x.graph.Lookup(k)
		if !ok {
			continue
		}
		g.Add(hnsw.MakeNode(k, vec))
	}
	x.graph = g
	x.dirty = true
	return before - g.Len(), nil
}

// Flush implements indexer.Flusher by saving the graph and id mapping.
func (x *HNSWIndex) Flush(context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return errIndexClosed
	}
	if !x.dirty || x.path == "" {
		return nil
	}
	if err := x.saveLocked(); err != nil {
		return err
	}
	x.dirty = false
	return nil
}

// saveLocked writes the graph then the mapping, each via temp file and rename.
func (x *HNSWIndex) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := writeAtomic(x.path, func(f *os.File) error { return x.graph.Export(f) }); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}
	meta := hnswMeta{
		DocKeys:    x.docKeys,
		NextKey:    x.nextKey,
		Dimensions: x.embedder.Dimensions(),
		Model:      x.embedder.ModelName(),
	}
	if err := writeAtomic(x.path+".meta", func(f *os.File) error { return gob.NewEncoder(f).Encode(meta) }); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (x *HNSWIndex) load() error {
	mf, err := os.Open(x.path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() { _ = mf.Close() }()

	var meta hnswMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}
	if meta.Dimensions != x.embedder.Dimensions() || meta.Model != x.embedder.ModelName() {
		// Vectors from another model are meaningless; start empty and let
		// the ledger mismatch surface in the health check.
		slog.Warn("hnsw_model_mismatch",
			slog.String("stored_model", meta.Model),
			slog.String("model", x.embedder.ModelName()))
		return nil
	}

	gf, err := os.Open(x.path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = gf.Close() }()

	// Import needs an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(gf)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	x.docKeys = meta.DocKeys
	if x.docKeys == nil {
		x.docKeys = make(map[string][]uint64)
	}
	x.nextKey = meta.NextKey
	for id, keys := range x.docKeys {
		for _, k := range keys {
			x.keyDoc[k] = id
		}
	}
	return nil
}

// Close flushes pending writes and releases the graph.
func (x *HNSWIndex) Close() error {
	if err := x.Flush(context.Background()); err != nil && !errors.Is(err, errIndexClosed) {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.graph = nil
	return nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return len(v) > 0
}

var (
	_ indexer.Index   = (*HNSWIndex)(nil)
	_ indexer.Lister  = (*HNSWIndex)(nil)
	_ indexer.Flusher = (*HNSWIndex)(nil)
)
