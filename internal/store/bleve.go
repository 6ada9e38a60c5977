package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// BleveDirName is the keyword index directory inside the index directory.
const BleveDirName = "keyword.bleve"

const bleveDocIDField = "docId"

// bleveListPage bounds each page when enumerating documents.
const bleveListPage = 1000

// BleveIndex is a local keyword backend. Each chunk is one Bleve document
// keyed "<id>#<n>" with the owning document id in a keyword field.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type bleveChunk struct {
	DocID   string `json:"docId"`
	Index   int    `json:"chunkIndex"`
	Content string `json:"content"`
	Header  string `json:"headerPath,omitempty"`
}

// NewBleveIndex opens or creates the index at path. An empty path keeps
// it in memory.
func NewBleveIndex(path string) (*BleveIndex, error) {
	m := newBleveMapping()

	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(m)
	default:
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, m)
		} else if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
			slog.Warn("bleve_index_corrupted", slog.String("path", path))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("remove corrupted index: %w", rmErr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}
	return &BleveIndex{index: idx}, nil
}

func newBleveMapping() mapping.IndexMapping {
	docID := bleve.NewTextFieldMapping()
	docID.Analyzer = keyword.Name

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false

	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt(bleveDocIDField, docID)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("headerPath", bleve.NewTextFieldMapping())
	dm.AddFieldMappingsAt("chunkIndex", bleve.NewNumericFieldMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = dm
	return im
}

func chunkKey(id string, n int) string {
	return id + "#" + strconv.Itoa(n)
}

func (b *BleveIndex) get() (bleve.Index, func(), error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, nil, errIndexClosed
	}
	return b.index, b.mu.RUnlock, nil
}

// chunkKeys returns the Bleve keys currently stored for id.
func chunkKeys(idx bleve.Index, id string) ([]string, error) {
	q := bleve.NewTermQuery(id)
	q.SetField(bleveDocIDField)

	var keys []string
	for from := 0; ; from += bleveListPage {
		res, err := idx.Search(bleve.NewSearchRequestOptions(q, bleveListPage, from, false))
		if err != nil {
			return nil, err
		}
		for _, h := range res.Hits {
			keys = append(keys, h.ID)
		}
		if len(res.Hits) < bleveListPage {
			return keys, nil
		}
	}
}

// Upsert deletes the document's chunks and indexes the new ones in one batch.
func (b *BleveIndex) Upsert(_ context.Context, id string, chunks []indexer.Chunk) (int, error) {
	idx, release, err := b.get()
	if err != nil {
		return 0, err
	}
	defer release()

	old, err := chunkKeys(idx, id)
	if err != nil {
		return 0, fmt.Errorf("find chunks of %s: %w", id, err)
	}

	batch := idx.NewBatch()
	for _, k := range old {
		batch.Delete(k)
	}
	for i, c := range chunks {
		doc := bleveChunk{DocID: id, Index: i, Content: c.Content, Header: c.Metadata["header_path"]}
		if err := batch.Index(chunkKey(id, i), doc); err != nil {
			return 0, fmt.Errorf("index chunk %d of %s: %w", i, id, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("write batch for %s: %w", id, err)
	}
	return len(chunks), nil
}

// Remove deletes every chunk of id.
func (b *BleveIndex) Remove(_ context.Context, id string) error {
	idx, release, err := b.get()
	if err != nil {
		return err
	}
	defer release()

	keys, err := chunkKeys(idx, id)
	if err != nil {
		return fmt.Errorf("find chunks of %s: %w", id, err)
	}
	if len(keys) == 0 {
		return nil
	}
	batch := idx.NewBatch()
	for _, k := range keys {
		batch.Delete(k)
	}
	return idx.Batch(batch)
}

// Count returns the number of chunks stored for id.
func (b *BleveIndex) Count(_ context.Context, id string) (int, error) {
	idx, release, err := b.get()
	if err != nil {
		return 0, err
	}
	defer release()

	q := bleve.NewTermQuery(id)
	q.SetField(bleveDocIDField)
	res, err := idx.Search(bleve.NewSearchRequestOptions(q, 0, 0, false))
	if err != nil {
		return 0, err
	}
	return int(res.Total), nil
}

// Ping fails only after Close.
func (b *BleveIndex) Ping(context.Context) error {
	_, release, err := b.get()
	if err != nil {
		return err
	}
	release()
	return nil
}

// DocumentIDs implements indexer.Lister.
func (b *BleveIndex) DocumentIDs(context.Context) ([]string, error) {
	idx, release, err := b.get()
	if err != nil {
		return nil, err
	}
	defer release()

	seen := make(map[string]struct{})
	for from := 0; ; from += bleveListPage {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), bleveListPage, from, false)
		req.Fields = []string{bleveDocIDField}
		res, err := idx.Search(req)
		if err != nil {
			return nil, err
		}
		for _, h := range res.Hits {
			if id, ok := h.Fields[bleveDocIDField].(string); ok {
				seen[id] = struct{}{}
			}
		}
		if len(res.Hits) < bleveListPage {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the underlying index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var (
	_ indexer.Index  = (*BleveIndex)(nil)
	_ indexer.Lister = (*BleveIndex)(nil)
)
