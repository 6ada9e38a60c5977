package store

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/embed"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// WeaviateIndex stores chunks as objects of one Weaviate class with
// client-side vectors. Documents are addressed by the docId property.
type WeaviateIndex struct {
	client   *weaviate.Client
	host     string
	class    string
	embedder embed.Embedder
}

// NewWeaviateIndex connects to cfg and creates the class if missing.
func NewWeaviateIndex(ctx context.Context, cfg config.WeaviateConfig, emb embed.Embedder) (*WeaviateIndex, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	w := &WeaviateIndex{client: client, host: cfg.Host, class: cfg.Class, embedder: emb}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", w.class, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       w.class,
		Description: "A chunk of a synchronized document",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "docId", DataType: []string{"string"}},
			{Name: "chunkIndex", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "headerPath", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", w.class, err)
	}
	return nil
}

func (w *WeaviateIndex) byDoc(id string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"docId"}).
		WithOperator(filters.Equal).
		WithValueString(id)
}

// Upsert deletes the document's objects, then creates one object per chunk.
// If creation fails midway the document is left partially written; the
// caller does not commit it to the ledger, so the next run upserts again.
func (w *WeaviateIndex) Upsert(ctx context.Context, id string, chunks []indexer.Chunk) (int, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", id, err)
	}

	if err := w.Remove(ctx, id); err != nil {
		return 0, err
	}

	for i, c := range chunks {
		_, err := w.client.Data().Creator().
			WithClassName(w.class).
			WithProperties(map[string]interface{}{
				"docId":      id,
				"chunkIndex": i,
				"content":    c.Content,
				"headerPath": c.Metadata["header_path"],
			}).
			WithVector(vecs[i]).
			Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("create chunk %d of %s: %w", i, id, err)
		}
	}
	return len(chunks), nil
}

// Remove batch-deletes every object of id.
func (w *WeaviateIndex) Remove(ctx context.Context, id string) error {
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.class).
		WithOutput("minimal").
		WithWhere(w.byDoc(id)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	return nil
}

// Count aggregates the number of objects of id.
func (w *WeaviateIndex) Count(ctx context.Context, id string) (int, error) {
	res, err := w.client.GraphQL().Aggregate().
		WithClassName(w.class).
		WithWhere(w.byDoc(id)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[w.class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// Ping checks the liveness endpoint.
func (w *WeaviateIndex) Ping(ctx context.Context) error {
	live, err := w.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !live {
		return fmt.Errorf("weaviate at %s is not live", w.host)
	}
	return nil
}

// Close is a no-op; the client holds no long-lived connections.
func (w *WeaviateIndex) Close() error { return nil }

var _ indexer.Index = (*WeaviateIndex)(nil)
