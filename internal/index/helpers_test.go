package index

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/internal/store"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// memSource is a mutable in-memory scanner.Source.
type memSource struct {
	mu   sync.Mutex
	docs map[string]string
	err  error
}

func newMemSource(docs map[string]string) *memSource {
	m := &memSource{docs: make(map[string]string)}
	for k, v := range docs {
		m.docs[k] = v
	}
	return m
}

func (m *memSource) set(id, content string) {
	m.mu.Lock()
	m.docs[id] = content
	m.mu.Unlock()
}

func (m *memSource) remove(id string) {
	m.mu.Lock()
	delete(m.docs, id)
	m.mu.Unlock()
}

func (m *memSource) List(context.Context) ([]*scanner.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*scanner.Document, 0, len(m.docs))
	for id, content := range m.docs {
		out = append(out, document(id, content))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func document(id, content string) *scanner.Document {
	return &scanner.Document{
		ID:       id,
		Content:  []byte(content),
		Metadata: map[string]string{"path": id},
		Checksum: scanner.Checksum(scanner.AlgoSHA256, []byte(content)),
	}
}

type testEnv struct {
	cfg     *config.Config
	dataDir string
	ledger  *store.Ledger
	index   *indexer.MemoryIndex
	source  *memSource
	runner  *Runner
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Sync.BatchSize = 2
	cfg.Sync.MaxConcurrentOperations = 1
	cfg.Sync.PostHealthCheck = false
	cfg.Sync.Timeout = 0
	cfg.Backup.Retention = 3
	cfg.Health.SampleSize = 0
	return cfg
}

func newTestEnv(t *testing.T, docs map[string]string) *testEnv {
	t.Helper()
	env := &testEnv{
		cfg:     testConfig(),
		dataDir: t.TempDir(),
		index:   indexer.NewMemoryIndex(),
		source:  newMemSource(docs),
	}
	var err error
	env.ledger, err = store.OpenLedger(context.Background(), filepath.Join(env.dataDir, store.LedgerFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.ledger.Close() })
	env.rebuild(t)
	return env
}

// rebuild recreates the runner after a config change.
func (e *testEnv) rebuild(t *testing.T, observers ...Observer) {
	t.Helper()
	r, err := NewRunner(Dependencies{
		Config:    e.cfg,
		DataDir:   e.dataDir,
		Ledger:    e.ledger,
		Index:     e.index,
		Source:    e.source,
		Observers: observers,
	})
	require.NoError(t, err)
	e.runner = r
}

func (e *testEnv) ledgerIDs(t *testing.T) []string {
	t.Helper()
	ids, err := e.ledger.IDs(context.Background())
	require.NoError(t, err)
	return ids
}

func (e *testEnv) remoteCalls() int {
	return e.index.Calls("upsert") + e.index.Calls("remove")
}

func corpus(n int) map[string]string {
	docs := make(map[string]string, n)
	for i := 0; i < n; i++ {
		docs[docID(i)] = "content of document " + docID(i)
	}
	return docs
}

func docID(i int) string {
	return "docs/" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + ".txt"
}
