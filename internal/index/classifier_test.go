package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/internal/store"
)

func ledgerOf(docs ...*scanner.Document) map[string]*store.DocumentRecord {
	out := make(map[string]*store.DocumentRecord, len(docs))
	for _, d := range docs {
		out[d.ID] = &store.DocumentRecord{ID: d.ID, Checksum: d.Checksum, ChunkCount: 1}
	}
	return out
}

func TestClassify(t *testing.T) {
	// Given: a ledger with a, b, c and a scan with a (same), b (edited), d (new)
	ledger := ledgerOf(document("a", "1"), document("b", "2"), document("c", "3"))
	scanned := []*scanner.Document{document("a", "1"), document("b", "2 edited"), document("d", "4")}

	// When: classified with the default threshold
	cs := Classify(scanned, ledger, DefaultFullRebuildThreshold, false)

	// Then: every id lands in exactly one set
	assert.Equal(t, []string{"d"}, cs.New)
	assert.Equal(t, []string{"b"}, cs.Modified)
	assert.Equal(t, []string{"a"}, cs.Unchanged)
	assert.Equal(t, []string{"c"}, cs.Deleted)
	assert.InDelta(t, 0.75, cs.ChangedFraction, 1e-9)
	assert.False(t, cs.FullRebuild)
	assert.Empty(t, cs.Cleared)
	assert.Equal(t, 3, cs.Changed())

	assert.Equal(t, store.StatusNew, cs.Status("d"))
	assert.Equal(t, store.StatusModified, cs.Status("b"))
	assert.Equal(t, store.StatusUnchanged, cs.Status("a"))
	assert.Equal(t, store.StatusDeleted, cs.Status("c"))
	assert.Equal(t, store.DocumentStatus(""), cs.Status("zzz"))
}

func TestClassify_Empty(t *testing.T) {
	cs := Classify(nil, nil, DefaultFullRebuildThreshold, false)
	assert.Zero(t, cs.ChangedFraction)
	assert.False(t, cs.FullRebuild)
	assert.Empty(t, cs.New)
	assert.Empty(t, cs.Deleted)
}

func TestClassify_FullRebuildThreshold(t *testing.T) {
	tests := []struct {
		name     string
		modified int
		want     bool
	}{
		{"85 of 100 rebuilds", 85, true},
		{"81 of 100 rebuilds", 81, true},
		{"exactly the threshold stays incremental", 80, false},
		{"70 of 100 stays incremental", 70, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: 100 ledger documents, tt.modified of them edited
			var before, after []*scanner.Document
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("doc-%03d", i)
				before = append(before, document(id, "v1"))
				content := "v1"
				if i < tt.modified {
					content = "v2"
				}
				after = append(after, document(id, content))
			}

			// When: classified at 0.8
			cs := Classify(after, ledgerOf(before...), 0.8, false)

			// Then: the fallback follows the strict comparison
			assert.Equal(t, tt.want, cs.FullRebuild)
			assert.InDelta(t, float64(tt.modified)/100, cs.ChangedFraction, 1e-9)
			if tt.want {
				assert.Len(t, cs.New, 100)
				assert.Empty(t, cs.Modified)
				assert.Empty(t, cs.Unchanged)
				assert.Len(t, cs.Cleared, 100)
			} else {
				assert.Len(t, cs.Modified, tt.modified)
				assert.Len(t, cs.Unchanged, 100-tt.modified)
			}
		})
	}
}

func TestClassify_Force(t *testing.T) {
	// Given: nothing changed except one deletion
	ledger := ledgerOf(document("a", "1"), document("b", "2"), document("gone", "x"))
	scanned := []*scanner.Document{document("a", "1"), document("b", "2")}

	// When: a full rebuild is forced
	cs := Classify(scanned, ledger, DefaultFullRebuildThreshold, true)

	// Then: scanned ids become new, ledger-only ids stay deleted, all ledger ids are cleared
	assert.True(t, cs.FullRebuild)
	assert.Equal(t, []string{"a", "b"}, cs.New)
	assert.Equal(t, []string{"gone"}, cs.Deleted)
	assert.Equal(t, []string{"a", "b", "gone"}, cs.Cleared)
	assert.InDelta(t, 1.0/3, cs.ChangedFraction, 1e-9)
}

func TestClassify_ChecksumStability(t *testing.T) {
	// Identical content classifies as unchanged across independent scans.
	first := []*scanner.Document{document("a", "same bytes")}
	second := []*scanner.Document{document("a", "same bytes")}

	cs := Classify(second, ledgerOf(first...), DefaultFullRebuildThreshold, false)
	assert.Equal(t, []string{"a"}, cs.Unchanged)
	assert.Equal(t, first[0].Checksum, second[0].Checksum)
}
