package index

import (
	"sort"

	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/internal/store"
)

// DefaultFullRebuildThreshold is the changed fraction above which a run
// rebuilds everything.
const DefaultFullRebuildThreshold = 0.8

// ChangeSet is the classification of one run. The id slices are sorted
// and disjoint.
type ChangeSet struct {
	New       []string `json:"new"`
	Modified  []string `json:"modified"`
	Unchanged []string `json:"unchanged"`
	Deleted   []string `json:"deleted"`

	// ChangedFraction is (new+modified+deleted) / |scanned ∪ ledger|,
	// computed before a full rebuild folds the sets.
	ChangedFraction float64 `json:"changed_fraction"`
	FullRebuild     bool    `json:"full_rebuild"`

	// Cleared lists the ledger ids whose index content a full rebuild
	// removes before loading. Empty for incremental runs.
	Cleared []string `json:"cleared,omitempty"`
}

// Changed returns the number of ids that need remote work.
func (c *ChangeSet) Changed() int {
	return len(c.New) + len(c.Modified) + len(c.Deleted)
}

// Status returns the classification of id.
func (c *ChangeSet) Status(id string) store.DocumentStatus {
	switch {
	case contains(c.New, id):
		return store.StatusNew
	case contains(c.Modified, id):
		return store.StatusModified
	case contains(c.Deleted, id):
		return store.StatusDeleted
	case contains(c.Unchanged, id):
		return store.StatusUnchanged
	}
	return ""
}

func contains(sorted []string, id string) bool {
	i := sort.SearchStrings(sorted, id)
	return i < len(sorted) && sorted[i] == id
}

// Classify compares a scan against the ledger. A checksum match is proof
// of "unchanged".
//
// The run switches to a full rebuild when force is set or the changed
// fraction is strictly greater than threshold. A full rebuild treats every
// scanned id as new and clears every ledger id first; Deleted keeps the
// ledger-only ids.
func Classify(scanned []*scanner.Document, ledger map[string]*store.DocumentRecord, threshold float64, force bool) *ChangeSet {
	cs := &ChangeSet{
		New:       []string{},
		Modified:  []string{},
		Unchanged: []string{},
		Deleted:   []string{},
	}

	seen := make(map[string]struct{}, len(scanned))
	for _, doc := range scanned {
		seen[doc.ID] = struct{}{}
		rec, ok := ledger[doc.ID]
		switch {
		case !ok:
			cs.New = append(cs.New, doc.ID)
		case rec.Checksum != doc.Checksum:
			cs.Modified = append(cs.Modified, doc.ID)
		default:
			cs.Unchanged = append(cs.Unchanged, doc.ID)
		}
	}

	union := len(seen)
	for id := range ledger {
		if _, ok := seen[id]; !ok {
			cs.Deleted = append(cs.Deleted, id)
			union++
		}
	}

	sort.Strings(cs.New)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Unchanged)
	sort.Strings(cs.Deleted)

	if union > 0 {
		cs.ChangedFraction = float64(cs.Changed()) / float64(union)
	}

	if force || cs.ChangedFraction > threshold {
		cs.FullRebuild = true
		cs.New = append(cs.New, cs.Modified...)
		cs.New = append(cs.New, cs.Unchanged...)
		sort.Strings(cs.New)
		cs.Modified = []string{}
		cs.Unchanged = []string{}

		cs.Cleared = make([]string, 0, len(ledger))
		for id := range ledger {
			cs.Cleared = append(cs.Cleared, id)
		}
		sort.Strings(cs.Cleared)
	}
	return cs
}
