// -----------------------------------------------------------------------
// Batch - one physical partition of a corpus
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"sort"
	"strings"
)

// Batch identifies one partition of a corpus. Corpora are pre-split into
// size-sorted batches so the engine can query small slices first and widen
// only when the accumulated results fall short of the requested total.
type Batch struct {
	CorpusID int    `json:"corpus_id"`
	Schema   string `json:"schema"`
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

// Key returns the stable identity used in done-batch bookkeeping and
// wire payloads.
func (b Batch) Key() string {
	return fmt.Sprintf("%d/%s/%s", b.CorpusID, b.Schema, b.Name)
}

// IsRest reports whether this is the leftover batch that holds everything
// not covered by the numbered partitions. It sorts after every sized batch.
func (b Batch) IsRest() bool {
	return strings.HasSuffix(b.Name, "rest")
}

func (b Batch) String() string {
	return fmt.Sprintf("%s (%d rows)", b.Key(), b.RowCount)
}

// BatchList is the batch universe of a logical query, kept in selection
// order: ascending row count, `rest` batches last, name as tie-break.
type BatchList []Batch

// Sort orders the list in place into selection order.
func (l BatchList) Sort() {
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].IsRest() != l[j].IsRest() {
			return !l[i].IsRest()
		}
		if l[i].RowCount != l[j].RowCount {
			return l[i].RowCount < l[j].RowCount
		}
		return l[i].Name < l[j].Name
	})
}

// Contains reports whether the list holds a batch with the same key.
func (l BatchList) Contains(b Batch) bool {
	for _, x := range l {
		if x.Key() == b.Key() {
			return true
		}
	}
	return false
}

// TotalRows sums the approximate row counts of every batch in the list,
// counting each key once.
func (l BatchList) TotalRows() int64 {
	seen := make(map[string]struct{}, len(l))
	var total int64
	for _, b := range l {
		if _, ok := seen[b.Key()]; ok {
			continue
		}
		seen[b.Key()] = struct{}{}
		total += b.RowCount
	}
	return total
}

// Rest returns the leftover batch when the universe has one.
func (l BatchList) Rest() (Batch, bool) {
	for _, b := range l {
		if b.IsRest() {
			return b, true
		}
	}
	return Batch{}, false
}
