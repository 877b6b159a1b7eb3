// -----------------------------------------------------------------------
// Batch selection - which partition the next iteration should search
// -----------------------------------------------------------------------

package engine

import (
	"github.com/ternarybob/scrutor/internal/models"
)

// projectionBuffer inflates the quota a density projection must clear, so
// a batch is only picked as "probably enough" with ten percent headroom.
const projectionBuffer = 1.1

// fastPathThreshold is the accumulated-results floor below which the
// engine stops projecting and just takes the next smallest batch.
const fastPathThreshold = 25

// Selection is the outcome of one batch decision.
type Selection struct {
	Batch *models.Batch
	// NoMoreData is set when the universe is exhausted, or when a resumption
	// re-runs the final batch of an already finished search.
	NoMoreData bool
}

// SelectorInput is everything a batch decision depends on. The function is
// pure: same input, same batch, regardless of timing or concurrency.
type SelectorInput struct {
	All  models.BatchList
	Done models.BatchList
	// Resume asks for the last searched batch again to page further into it.
	Resume bool
	// SoFar counts results accumulated before this decision.
	SoFar int
	// Needed is how many more results the quota wants; negative is unlimited.
	Needed int
	// PageSize bounds the fast path: below min(PageSize, 25) accumulated
	// results, projections are skipped.
	PageSize int
	// Full forces exhaustive iteration over every batch.
	Full bool
}

// DecideBatch picks the partition the next iteration should search.
//
// The policy, in priority order: a resumption re-runs the batch it stopped
// in; a fresh search starts with the `rest` batch when one exists, else the
// smallest; unlimited searches walk remaining batches smallest first; a
// quota-bound search takes the smallest remaining batch until enough results
// exist to project density, then prefers the first batch whose projected
// yield covers the remaining quota with headroom.
func DecideBatch(in SelectorInput) Selection {
	if len(in.All) == 0 {
		return Selection{NoMoreData: true}
	}

	if in.Resume && len(in.Done) > 0 {
		last := in.Done[len(in.Done)-1]
		return Selection{
			Batch:      &last,
			NoMoreData: len(in.Done) >= len(in.All),
		}
	}

	if len(in.Done) >= len(in.All) {
		return Selection{NoMoreData: true}
	}

	if len(in.All) == 1 {
		only := in.All[0]
		return Selection{Batch: &only}
	}

	if len(in.Done) == 0 {
		if rest, ok := in.All.Rest(); ok {
			return Selection{Batch: &rest}
		}
		first := in.All[0]
		return Selection{Batch: &first}
	}

	searched := in.Done.TotalRows()
	var fallback *models.Batch
	for i := range in.All {
		batch := in.All[i]
		if in.Done.Contains(batch) {
			continue
		}
		if fallback == nil {
			b := batch
			fallback = &b
		}
		if in.Full || in.Needed < 0 {
			return Selection{Batch: &batch}
		}
		if in.PageSize > 0 && in.SoFar < min(in.PageSize, fastPathThreshold) {
			return Selection{Batch: &batch}
		}
		if searched > 0 {
			density := float64(in.SoFar) / float64(searched)
			projected := float64(batch.RowCount) * density
			if projected >= float64(in.Needed)*projectionBuffer {
				return Selection{Batch: &batch}
			}
		}
	}

	// No remaining batch projects enough on its own; widen with the
	// smallest one anyway.
	return Selection{Batch: fallback}
}
