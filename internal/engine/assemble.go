// -----------------------------------------------------------------------
// Assembly - rebuilding a logical query's full hydrated result from the
// registry alone
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"fmt"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/models"
)

// Assembly is the complete view of a logical query across every finished
// batch: plain lines hydrated with their sentence context, non-plain
// buckets as the last batch left them.
type Assembly struct {
	Result    models.ResultMap
	Sentences models.SentenceMap
	Meta      models.SentenceMap
	Total     int
}

// AssembleFull walks the anchor job's batch trail and folds every finished
// batch into one hydrated result map. Exports run off this; no process
// state is involved, so it works long after the query finished.
func AssembleFull(ctx context.Context, store *cache.Cache, firstJob string) (*Assembly, error) {
	anchor, err := store.GetJob(ctx, firstJob)
	if err != nil {
		return nil, fmt.Errorf("query %s is no longer in the registry: %w", firstJob, err)
	}

	trail, _ := anchor.GetMetaStringSlice(metaQueryJobs)
	if len(trail) == 0 {
		trail = []string{anchor.ID}
	}
	sentences := contextMapFromMeta(anchor.Meta[metaSentences])
	metaRows := contextMapFromMeta(anchor.Meta[metaMetaRows])

	out := models.NewResultMap()
	total := 0
	for _, id := range trail {
		job := anchor
		if id != anchor.ID {
			job, err = store.GetJob(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("batch job %s of query %s: %w", id, firstJob, err)
			}
		}
		if job.Status != models.JobStatusFinished {
			continue
		}

		lines, err := models.DecodeRawResult(job.Result)
		if err != nil {
			return nil, fmt.Errorf("batch job %s: %w", id, err)
		}
		bundle, matches, err := AddResults(lines, AddSpec{
			Unlimited:      true,
			Restart:        -1,
			TotalRequested: -1,
			Kwic:           true,
			Sentences:      sentences,
		})
		if err != nil {
			return nil, fmt.Errorf("batch job %s: %w", id, err)
		}
		out = UnionResults(out, bundle)
		total += matches
	}

	return &Assembly{
		Result:    out,
		Sentences: sentences,
		Meta:      metaRows,
		Total:     total,
	}, nil
}
