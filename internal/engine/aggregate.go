// -----------------------------------------------------------------------
// Aggregation - folding raw batch rows into the accumulated result map
// -----------------------------------------------------------------------

package engine

import (
	"fmt"

	"github.com/ternarybob/scrutor/internal/models"
)

// AddSpec carries the window and accounting state one aggregation pass
// needs. The primary callback stores these values in job meta so sentence
// deliveries can rebuild the exact same window later.
type AddSpec struct {
	// SoFar is the number of results accumulated before this batch.
	SoFar int
	// Unlimited disables windowing for full-corpus and background runs.
	Unlimited bool
	// Offset skips this many matches per plain bucket before keeping any.
	Offset int
	// Restart resumes a window mid-bucket: matches below it are skipped.
	// Negative means no restart.
	Restart int
	// TotalRequested caps how many lines a plain bucket may hold overall.
	// Negative means no cap.
	TotalRequested int
	// Kwic selects the hydration pass: plain lines are spliced with their
	// sentence context instead of being counted only.
	Kwic bool
	// Sentences provides segment context for hydration, keyed by segment id.
	Sentences models.SentenceMap
	// ResultSets overrides the descriptor when the caller already knows it,
	// for deliveries whose rows carry no key-0 entry of their own.
	ResultSets []models.ResultSet
}

// AddResults folds one job's raw rows into a fresh result map and returns
// it together with the number of matches seen in the first plain bucket
// before any windowing. That pre-window count is what quota accounting and
// projections use.
func AddResults(lines []models.RawLine, spec AddSpec) (models.ResultMap, int, error) {
	bundle := models.NewResultMap()
	counts := make(map[int]int)

	kwics := models.KwicIndices(spec.ResultSets)
	if len(spec.ResultSets) > 0 {
		bundle.SetDescriptor(descriptorValue(spec.ResultSets))
	}

	for _, line := range lines {
		key := line.Key

		if key == models.ResultKeyDescriptor {
			sets, ok := descriptorSets(line.Data)
			if ok && len(kwics) == 0 {
				kwics = models.KwicIndices(sets)
			}
			bundle.SetDescriptor(line.Data)
			continue
		}
		if key < 0 {
			bundle[key] = line.Data
			continue
		}

		_, isKwic := kwics[key]
		if isKwic {
			counts[key]++
		}

		if !spec.Kwic {
			if !isKwic {
				bundle.Append(key, line.Data)
			}
			continue
		}

		// Hydration pass: only plain buckets carry per-segment context.
		if !isKwic {
			continue
		}
		if !spec.Unlimited && spec.Offset > 0 && counts[key] <= spec.Offset {
			continue
		}
		if spec.Restart >= 0 && counts[key] <= spec.Restart {
			continue
		}
		if !spec.Unlimited && spec.TotalRequested >= 0 &&
			spec.SoFar+len(bundle.Lines(key)) >= spec.TotalRequested {
			continue
		}
		bundle.Append(key, hydrateLine(line.Data, spec.Sentences))
	}

	truncated := false
	if spec.TotalRequested > 0 && !spec.Unlimited {
		for key := range kwics {
			if len(bundle.Lines(key)) > spec.TotalRequested {
				bundle.Truncate(key, spec.TotalRequested)
				truncated = true
			}
		}
	}

	nResults := counts[firstKwicIndex(kwics)]
	if truncated {
		nResults = spec.TotalRequested
	}
	return bundle, nResults, nil
}

// UnionResults folds a per-batch bundle into the running accumulation.
// The descriptor keeps its first value, plain buckets extend, everything
// else is replaced by the newer batch's computation.
func UnionResults(base, addition models.ResultMap) models.ResultMap {
	if base == nil {
		base = models.NewResultMap()
	}
	kwics := unionKwics(base, addition)
	for key, value := range addition {
		if key == models.ResultKeyDescriptor {
			base.SetDescriptor(value)
			continue
		}
		if _, plain := kwics[key]; plain {
			base[key] = append(base.Lines(key), addition.Lines(key)...)
			continue
		}
		base[key] = value
	}
	return base
}

func unionKwics(base, addition models.ResultMap) map[int]struct{} {
	if sets, ok := base.Descriptor(); ok {
		return models.KwicIndices(sets)
	}
	if sets, ok := addition.Descriptor(); ok {
		return models.KwicIndices(sets)
	}
	return nil
}

// hydrateLine splices sentence context into a plain line: the segment id
// stays first, its sentence content follows, then the rest of the original
// tuple. Lines whose segment has not been delivered yet pass through
// unchanged so partial deliveries still render.
func hydrateLine(data interface{}, sents models.SentenceMap) interface{} {
	tuple, ok := data.([]interface{})
	if !ok || len(tuple) == 0 || len(sents) == 0 {
		return data
	}
	seg := fmt.Sprintf("%v", tuple[0])
	content, ok := sents[seg]
	if !ok {
		return data
	}
	out := make([]interface{}, 0, len(tuple)+1)
	out = append(out, tuple[0])
	if parts, ok := content.([]interface{}); ok {
		out = append(out, parts...)
	} else {
		out = append(out, content)
	}
	out = append(out, tuple[1:]...)
	return out
}

func firstKwicIndex(kwics map[int]struct{}) int {
	first := -1
	for k := range kwics {
		if first == -1 || k < first {
			first = k
		}
	}
	return first
}

func descriptorSets(raw interface{}) ([]models.ResultSet, bool) {
	probe := models.ResultMap{models.ResultKeyDescriptor: raw}
	return probe.Descriptor()
}

func descriptorValue(sets []models.ResultSet) interface{} {
	out := make([]interface{}, len(sets))
	for i, rs := range sets {
		out[i] = map[string]interface{}{"name": rs.Name, "type": rs.Type}
	}
	return map[string]interface{}{"result_sets": out}
}
