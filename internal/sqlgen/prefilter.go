// -----------------------------------------------------------------------
// Prefilters - the full-text-vector gate and term normalisation
// -----------------------------------------------------------------------

package sqlgen

import (
	"fmt"
	"strings"

	"github.com/ternarybob/scrutor/internal/models"
)

// PrefilterGate renders the full-text-vector sub-select that narrows a
// batch to segments whose indexed vector can still match. Terms are
// tsquery fragments shipped by the external compiler; they are AND-joined
// into one condition against the batch's fts_vector table. The fragment
// ends in AS so the caller's statement names the derived table. No terms
// means no gate.
func PrefilterGate(corpus *models.CorpusConfig, batch models.Batch, languages []string, terms []string) string {
	joined := strings.TrimSpace(strings.Join(terms, " & "))
	if joined == "" {
		return ""
	}
	vector := fmt.Sprintf("fts_vector%s%s", langSuffix(corpus, languages), batchNumber(batch.Name))
	return fmt.Sprintf(
		"(SELECT %s_id FROM %s.%s vec WHERE vec.vector @@ E'%s') AS",
		corpus.SegmentName(), corpus.Schema, vector,
		strings.ReplaceAll(joined, "'", "''"),
	)
}

// batchNumber extracts the numeric suffix that names a batch's vector
// table. The catch-all partition has no number and maps to "rest".
func batchNumber(name string) string {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return "rest"
	}
	return name[i:]
}

// NormalizePrefilters drops terms that are substrings of longer terms: a
// row matching "preprocessing" necessarily matches "process", so the
// shorter term adds nothing to the filter. Order of survivors follows the
// input; comparison ignores case.
func NormalizePrefilters(terms []string) []string {
	cleaned := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}

	out := make([]string, 0, len(cleaned))
	for i, t := range cleaned {
		redundant := false
		for j, other := range cleaned {
			if i == j {
				continue
			}
			lt, lo := strings.ToLower(t), strings.ToLower(other)
			if len(lt) < len(lo) && strings.Contains(lo, lt) {
				redundant = true
				break
			}
			// Exact duplicates keep only their first occurrence.
			if lt == lo && j < i {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, t)
		}
	}
	return out
}
