// -----------------------------------------------------------------------
// Post-processing - per-result-set filters applied after aggregation
// -----------------------------------------------------------------------

package engine

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/scrutor/internal/models"
)

// Comparison is one predicate of a post-processing descriptor: a column of
// the result tuple compared against a constant. The SQL compiler emits
// these; the engine only evaluates them.
type Comparison struct {
	Column int         `json:"column"`
	Op     string      `json:"op"` // eq, ne, gt, lt
	Value  interface{} `json:"value"`
}

// PostProcess maps a result-set index to the predicates its lines must
// satisfy. Filters can change between pagination calls while the underlying
// rows do not, which is why replay always applies the caller's current
// descriptor rather than the stored one.
type PostProcess map[int][]Comparison

// DecodePostProcess reads a descriptor back out of a job argument value.
func DecodePostProcess(raw interface{}) (PostProcess, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode post-process descriptor: %w", err)
	}
	var pp PostProcess
	if err := json.Unmarshal(data, &pp); err != nil {
		return nil, fmt.Errorf("failed to decode post-process descriptor: %w", err)
	}
	return pp, nil
}

// Equal reports whether two descriptors select the same lines.
func (p PostProcess) Equal(other PostProcess) bool {
	a, err1 := json.Marshal(p)
	b, err2 := json.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}

// Apply filters the named buckets of a result map in place. Filtering is
// idempotent: lines that already passed pass again.
func (p PostProcess) Apply(m models.ResultMap) {
	for key, preds := range p {
		if key <= 0 || len(preds) == 0 {
			continue
		}
		lines := m.Lines(key)
		if lines == nil {
			continue
		}
		kept := make([]interface{}, 0, len(lines))
		for _, line := range lines {
			if p.keep(line, preds) {
				kept = append(kept, line)
			}
		}
		m.Replace(key, kept)
	}
}

func (p PostProcess) keep(line interface{}, preds []Comparison) bool {
	tuple, ok := line.([]interface{})
	if !ok {
		return true
	}
	for _, pred := range preds {
		if pred.Column < 0 || pred.Column >= len(tuple) {
			return false
		}
		if !compare(tuple[pred.Column], pred.Op, pred.Value) {
			return false
		}
	}
	return true
}

func compare(have interface{}, op string, want interface{}) bool {
	hn, hIsNum := asFloat(have)
	wn, wIsNum := asFloat(want)
	switch op {
	case "eq", "":
		if hIsNum && wIsNum {
			return hn == wn
		}
		return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want)
	case "ne":
		return !compare(have, "eq", want)
	case "gt":
		return hIsNum && wIsNum && hn > wn
	case "lt":
		return hIsNum && wIsNum && hn < wn
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
