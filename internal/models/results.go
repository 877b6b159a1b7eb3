// -----------------------------------------------------------------------
// Result map - integer-keyed accumulation of query output
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Reserved result-map keys. Positive keys are data buckets aligned 1-based
// with the descriptor's result sets.
const (
	ResultKeyDescriptor  = 0
	ResultKeyDiagnostics = -1
	ResultKeyMetaRows    = -2
)

// Result-set types named by the descriptor. `plain` sets are KWIC-style
// line lists that accumulate across batches; everything else is replaced
// wholesale per batch and recomputed downstream.
const (
	ResultTypePlain = "plain"
)

// ResultSet is one entry of the key-0 descriptor.
type ResultSet struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// KwicIndices returns the 1-based bucket indices whose type is plain.
func KwicIndices(sets []ResultSet) map[int]struct{} {
	out := make(map[int]struct{}, len(sets))
	for i, rs := range sets {
		if rs.Type == ResultTypePlain {
			out[i+1] = struct{}{}
		}
	}
	return out
}

// ResultMap is the accumulated output of a logical query. Key 0 holds the
// descriptor, key -1 diagnostics, positive keys hold line buckets. The
// integer keying survives JSON round-trips (objects keyed by the decimal
// form), which is the shape clients and the cache both use.
type ResultMap map[int]interface{}

// NewResultMap allocates an empty map.
func NewResultMap() ResultMap {
	return make(ResultMap)
}

// Descriptor returns the parsed key-0 result sets.
func (m ResultMap) Descriptor() ([]ResultSet, bool) {
	raw, ok := m[ResultKeyDescriptor]
	if !ok {
		return nil, false
	}
	return parseDescriptor(raw)
}

// SetDescriptor stores the key-0 entry, keeping the first one seen.
func (m ResultMap) SetDescriptor(desc interface{}) {
	if _, exists := m[ResultKeyDescriptor]; !exists {
		m[ResultKeyDescriptor] = desc
	}
}

// Lines returns the bucket under a positive key.
func (m ResultMap) Lines(key int) []interface{} {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	lines, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	return lines
}

// Append adds one line to a bucket.
func (m ResultMap) Append(key int, line interface{}) {
	m[key] = append(m.Lines(key), line)
}

// Replace swaps an entire bucket, the merge rule for non-plain sets.
func (m ResultMap) Replace(key int, lines []interface{}) {
	m[key] = lines
}

// Truncate clamps a bucket to at most n lines.
func (m ResultMap) Truncate(key, n int) {
	lines := m.Lines(key)
	if n >= 0 && len(lines) > n {
		m[key] = lines[:n]
	}
}

// Clone makes a shallow-per-bucket copy; buckets are copied, lines shared.
func (m ResultMap) Clone() ResultMap {
	out := make(ResultMap, len(m))
	for k, v := range m {
		if lines, ok := v.([]interface{}); ok {
			copied := make([]interface{}, len(lines))
			copy(copied, lines)
			out[k] = copied
			continue
		}
		out[k] = v
	}
	return out
}

// BucketKeys returns the positive keys present in the map.
func (m ResultMap) BucketKeys() []int {
	var keys []int
	for k := range m {
		if k > 0 {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	return keys
}

// parseDescriptor accepts both the decoded-JSON form (map with a
// result_sets list) and a bare list of set definitions.
func parseDescriptor(raw interface{}) ([]ResultSet, bool) {
	var list []interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		inner, ok := v["result_sets"].([]interface{})
		if !ok {
			return nil, false
		}
		list = inner
	case []interface{}:
		list = v
	case []ResultSet:
		return v, true
	default:
		return nil, false
	}

	out := make([]ResultSet, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		rs := ResultSet{}
		if name, ok := entry["name"].(string); ok {
			rs.Name = name
		}
		if typ, ok := entry["type"].(string); ok {
			rs.Type = typ
		}
		out = append(out, rs)
	}
	return out, true
}

// RawLine is one row as the database job returns it: a two-element array
// of result-map key and payload.
type RawLine struct {
	Key  int
	Data interface{}
}

// DecodeRawLines parses the JSON-decoded rows of a finished query job.
func DecodeRawLines(rows []interface{}) ([]RawLine, error) {
	out := make([]RawLine, 0, len(rows))
	for i, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) < 2 {
			return nil, fmt.Errorf("row %d: expected [key, payload] pair", i)
		}
		key, ok := coerceInt(pair[0])
		if !ok {
			return nil, fmt.Errorf("row %d: non-integer result key %v", i, pair[0])
		}
		out = append(out, RawLine{Key: key, Data: pair[1]})
	}
	return out, nil
}

// DecodeRawResult parses a stored job result into raw lines.
func DecodeRawResult(raw json.RawMessage) ([]RawLine, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}
	return DecodeRawLines(rows)
}

// SentenceMap holds delivered sentence or meta context keyed by segment id.
// Merges are last-write-wins per segment, which makes delivery order
// irrelevant: the same segment always carries the same content.
type SentenceMap map[string]interface{}

// Merge folds another delivery into the map.
func (s SentenceMap) Merge(other SentenceMap) {
	for k, v := range other {
		s[k] = v
	}
}
