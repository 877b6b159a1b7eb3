package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// CorpusConfig describes one searchable corpus: where its partitions live,
// how large they are, and how many tokens it holds per language. The map of
// all corpora is cached under the `app_config` key and refreshed by the
// internal config job.
type CorpusConfig struct {
	ID          int              `json:"corpus_id"`
	ShortName   string           `json:"shortname"`
	Schema      string           `json:"schema_path"`
	Batches     map[string]int64 `json:"_batches"`     // batch name -> approximate row count
	TokenCounts map[string]int64 `json:"token_counts"` // per-language token totals
	Languages   []string         `json:"languages,omitempty"`
	Segment     string           `json:"segment,omitempty"` // name of the segment layer, default "segment"
}

// SegmentName returns the segment layer used for sentence and meta lookups.
func (c *CorpusConfig) SegmentName() string {
	if c.Segment == "" {
		return "segment"
	}
	return c.Segment
}

// WordCount sums the token counts of the requested languages, or of every
// language when none are named.
func (c *CorpusConfig) WordCount(languages []string) int64 {
	if len(languages) == 0 {
		var total int64
		for _, n := range c.TokenCounts {
			total += n
		}
		return total
	}
	var total int64
	for _, lang := range languages {
		if n, ok := c.TokenCounts[lang]; ok {
			total += n
		}
	}
	if total == 0 {
		for _, n := range c.TokenCounts {
			total += n
		}
	}
	return total
}

// BatchList expands the corpus's batch table into sorted Batch values.
func (c *CorpusConfig) BatchList() BatchList {
	out := make(BatchList, 0, len(c.Batches))
	for name, count := range c.Batches {
		out = append(out, Batch{
			CorpusID: c.ID,
			Schema:   c.Schema,
			Name:     name,
			RowCount: count,
		})
	}
	out.Sort()
	return out
}

// AppConfig is the corpus-id keyed configuration map shared through the
// cache between the server and its workers.
type AppConfig map[int]*CorpusConfig

// Corpus looks a corpus up by id.
func (a AppConfig) Corpus(id int) (*CorpusConfig, bool) {
	c, ok := a[id]
	return c, ok
}

// QueryBatches resolves the batch universe for a set of corpora. Unknown
// corpus ids are an error; the result is in selection order across all
// requested corpora.
func (a AppConfig) QueryBatches(corpora []int) (BatchList, error) {
	var out BatchList
	for _, id := range corpora {
		c, ok := a[id]
		if !ok {
			return nil, fmt.Errorf("unknown corpus: %d", id)
		}
		out = append(out, c.BatchList()...)
	}
	out.Sort()
	return out, nil
}

// CorpusIDs returns the configured corpus ids in ascending order.
func (a AppConfig) CorpusIDs() []int {
	ids := make([]int, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// MarshalJSON keeps the wire form keyed by the corpus id as a string, the
// shape clients and workers already consume.
func (a AppConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]*CorpusConfig, len(a))
	for id, c := range a {
		m[strconv.Itoa(id)] = c
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the string-keyed wire form.
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	var m map[string]*CorpusConfig
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(AppConfig, len(m))
	for key, c := range m {
		id, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("corpus config key %q is not an id: %w", key, err)
		}
		if c.ID == 0 {
			c.ID = id
		}
		out[id] = c
	}
	*a = out
	return nil
}
