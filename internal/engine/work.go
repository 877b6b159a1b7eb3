// -----------------------------------------------------------------------
// Work functions - what actually runs inside worker processes
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/db"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

// CorpusConfigSQL is the refresh statement behind the config job.
const CorpusConfigSQL = `SELECT corpus_id, shortname, schema_path, token_counts, batches, segment, languages FROM main.corpus WHERE enabled = true;`

// IDPlaceholder marks where context SQL receives the segment ids collected
// from its parent's matches.
const IDPlaceholder = ":ids"

// Work binds the database executor to the job kinds workers run.
type Work struct {
	exec   db.Executor
	store  *cache.Cache
	logger arbor.ILogger
}

// NewWork creates the work function set for a worker process.
func NewWork(exec db.Executor, store *cache.Cache, logger arbor.ILogger) *Work {
	return &Work{exec: exec, store: store, logger: logger}
}

// Register binds every work function to its job kind.
func (w *Work) Register(reg *queue.Registry) error {
	if err := reg.RegisterWork(models.JobKindQuery, w.runQuery); err != nil {
		return err
	}
	if err := reg.RegisterWork(models.JobKindSentences, w.runContext); err != nil {
		return err
	}
	if err := reg.RegisterWork(models.JobKindMeta, w.runContext); err != nil {
		return err
	}
	return reg.RegisterWork(models.JobKindConfig, w.runConfig)
}

// runQuery executes one batch query verbatim.
func (w *Work) runQuery(ctx context.Context, job *models.Job) (interface{}, error) {
	sql, ok := job.GetArgString("sql")
	if !ok || sql == "" {
		return nil, fmt.Errorf("query job %s has no sql", job.ID)
	}
	rows, err := w.exec.Execute(ctx, sql)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// runContext executes a sentence or metadata lookup. The ids it binds come
// from the parent's stored matches, windowed the same way the client sees
// them; a parent that was stopped or canceled interrupts the lookup too.
func (w *Work) runContext(ctx context.Context, job *models.Job) (interface{}, error) {
	step, err := SentenceStepFromJob(job)
	if err != nil {
		return nil, err
	}

	parent, err := w.store.GetJob(ctx, step.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("context job %s lost its parent %s: %w", job.ID, step.DependsOn, err)
	}
	switch parent.Status {
	case models.JobStatusStopped, models.JobStatusCanceled:
		return nil, queue.ErrInterrupted
	case models.JobStatusFinished:
	default:
		return nil, fmt.Errorf("parent %s is %s, not finished", parent.ID, parent.Status)
	}

	ids, err := segmentIDs(parent, step)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return [][]interface{}{}, nil
	}

	sql := strings.Replace(step.SQL, IDPlaceholder, idArrayLiteral(ids), 1)
	rows, err := w.exec.Execute(ctx, sql)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// runConfig refreshes the corpus configuration table.
func (w *Work) runConfig(ctx context.Context, job *models.Job) (interface{}, error) {
	sql, ok := job.GetArgString("sql")
	if !ok || sql == "" {
		sql = CorpusConfigSQL
	}
	rows, err := w.exec.Execute(ctx, sql)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// segmentIDs walks the parent's matches in delivery order and collects the
// distinct segment ids inside the job's window.
func segmentIDs(parent *models.Job, step *SentenceStep) ([]string, error) {
	lines, err := models.DecodeRawResult(parent.Result)
	if err != nil {
		return nil, fmt.Errorf("parent %s: %w", parent.ID, err)
	}

	var kwics map[int]struct{}
	counts := make(map[int]int)
	seen := make(map[string]struct{})
	var ids []string

	for _, line := range lines {
		if line.Key == models.ResultKeyDescriptor {
			if sets, ok := descriptorSets(line.Data); ok {
				kwics = models.KwicIndices(sets)
			}
			continue
		}
		if line.Key <= 0 {
			continue
		}
		if _, plain := kwics[line.Key]; !plain {
			continue
		}
		counts[line.Key]++
		if !step.Full && step.Offset > 0 && counts[line.Key] <= step.Offset {
			continue
		}
		if !step.Full && step.Needed > 0 && counts[line.Key] > step.Offset+step.Needed {
			continue
		}
		tuple, ok := line.Data.([]interface{})
		if !ok || len(tuple) == 0 {
			continue
		}
		seg := fmt.Sprintf("%v", tuple[0])
		if _, dup := seen[seg]; dup {
			continue
		}
		seen[seg] = struct{}{}
		ids = append(ids, seg)
	}
	return ids, nil
}

// idArrayLiteral renders the collected ids as a Postgres array literal.
func idArrayLiteral(ids []string) string {
	var b strings.Builder
	b.WriteString("ARRAY[")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("'")
		b.WriteString(strings.ReplaceAll(id, "'", "''"))
		b.WriteString("'")
	}
	b.WriteString("]")
	return b.String()
}

// ParseCorpusRows shapes the config job's rows into the shared corpus map.
// JSON columns arrive as strings and are decoded in place.
func ParseCorpusRows(raw json.RawMessage) (models.AppConfig, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode corpus rows: %w", err)
	}

	out := make(models.AppConfig, len(rows))
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("corpus row %d is too short", i)
		}
		id, ok := coerceRowInt(row[0])
		if !ok {
			return nil, fmt.Errorf("corpus row %d has no id", i)
		}
		conf := &models.CorpusConfig{ID: id}
		if s, ok := row[1].(string); ok {
			conf.ShortName = s
		}
		if s, ok := row[2].(string); ok {
			conf.Schema = s
		}
		counts, err := decodeCountMap(row[3])
		if err != nil {
			return nil, fmt.Errorf("corpus row %d token counts: %w", i, err)
		}
		conf.TokenCounts = counts
		batches, err := decodeCountMap(row[4])
		if err != nil {
			return nil, fmt.Errorf("corpus row %d batches: %w", i, err)
		}
		conf.Batches = batches
		if len(row) > 5 {
			if s, ok := row[5].(string); ok {
				conf.Segment = s
			}
		}
		if len(row) > 6 {
			conf.Languages = decodeStringList(row[6])
		}
		out[id] = conf
	}
	return out, nil
}

func decodeCountMap(raw interface{}) (map[string]int64, error) {
	var generic map[string]interface{}
	switch v := raw.(type) {
	case nil:
		return map[string]int64{}, nil
	case string:
		if err := json.Unmarshal([]byte(v), &generic); err != nil {
			return nil, err
		}
	case map[string]interface{}:
		generic = v
	default:
		return nil, fmt.Errorf("unexpected shape %T", raw)
	}

	out := make(map[string]int64, len(generic))
	for k, val := range generic {
		n, ok := coerceRowInt(val)
		if !ok {
			continue
		}
		out[k] = int64(n)
	}
	return out, nil
}

func decodeStringList(raw interface{}) []string {
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
		if v != "" {
			return strings.Split(strings.Trim(v, "{}"), ",")
		}
	}
	return nil
}

func coerceRowInt(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// configEpoch rotates the config job identity hourly so refreshes rerun
// despite idempotent submission.
func configEpoch() int64 {
	return time.Now().UTC().Unix() / 3600
}
