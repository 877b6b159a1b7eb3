// Package sqlgen turns user queries into the SQL artifacts an iteration
// carries. The real query language lives in an external compiler; this
// package implements the adapter contract: a passthrough for precompiled
// artifacts plus a small term compiler for plain text searches.
package sqlgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/models"
)

// Options tune the compiler.
type Options struct {
	// NormalizePrefilters drops prefilter terms subsumed by longer ones.
	// Off by default: the external compiler's terms are taken as given.
	NormalizePrefilters bool
}

// Compiler implements the engine's generator contract.
type Compiler struct {
	opts   Options
	logger arbor.ILogger
}

// NewCompiler creates the compiler adapter.
func NewCompiler(opts Options, logger arbor.ILogger) *Compiler {
	return &Compiler{opts: opts, logger: logger}
}

// precompiled is the passthrough form: an external front-end has already
// produced the artifacts and ships them as a JSON object. Placeholders
// `{schema}` and `{batch}` are resolved per batch here; `{prefilter}`
// resolves to a derived table of candidate segment ids, gated through the
// batch's fts_vector table whenever prefilter terms are present.
type precompiled struct {
	SQL           string             `json:"sql"`
	SentencesSQL  string             `json:"sentences_sql"`
	MetaSQL       string             `json:"meta_sql"`
	ResultSets    []models.ResultSet `json:"result_sets"`
	PostProcesses engine.PostProcess `json:"post_processes"`
	Prefilters    []string           `json:"prefilters"`
}

// Compile produces the SQL artifacts for one batch. A JSON object with an
// `sql` key is treated as precompiled; anything else is compiled as a
// whitespace-separated term search.
func (c *Compiler) Compile(ctx context.Context, query string, corpus *models.CorpusConfig, batch models.Batch, languages []string) (*engine.Compiled, error) {
	if corpus == nil {
		return nil, fmt.Errorf("corpus is required")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	if strings.HasPrefix(query, "{") {
		return c.compilePre(query, corpus, batch, languages)
	}
	return c.compileTerms(query, corpus, batch, languages)
}

func (c *Compiler) compilePre(query string, corpus *models.CorpusConfig, batch models.Batch, languages []string) (*engine.Compiled, error) {
	var pre precompiled
	if err := json.Unmarshal([]byte(query), &pre); err != nil {
		return nil, fmt.Errorf("malformed precompiled query: %w", err)
	}
	if pre.SQL == "" {
		return nil, fmt.Errorf("precompiled query carries no sql")
	}

	terms := pre.Prefilters
	if c.opts.NormalizePrefilters {
		terms = NormalizePrefilters(terms)
	}
	gate := PrefilterGate(corpus, batch, languages, terms)
	if gate == "" {
		// Without terms the placeholder still has to yield segment ids,
		// so the gate degrades to an ungated scan of the batch.
		gate = fmt.Sprintf("(SELECT %s_id FROM %s.%s) AS", corpus.SegmentName(), corpus.Schema, batch.Name)
	} else {
		c.logger.Debug().
			Str("batch", batch.Name).
			Int("terms", len(terms)).
			Msg("Applying fts prefilter gate")
	}

	expand := strings.NewReplacer(
		"{schema}", corpus.Schema,
		"{batch}", batch.Name,
		"{prefilter}", gate,
	)
	out := &engine.Compiled{
		SQL:           expand.Replace(pre.SQL),
		SentencesSQL:  expand.Replace(pre.SentencesSQL),
		MetaSQL:       expand.Replace(pre.MetaSQL),
		ResultSets:    pre.ResultSets,
		PostProcesses: pre.PostProcesses,
	}
	if out.SentencesSQL == "" {
		out.SentencesSQL = SentencesSQL(corpus, languages)
	}
	if out.MetaSQL == "" {
		out.MetaSQL = MetaSQL(corpus, languages)
	}
	if len(out.ResultSets) == 0 {
		out.ResultSets = defaultResultSets()
	}
	return out, nil
}

// compileTerms builds a token search over the batch partition: rows come
// back in the raw [key, payload] shape the aggregator consumes, with the
// descriptor as row zero.
func (c *Compiler) compileTerms(query string, corpus *models.CorpusConfig, batch models.Batch, languages []string) (*engine.Compiled, error) {
	terms := strings.Fields(query)
	if c.opts.NormalizePrefilters {
		terms = NormalizePrefilters(terms)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("no search terms")
	}

	seg := corpus.SegmentName()
	conds := make([]string, len(terms))
	for i, t := range terms {
		conds[i] = fmt.Sprintf("lower(t.form) = lower('%s')", strings.ReplaceAll(t, "'", "''"))
	}

	sql := fmt.Sprintf(
		"SELECT 0::int2 AS rstype, jsonb_build_object('result_sets', jsonb_build_array(jsonb_build_object('name', 'kwic', 'type', 'plain')))\n"+
			"UNION ALL\n"+
			"SELECT 1::int2 AS rstype, jsonb_build_array(t.%s_id, t.token_id)\n"+
			"FROM %s.%s t\nWHERE %s\nORDER BY 1, 2;",
		seg, corpus.Schema, batch.Name, strings.Join(conds, " OR "),
	)

	return &engine.Compiled{
		SQL:          sql,
		SentencesSQL: SentencesSQL(corpus, languages),
		MetaSQL:      MetaSQL(corpus, languages),
		ResultSets:   defaultResultSets(),
	}, nil
}

func defaultResultSets() []models.ResultSet {
	return []models.ResultSet{{Name: "kwic", Type: models.ResultTypePlain}}
}
