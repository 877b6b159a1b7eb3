// -----------------------------------------------------------------------
// Iteration - the serialized state of one step of a logical query
// -----------------------------------------------------------------------

package engine

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/scrutor/internal/models"
)

// Iteration is one step of a logical query: everything needed to run a
// single batch and, from its outcome, synthesize the next step. The whole
// struct travels as the job's argument snapshot, so any process holding the
// job record can continue the search.
type Iteration struct {
	Query     string   `json:"original_query"`
	User      string   `json:"user"`
	Room      string   `json:"room"`
	Corpora   []int    `json:"corpora"`
	Languages []string `json:"languages"`

	SQL           string      `json:"sql"`
	SentencesSQL  string      `json:"sentences_sql,omitempty"`
	MetaSQL       string      `json:"meta_sql,omitempty"`
	PostProcesses PostProcess `json:"post_processes,omitempty"`

	TotalResultsRequested int `json:"total_results_requested"`
	Needed                int `json:"needed"`
	PageSize              int `json:"page_size"`
	Offset                int `json:"offset"`
	TotalResultsSoFar     int `json:"total_results_so_far"`
	CurrentKwicLines      int `json:"current_kwic_lines"`

	Full      bool `json:"full"`
	Sentences bool `json:"sentences"`
	Resume    bool `json:"resume"`

	CurrentBatch *models.Batch    `json:"current_batch"`
	DoneBatches  models.BatchList `json:"done_batches"`
	AllBatches   models.BatchList `json:"all_batches"`

	ExistingResults models.ResultMap `json:"existing_results,omitempty"`

	WordCount     int64   `json:"word_count"`
	TotalDuration float64 `json:"total_duration"`

	// FirstJob anchors the whole logical query; empty until the first batch
	// job exists, whose id then becomes the anchor.
	FirstJob string `json:"first_job,omitempty"`

	ToExport *models.ExportIntent `json:"to_export,omitempty"`

	Debug bool `json:"debug,omitempty"`
}

// NewIteration builds the first step of a fresh logical query against the
// current corpus configuration.
func NewIteration(req *models.QueryRequest, cfg models.AppConfig) (*Iteration, error) {
	req.Normalize()

	batches, err := cfg.QueryBatches(req.Corpora)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("no batches configured for corpora %v", req.Corpora)
	}

	var words int64
	for _, id := range req.Corpora {
		c, ok := cfg.Corpus(id)
		if !ok {
			return nil, fmt.Errorf("unknown corpus: %d", id)
		}
		words += c.WordCount(req.Languages)
	}

	requested := req.TotalResultsRequested
	needed := requested
	if req.Unlimited() {
		needed = -1
	}

	it := &Iteration{
		Query:                 req.Query,
		User:                  req.User,
		Room:                  req.Room,
		Corpora:               req.Corpora,
		Languages:             req.Languages,
		TotalResultsRequested: requested,
		Needed:                needed,
		PageSize:              req.PageSize,
		CurrentKwicLines:      req.CurrentKwicLines,
		Full:                  req.Full,
		Sentences:             req.WantsSentences(),
		Resume:                req.Resume,
		AllBatches:            batches,
		ExistingResults:       models.NewResultMap(),
		WordCount:             words,
	}
	if req.ToExport != "" {
		it.ToExport = &models.ExportIntent{
			Format: req.ToExport,
			User:   req.User,
			Room:   req.Room,
		}
	}
	return it, nil
}

// ResumeFrom rebuilds an iteration from a previous batch job so a new
// request can page further into an already-run search. The caller's window
// parameters win; accumulated state comes from the stored step.
func ResumeFrom(prev *models.Job, req *models.QueryRequest) (*Iteration, error) {
	stored, err := IterationFromJob(prev)
	if err != nil {
		return nil, fmt.Errorf("previous job %s is not a query step: %w", prev.ID, err)
	}
	req.Normalize()

	it := *stored
	it.User = req.User
	it.Room = req.Room
	it.Resume = true
	it.PageSize = req.PageSize
	it.Offset = req.CurrentKwicLines
	it.CurrentKwicLines = req.CurrentKwicLines
	// The anchor tracks how many lines sentence deliveries actually
	// hydrated; a client understating its count cannot dodge the guard.
	if n, ok := prev.GetMetaInt(metaKwicTotal); ok && n > it.CurrentKwicLines {
		it.CurrentKwicLines = n
	}
	if req.Full {
		it.Full = true
		it.Needed = -1
	}
	if soFar, ok := prev.GetMetaInt("total_results_so_far"); ok {
		it.TotalResultsSoFar = soFar
	}
	it.CurrentBatch = nil
	if it.FirstJob == "" {
		it.FirstJob = prev.ID
	}
	return &it, nil
}

// Continuation synthesizes the next step from a published progress payload.
// The payload's done-batch list already includes the batch that just
// finished, so the selector naturally moves on.
func Continuation(msg *models.QueryProgress) *Iteration {
	needed := msg.TotalResultsRequested - msg.TotalResultsSoFar
	if msg.TotalResultsRequested < 0 || msg.Full {
		needed = -1
	}
	return &Iteration{
		Query:                 msg.Query,
		User:                  msg.User,
		Room:                  msg.Room,
		Corpora:               msg.Corpora,
		Languages:             msg.Languages,
		TotalResultsRequested: msg.TotalResultsRequested,
		Needed:                needed,
		PageSize:              msg.PageSize,
		Offset:                msg.Offset,
		TotalResultsSoFar:     msg.TotalResultsSoFar,
		CurrentKwicLines:      msg.CurrentKwicLines,
		Full:                  msg.Full,
		Sentences:             msg.Sentences,
		AllBatches:            msg.AllBatches,
		DoneBatches:           msg.DoneBatches,
		ExistingResults:       msg.FullResult,
		WordCount:             msg.WordCount,
		TotalDuration:         msg.TotalDuration,
		FirstJob:              msg.FirstJob,
		ToExport:              msg.ToExport,
	}
}

// Unlimited reports whether windowing is disabled for this search.
func (it *Iteration) Unlimited() bool {
	return it.Full || it.Needed < 0 || it.TotalResultsRequested < 0
}

// Args serializes the iteration into a job argument snapshot.
func (it *Iteration) Args() (map[string]interface{}, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("failed to encode iteration: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to shape iteration args: %w", err)
	}
	return out, nil
}

// IterationFromJob decodes a job's argument snapshot back into an
// iteration.
func IterationFromJob(job *models.Job) (*Iteration, error) {
	data, err := json.Marshal(job.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to read job args: %w", err)
	}
	var it Iteration
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("failed to decode iteration from job %s: %w", job.ID, err)
	}
	if it.Query == "" && it.SQL == "" {
		return nil, fmt.Errorf("job %s carries no query", job.ID)
	}
	if it.ExistingResults == nil {
		it.ExistingResults = models.NewResultMap()
	}
	return &it, nil
}

// SentenceStep is the argument snapshot of a sentence or meta job: enough
// to locate its parent batch job, the logical query anchor and the window
// the delivery must honor.
type SentenceStep struct {
	User      string `json:"user"`
	Room      string `json:"room"`
	SQL       string `json:"sql"`
	DependsOn string `json:"depends_on"`
	Base      string `json:"base"`

	Offset         int  `json:"offset"`
	Needed         int  `json:"needed"`
	TotalRequested int  `json:"total_results_requested"`
	Full           bool `json:"full"`
	IsMeta         bool `json:"is_meta,omitempty"`
}

// Args serializes the step into a job argument snapshot.
func (s *SentenceStep) Args() (map[string]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sentence step: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to shape sentence args: %w", err)
	}
	return out, nil
}

// SentenceStepFromJob decodes a sentence or meta job's argument snapshot.
func SentenceStepFromJob(job *models.Job) (*SentenceStep, error) {
	data, err := json.Marshal(job.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to read job args: %w", err)
	}
	var s SentenceStep
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode sentence step from job %s: %w", job.ID, err)
	}
	if s.DependsOn == "" {
		return nil, fmt.Errorf("sentence job %s has no parent", job.ID)
	}
	return &s, nil
}
