// -----------------------------------------------------------------------
// Controller - the lifecycle of a logical query
// -----------------------------------------------------------------------

// Package engine drives logical queries over partitioned corpora: batch
// selection, aggregation, fingerprint-leased submission and the callbacks
// that publish every step's outcome.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

// Refusal errors: the iteration was rejected synchronously, before any job
// existed. Both also go out over pub/sub so websocket clients hear them.
var (
	ErrKwicLimit = errors.New("kwic line limit reached; fetch delivered pages instead")
	ErrNoBatch   = errors.New("batch universe exhausted")
)

var validate = validator.New()

// Controller owns the lifecycle of logical queries: building iterations
// from requests or continuations, running one step, and killing the whole
// chain on demand. One iteration of a logical query runs at a time; the
// next one is synthesized only from the published outcome of the previous.
type Controller struct {
	store     *cache.Cache
	manager   *queue.Manager
	submitter *Submitter
	generator Generator
	canceled  *CanceledSet
	cfg       *common.Config
	logger    arbor.ILogger
}

// NewController wires the engine front door.
func NewController(store *cache.Cache, manager *queue.Manager, submitter *Submitter, generator Generator, cfg *common.Config, logger arbor.ILogger) *Controller {
	return &Controller{
		store:     store,
		manager:   manager,
		submitter: submitter,
		generator: generator,
		canceled:  NewCanceledSet(),
		cfg:       cfg,
		logger:    logger,
	}
}

// FromRequest validates a client request and builds its first iteration,
// or a resumption of a previous one.
func (c *Controller) FromRequest(ctx context.Context, req *models.QueryRequest) (*Iteration, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid query request: %w", err)
	}

	if req.Resume && req.Previous != "" {
		prev, err := c.store.GetJob(ctx, req.Previous)
		if err != nil {
			return nil, fmt.Errorf("previous job %s not found: %w", req.Previous, err)
		}
		it, err := ResumeFrom(prev, req)
		if err != nil {
			return nil, err
		}
		it.Debug = c.cfg.Debug
		return it, nil
	}

	conf, err := c.AppConfig(ctx)
	if err != nil {
		return nil, err
	}
	it, err := NewIteration(req, conf)
	if err != nil {
		return nil, err
	}
	it.Debug = c.cfg.Debug
	return it, nil
}

// FromContinuation synthesizes the next iteration from a published
// progress payload. Canceled queries produce nothing.
func (c *Controller) FromContinuation(msg *models.QueryProgress) (*Iteration, bool) {
	if c.canceled.Contains(msg.FirstJob, msg.Job) {
		return nil, false
	}
	return Continuation(msg), true
}

// Run executes one iteration: pick a batch, compile, submit the primary
// job and its context jobs. Refusals are published before they return.
func (c *Controller) Run(ctx context.Context, it *Iteration) (*models.Job, error) {
	if !it.Full && c.cfg.Query.MaxKwicLines > 0 && it.CurrentKwicLines >= c.cfg.Query.MaxKwicLines {
		c.refuse(ctx, it, models.ActionKwicLimit, ErrKwicLimit.Error())
		return nil, ErrKwicLimit
	}

	sel := DecideBatch(SelectorInput{
		All:      it.AllBatches,
		Done:     it.DoneBatches,
		Resume:   it.Resume,
		SoFar:    it.TotalResultsSoFar,
		Needed:   it.Needed,
		PageSize: it.PageSize,
		Full:     it.Full,
	})
	if sel.Batch == nil {
		c.refuse(ctx, it, models.ActionNoBatch, ErrNoBatch.Error())
		return nil, ErrNoBatch
	}
	it.CurrentBatch = sel.Batch

	conf, err := c.AppConfig(ctx)
	if err != nil {
		return nil, err
	}
	corpus, ok := conf.Corpus(sel.Batch.CorpusID)
	if !ok {
		return nil, fmt.Errorf("batch %s references unknown corpus %d", sel.Batch.Key(), sel.Batch.CorpusID)
	}

	compiled, err := c.generator.Compile(ctx, it.Query, corpus, *sel.Batch, it.Languages)
	if err != nil {
		return nil, fmt.Errorf("query compilation failed: %w", err)
	}
	it.SQL = compiled.SQL
	it.SentencesSQL = compiled.SentencesSQL
	it.MetaSQL = compiled.MetaSQL
	it.PostProcesses = compiled.PostProcesses
	if it.ExistingResults == nil {
		it.ExistingResults = models.NewResultMap()
	}
	if _, ok := it.ExistingResults.Descriptor(); !ok && len(compiled.ResultSets) > 0 {
		it.ExistingResults.SetDescriptor(descriptorValue(compiled.ResultSets))
	}

	job, fromCache, err := c.submitter.SubmitQuery(ctx, it)
	if err != nil {
		return nil, err
	}

	if it.Sentences {
		if _, _, err := c.submitter.SubmitContext(ctx, it, job, false); err != nil {
			c.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to schedule sentence context")
		}
		if _, _, err := c.submitter.SubmitContext(ctx, it, job, true); err != nil {
			c.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to schedule metadata context")
		}
	}

	c.logger.Info().
		Str("job", job.ID).
		Str("batch", sel.Batch.Key()).
		Str("first_job", it.FirstJob).
		Bool("from_cache", fromCache).
		Msg("Iteration submitted")
	return job, nil
}

// Cancel kills a logical query: every batch, sentence and meta job on its
// trail is stopped, and the anchor goes into the canceled set so stray
// progress payloads die at the listener.
func (c *Controller) Cancel(ctx context.Context, firstJob string) error {
	if firstJob == "" {
		return fmt.Errorf("nothing to cancel")
	}
	c.canceled.Add(firstJob)

	ids := []string{firstJob}
	if anchor, err := c.store.GetJob(ctx, firstJob); err == nil {
		for _, key := range []string{metaQueryJobs, metaSentJobs, metaMetaJobs} {
			trail, _ := anchor.GetMetaStringSlice(key)
			ids = append(ids, trail...)
		}
	}

	var firstErr error
	for _, id := range ids {
		c.canceled.Add(id)
		if err := c.manager.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.logger.Info().Str("first_job", firstJob).Int("jobs", len(ids)).Msg("Logical query canceled")
	return firstErr
}

// CancelOwned kills every non-terminal job belonging to a user/room pair.
// Called when the pair's last websocket goes away: whatever they were
// still waiting on has no recipient anymore.
func (c *Controller) CancelOwned(ctx context.Context, user, room string) (int, error) {
	if user == "" {
		return 0, fmt.Errorf("nothing to cancel")
	}

	var owned []string
	err := c.store.ScanJobs(ctx, func(job *models.Job) bool {
		if job.IsTerminal() {
			return true
		}
		jobUser, _ := job.GetArgString("user")
		jobRoom, _ := job.GetArgString("room")
		if jobUser == user && (room == "" || jobRoom == room) {
			owned = append(owned, job.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	var firstErr error
	for _, id := range owned {
		c.canceled.Add(id)
		if stopErr := c.manager.Stop(ctx, id); stopErr != nil && firstErr == nil {
			firstErr = stopErr
		}
	}

	if len(owned) > 0 {
		c.logger.Info().
			Str("user", user).
			Str("room", room).
			Int("jobs", len(owned)).
			Msg("Canceled jobs for disconnected client")
	}
	return len(owned), firstErr
}

// Canceled reports whether any of the ids belongs to a query killed by
// this process.
func (c *Controller) Canceled(ids ...string) bool {
	return c.canceled.Contains(ids...)
}

// AppConfig loads the shared corpus configuration.
func (c *Controller) AppConfig(ctx context.Context) (models.AppConfig, error) {
	conf, err := c.store.AppConfig(ctx)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("corpus configuration not loaded yet")
	}
	return conf, err
}

// refuse publishes a synchronous refusal so websocket clients see it even
// when the triggering request arrived over HTTP.
func (c *Controller) refuse(ctx context.Context, it *Iteration, action, info string) {
	payload := &models.RefusalPayload{
		Status: models.StatusError,
		Action: action,
		User:   it.User,
		Room:   it.Room,
		Info:   info,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.store.PublishProgress(ctx, data); err != nil {
		c.logger.Warn().Err(err).Str("action", action).Msg("Failed to publish refusal")
	}
}
