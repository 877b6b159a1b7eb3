// -----------------------------------------------------------------------
// Submitter - fingerprint leasing in front of the queues
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/fingerprint"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

// Submitter sits between the engine and the queues. Every submission is a
// lookup first: the job id is the fingerprint of its SQL, so identical work
// lands on the same record, and a finished record is replayed in process
// instead of being run again.
type Submitter struct {
	store     *cache.Cache
	manager   *queue.Manager
	callbacks *Callbacks
	cfg       *common.Config
	logger    arbor.ILogger
}

// NewSubmitter wires the submitter to the shared store and queues.
func NewSubmitter(store *cache.Cache, manager *queue.Manager, callbacks *Callbacks, cfg *common.Config, logger arbor.ILogger) *Submitter {
	return &Submitter{
		store:     store,
		manager:   manager,
		callbacks: callbacks,
		cfg:       cfg,
		logger:    logger,
	}
}

// SubmitQuery submits one batch query. The returned flag reports a cache
// replay: the record was already finished and its callback re-ran locally
// with the iteration's current identity and filters.
func (s *Submitter) SubmitQuery(ctx context.Context, it *Iteration) (*models.Job, bool, error) {
	if it.SQL == "" {
		return nil, false, fmt.Errorf("iteration has no compiled SQL")
	}
	fp := fingerprint.Query(it.SQL)
	if it.FirstJob == "" {
		it.FirstJob = fp
	}

	if s.store.Enabled() {
		existing, err := s.store.GetJob(ctx, fp)
		switch {
		case err == nil && existing.Status == models.JobStatusFinished:
			s.store.RefreshTTL(ctx, fp)
			s.logger.Info().Str("job", fp).Msg("Query served from fingerprint cache")
			if err := s.callbacks.ReplayQuery(ctx, existing, it); err != nil {
				return nil, false, fmt.Errorf("replay of %s failed: %w", fp, err)
			}
			return existing, true, nil
		case err == nil && !existing.IsTerminal():
			// Same work already in flight; attach to it.
			s.store.RefreshTTL(ctx, fp)
			return existing, false, nil
		case err != nil && !errors.Is(err, cache.ErrCacheMiss):
			return nil, false, err
		}
	}

	args, err := it.Args()
	if err != nil {
		return nil, false, err
	}

	queueName := models.QueueQuery
	if it.Full || it.ToExport != nil {
		queueName = models.QueueBackground
	}

	job := models.NewJob(fp, models.JobKindQuery, queueName, args)
	job.OnSuccess = models.JobKindQuery
	job.OnFailure = "failure"
	job.TimeoutSeconds = s.cfg.QueryTimeout(it.Full || it.ToExport != nil)
	job.ResultTTLSeconds = s.cfg.Query.TTLSeconds

	job, enqueued, err := s.manager.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if enqueued {
		s.appendTrail(ctx, it.FirstJob, metaQueryJobs, job.ID)
		s.logger.Info().
			Str("job", job.ID).
			Str("queue", queueName).
			Str("batch", batchName(it.CurrentBatch)).
			Msg("Query batch enqueued")
	}
	return job, false, nil
}

// SubmitContext submits the sentence or metadata job that hydrates one
// batch's matches. The fingerprint covers the SQL, the parent identity and
// the resolved window, so a different page of the same parent is different
// work.
func (s *Submitter) SubmitContext(ctx context.Context, it *Iteration, parent *models.Job, isMeta bool) (*models.Job, bool, error) {
	sql := it.SentencesSQL
	kind := models.JobKindSentences
	fpFn := fingerprint.Sentences
	if isMeta {
		sql = it.MetaSQL
		kind = models.JobKindMeta
		fpFn = fingerprint.Meta
	}
	if sql == "" {
		return nil, false, nil
	}

	fp := fpFn(sql, parent.ID, it.Offset, it.Needed, it.Full)

	if s.store.Enabled() {
		existing, err := s.store.GetJob(ctx, fp)
		switch {
		case err == nil && existing.Status == models.JobStatusFinished:
			s.store.RefreshTTL(ctx, fp, parent.ID)
			s.logger.Info().Str("job", fp).Str("kind", kind).Msg("Context served from fingerprint cache")
			if err := s.callbacks.ReplaySentences(ctx, existing, it.User, it.Room, isMeta); err != nil {
				return nil, false, fmt.Errorf("replay of %s failed: %w", fp, err)
			}
			return existing, true, nil
		case err == nil && !existing.IsTerminal():
			s.store.RefreshTTL(ctx, fp)
			return existing, false, nil
		case err != nil && !errors.Is(err, cache.ErrCacheMiss):
			return nil, false, err
		}
	}

	step := &SentenceStep{
		User:           it.User,
		Room:           it.Room,
		SQL:            sql,
		DependsOn:      parent.ID,
		Base:           it.FirstJob,
		Offset:         it.Offset,
		Needed:         it.Needed,
		TotalRequested: it.TotalResultsRequested,
		Full:           it.Full,
		IsMeta:         isMeta,
	}
	args, err := step.Args()
	if err != nil {
		return nil, false, err
	}

	job := models.NewJob(fp, kind, parent.Queue, args)
	job.DependsOn = parent.ID
	job.OnSuccess = kind
	job.OnFailure = "failure"
	job.TimeoutSeconds = s.cfg.QueryTimeout(it.Full)
	job.ResultTTLSeconds = s.cfg.Query.TTLSeconds

	job, enqueued, err := s.manager.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if enqueued {
		trailKey := metaSentJobs
		if isMeta {
			trailKey = metaMetaJobs
		}
		s.appendTrail(ctx, it.FirstJob, trailKey, job.ID)
		s.logger.Debug().
			Str("job", job.ID).
			Str("kind", kind).
			Str("parent", parent.ID).
			Msg("Context job enqueued")
	}
	return job, false, nil
}

// SubmitConfig schedules a corpus configuration refresh on the internal
// queue.
func (s *Submitter) SubmitConfig(ctx context.Context) (*models.Job, error) {
	job := models.NewJob(fmt.Sprintf("config-%d", configEpoch()), models.JobKindConfig, models.QueueInternal, map[string]interface{}{
		"sql": CorpusConfigSQL,
	})
	job.OnSuccess = models.JobKindConfig
	job.OnFailure = "failure"
	job.TimeoutSeconds = s.cfg.Query.TimeoutSeconds

	job, _, err := s.manager.Enqueue(ctx, job)
	return job, err
}

// appendTrail records a job id on the anchor job's bookkeeping list so
// cancellation and exports can find every piece of a logical query.
func (s *Submitter) appendTrail(ctx context.Context, anchorID, key, jobID string) {
	if anchorID == "" {
		return
	}
	anchor, err := s.store.GetJob(ctx, anchorID)
	if err != nil {
		// First batch: the anchor record is the job itself and may not be
		// written yet. The trail starts with the next batch.
		return
	}
	trail, _ := anchor.GetMetaStringSlice(key)
	for _, id := range trail {
		if id == jobID {
			return
		}
	}
	anchor.SetMeta(key, append(trail, jobID))
	if err := s.store.SaveJob(ctx, anchor); err != nil {
		s.logger.Warn().Err(err).Str("job", anchorID).Msg("Failed to record job trail")
	}
}

func batchName(b *models.Batch) string {
	if b == nil {
		return ""
	}
	return b.Key()
}
