// -----------------------------------------------------------------------
// Callbacks - turning finished jobs into published progress payloads
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

// Meta keys written by callbacks. Everything downstream reads the job
// record, never in-process state, so replays behave like first runs.
const (
	metaStatus        = "_status"
	metaWindow        = "_window"
	metaTotalSoFar    = "total_results_so_far"
	metaHitLimit      = "hit_limit"
	metaLatestStats   = "latest_stats_message"
	metaSentences     = "_sentences"
	metaMetaRows      = "_meta"
	metaLatestContext = "latest_sentences"
	metaAssociated    = "associated"
	metaSentMessages  = "sent_job_ws_messages"
	metaQueryJobs     = "_query_jobs"
	metaSentJobs      = "_sent_jobs"
	metaMetaJobs      = "_meta_jobs"
	metaPercent       = "percentage_done"
	metaKwicResults   = "_kwic"
	metaKwicTotal     = "current_kwic_lines"
)

// Callbacks publish the outcome of finished jobs. They run inside worker
// processes after real work, and inside the server process when a
// fingerprint hit replays a stored result.
type Callbacks struct {
	store  *cache.Cache
	debug  bool
	logger arbor.ILogger
}

// NewCallbacks wires the callback set to the shared store.
func NewCallbacks(store *cache.Cache, debug bool, logger arbor.ILogger) *Callbacks {
	return &Callbacks{store: store, debug: debug, logger: logger}
}

// Register binds every callback under its wire name. Jobs reference these
// names because functions cannot cross the process boundary.
func (c *Callbacks) Register(reg *queue.Registry) error {
	if err := reg.RegisterSuccess(models.JobKindQuery, c.onQuery); err != nil {
		return err
	}
	if err := reg.RegisterSuccess(models.JobKindSentences, c.onSentences); err != nil {
		return err
	}
	if err := reg.RegisterSuccess(models.JobKindMeta, c.onMeta); err != nil {
		return err
	}
	if err := reg.RegisterSuccess(models.JobKindConfig, c.onConfig); err != nil {
		return err
	}
	return reg.RegisterFailure("failure", c.Failure)
}

// replayOverrides carry the current caller's identity and filters into a
// replay: the stored record keeps its original arguments, but the payload
// must go to whoever asked now, filtered the way they ask now.
type replayOverrides struct {
	User          string
	Room          string
	PostProcesses PostProcess
	Offset        int
}

func (c *Callbacks) onQuery(ctx context.Context, job *models.Job, result json.RawMessage) error {
	return c.queryResult(ctx, job, result, nil)
}

// ReplayQuery re-runs the query callback against a cached record on behalf
// of a new iteration. No worker is involved; the stored rows are enough.
func (c *Callbacks) ReplayQuery(ctx context.Context, job *models.Job, it *Iteration) error {
	return c.queryResult(ctx, job, job.Result, &replayOverrides{
		User:          it.User,
		Room:          it.Room,
		PostProcesses: it.PostProcesses,
		Offset:        it.Offset,
	})
}

// queryResult folds one batch's rows into the accumulated result and
// publishes the progress payload that drives both clients and the next
// iteration.
func (c *Callbacks) queryResult(ctx context.Context, job *models.Job, result json.RawMessage, ov *replayOverrides) error {
	it, err := IterationFromJob(job)
	if err != nil {
		return err
	}
	fromMemory := ov != nil
	if ov != nil {
		it.User = ov.User
		it.Room = ov.Room
		it.PostProcesses = ov.PostProcesses
		it.Offset = ov.Offset
	}

	lines, err := models.DecodeRawResult(result)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	unlimited := it.Unlimited()
	spec := AddSpec{
		SoFar:          it.TotalResultsSoFar,
		Unlimited:      unlimited,
		Restart:        -1,
		TotalRequested: it.TotalResultsRequested,
	}
	bundle, batchMatches, err := AddResults(lines, spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	totalFound := it.TotalResultsSoFar + batchMatches
	full := UnionResults(it.ExistingResults.Clone(), bundle)

	done := it.DoneBatches
	if it.CurrentBatch != nil && !done.Contains(*it.CurrentBatch) {
		done = append(done, *it.CurrentBatch)
	}

	status := computeStatus(len(done), len(it.AllBatches), it.TotalResultsRequested, totalFound, unlimited)
	projected, percDone, percWords := project(status, done, it.AllBatches, totalFound, it.TotalResultsRequested)

	hitLimit := 0
	if !unlimited && it.TotalResultsRequested > 0 && totalFound > it.TotalResultsRequested {
		hitLimit = totalFound - it.TotalResultsRequested
	}

	firstJob := it.FirstJob
	if firstJob == "" {
		firstJob = job.ID
	}

	// Sentence deliveries rebuild this exact window later, so it lives in
	// the job record rather than in any process.
	job.SetMeta(metaWindow, map[string]interface{}{
		"so_far":          it.TotalResultsSoFar,
		"unlimited":       unlimited,
		"offset":          it.Offset,
		"restart":         -1,
		"total_requested": it.TotalResultsRequested,
	})
	job.SetMeta(metaStatus, status)
	job.SetMeta(metaTotalSoFar, totalFound)
	job.SetMeta(metaHitLimit, hitLimit)
	job.SetMeta(metaPercent, percDone)

	// The view clients render: current filters, current window.
	view := full.Clone()
	it.PostProcesses.Apply(view)
	if !unlimited && it.TotalResultsRequested > 0 {
		if sets, ok := view.Descriptor(); ok {
			for key := range models.KwicIndices(sets) {
				view.Truncate(key, it.TotalResultsRequested)
			}
		}
	}

	published := totalFound
	if status != models.StatusFinished && it.TotalResultsRequested > 0 && published > it.TotalResultsRequested {
		published = it.TotalResultsRequested
	}

	duration := job.Duration()
	msgID := uuid.NewString()

	payload := &models.QueryProgress{
		Action:                models.ActionQueryResult,
		Status:                status,
		Job:                   job.ID,
		MsgID:                 msgID,
		User:                  it.User,
		Room:                  it.Room,
		Result:                view,
		FullResult:            full,
		Corpora:               it.Corpora,
		Languages:             it.Languages,
		CurrentBatch:          it.CurrentBatch,
		DoneBatches:           done,
		AllBatches:            it.AllBatches,
		TotalResultsRequested: it.TotalResultsRequested,
		TotalResultsSoFar:     published,
		BatchMatches:          batchMatches,
		ProjectedResults:      projected,
		PercentageDone:        percDone,
		PercentageWordsDone:   percWords,
		HitLimit:              hitLimit,
		WordCount:             it.WordCount,
		PageSize:              it.PageSize,
		Offset:                it.Offset,
		Full:                  it.Full,
		Sentences:             it.Sentences,
		CurrentKwicLines:      it.CurrentKwicLines,
		TotalDuration:         it.TotalDuration + duration,
		Duration:              duration,
		FirstJob:              firstJob,
		Query:                 it.Query,
		Resume:                it.Resume,
		FromMemory:            fromMemory,
		ToExport:              it.ToExport,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode progress for %s: %w", job.ID, err)
	}

	if err := c.store.StoreMessage(ctx, msgID, data); err != nil {
		c.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to store progress message")
	}
	job.SetMeta(metaLatestStats, msgID)
	if err := c.store.SaveJob(ctx, job); err != nil {
		c.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to persist callback meta")
	}

	c.logger.Info().
		Str("job", job.ID).
		Str("status", status).
		Int("batch_matches", batchMatches).
		Int("total", totalFound).
		Bool("from_memory", fromMemory).
		Msg("Query batch aggregated")

	return c.store.PublishProgress(ctx, data)
}

func (c *Callbacks) onSentences(ctx context.Context, job *models.Job, result json.RawMessage) error {
	return c.contextResult(ctx, job, result, false, nil)
}

func (c *Callbacks) onMeta(ctx context.Context, job *models.Job, result json.RawMessage) error {
	return c.contextResult(ctx, job, result, true, nil)
}

// ReplaySentences re-runs a sentence or meta callback from a cached record.
func (c *Callbacks) ReplaySentences(ctx context.Context, job *models.Job, user, room string, isMeta bool) error {
	return c.contextResult(ctx, job, job.Result, isMeta, &replayOverrides{User: user, Room: room})
}

// contextResult merges a sentence or metadata delivery into the logical
// query's accumulated context and publishes it. Merging is keyed by segment
// id, so deliveries commute and replays are no-ops beyond the publish.
func (c *Callbacks) contextResult(ctx context.Context, job *models.Job, result json.RawMessage, isMeta bool, ov *replayOverrides) error {
	step, err := SentenceStepFromJob(job)
	if err != nil {
		return err
	}
	user, room := step.User, step.Room
	if ov != nil {
		user, room = ov.User, ov.Room
	}

	depended, err := c.store.GetJob(ctx, step.DependsOn)
	if err != nil {
		return fmt.Errorf("sentence job %s lost its parent %s: %w", job.ID, step.DependsOn, err)
	}

	baseID := step.Base
	if baseID == "" {
		baseID = depended.ID
	}
	base := depended
	if baseID != depended.ID {
		base, err = c.store.GetJob(ctx, baseID)
		if err != nil {
			return fmt.Errorf("sentence job %s lost its anchor %s: %w", job.ID, baseID, err)
		}
	}

	delivered, err := decodeContextRows(result, isMeta)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	metaKey := metaSentences
	if isMeta {
		metaKey = metaMetaRows
	}
	merged := contextMapFromMeta(base.Meta[metaKey])
	merged.Merge(delivered)
	base.SetMeta(metaKey, merged)
	base.SetMeta(metaLatestContext, job.ID)

	// Sentence deliveries are what make match lines displayable: the query
	// callback only counted the plain rows, so the hydrated form is rebuilt
	// here from the parent's stored rows and the accumulated context.
	var hydrated models.ResultMap
	kwicTotal := 0
	if !isMeta {
		hydrated, kwicTotal = c.hydrateWindow(depended, base, merged)
	}

	depended.SetMeta(metaAssociated, job.ID)
	if depended.ID != base.ID {
		if err := c.store.SaveJob(ctx, depended); err != nil {
			c.logger.Warn().Err(err).Str("job", depended.ID).Msg("Failed to record associated context job")
		}
	}

	status, _ := depended.GetMetaString(metaStatus)
	if status == "" {
		status = models.StatusPartial
	}
	var percent float64
	if raw, ok := depended.Meta[metaPercent]; ok {
		if f, ok := raw.(float64); ok {
			percent = f
		}
	}

	action := models.ActionSentences
	if isMeta {
		action = models.ActionMeta
	}
	msgID := uuid.NewString()
	payload := &models.SentenceDelivery{
		Action:  action,
		Status:  status,
		Query:   depended.ID,
		Base:    base.ID,
		User:    user,
		Room:    room,
		MsgID:   msgID,
		Full:    step.Full,
		Percent: percent,
	}
	if isMeta {
		payload.Meta = merged
	} else {
		payload.Sentences = merged
		payload.Result = hydrated
		payload.CurrentKwicLines = kwicTotal
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode delivery for %s: %w", job.ID, err)
	}
	if err := c.store.StoreMessage(ctx, msgID, data); err != nil {
		c.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to store delivery message")
	}

	trail, _ := base.GetMetaStringSlice(metaSentMessages)
	base.SetMeta(metaSentMessages, append(trail, msgID))
	if err := c.store.SaveJob(ctx, base); err != nil {
		c.logger.Warn().Err(err).Str("job", base.ID).Msg("Failed to persist context merge")
	}

	c.logger.Info().
		Str("job", job.ID).
		Str("base", base.ID).
		Str("action", action).
		Int("segments", len(delivered)).
		Msg("Context delivery merged")

	return c.store.PublishProgress(ctx, data)
}

// hydrateWindow rebuilds the parent batch's delivered window with its
// plain lines spliced against the accumulated sentence context, folds it
// into the anchor's running KWIC map and returns that map plus its line
// count. The window comes from the meta the query callback stored, so a
// delivery long after the batch ran renders the same lines.
func (c *Callbacks) hydrateWindow(depended, base *models.Job, sents models.SentenceMap) (models.ResultMap, int) {
	lines, err := models.DecodeRawResult(depended.Result)
	if err != nil || len(lines) == 0 {
		return nil, 0
	}

	spec := windowSpec(depended.Meta[metaWindow])
	spec.Kwic = true
	spec.Sentences = sents

	bundle, _, err := AddResults(lines, spec)
	if err != nil {
		c.logger.Warn().Err(err).Str("job", depended.ID).Msg("Failed to hydrate delivered window")
		return nil, 0
	}

	// Per-batch slots: a replayed delivery replaces its own batch's lines
	// instead of appending them again.
	perBatch := kwicStoreFromMeta(base.Meta[metaKwicResults])
	perBatch[depended.ID] = bundle
	base.SetMeta(metaKwicResults, perBatch)

	trail, _ := base.GetMetaStringSlice(metaQueryJobs)
	if len(trail) == 0 {
		trail = []string{base.ID}
	}
	accumulated := models.NewResultMap()
	onTrail := false
	for _, id := range trail {
		if id == depended.ID {
			onTrail = true
		}
		if m, ok := perBatch[id]; ok {
			accumulated = UnionResults(accumulated, m)
		}
	}
	if !onTrail {
		accumulated = UnionResults(accumulated, bundle)
	}

	total := 0
	for _, key := range accumulated.BucketKeys() {
		total += len(accumulated.Lines(key))
	}
	base.SetMeta(metaKwicTotal, total)
	return accumulated, total
}

// windowSpec rebuilds the AddSpec the query callback ran under from the
// window it stored in job meta.
func windowSpec(raw interface{}) AddSpec {
	spec := AddSpec{Restart: -1, TotalRequested: -1}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return spec
	}
	if n, ok := metaInt(m["so_far"]); ok {
		spec.SoFar = n
	}
	if b, ok := m["unlimited"].(bool); ok {
		spec.Unlimited = b
	}
	if n, ok := metaInt(m["offset"]); ok {
		spec.Offset = n
	}
	if n, ok := metaInt(m["restart"]); ok {
		spec.Restart = n
	}
	if n, ok := metaInt(m["total_requested"]); ok {
		spec.TotalRequested = n
	}
	return spec
}

// kwicStoreFromMeta decodes the per-batch hydrated bundles, accepting both
// the in-process shape and the one that went through a JSON round trip.
func kwicStoreFromMeta(raw interface{}) map[string]models.ResultMap {
	out := make(map[string]models.ResultMap)
	switch v := raw.(type) {
	case map[string]models.ResultMap:
		for k, m := range v {
			out[k] = m
		}
	case map[string]interface{}:
		for k, entry := range v {
			out[k] = resultMapFromMeta(entry)
		}
	}
	return out
}

func resultMapFromMeta(raw interface{}) models.ResultMap {
	switch v := raw.(type) {
	case models.ResultMap:
		return v
	case map[int]interface{}:
		return models.ResultMap(v)
	case map[string]interface{}:
		out := models.NewResultMap()
		for k, val := range v {
			if key, err := strconv.Atoi(k); err == nil {
				out[key] = val
			}
		}
		return out
	}
	return models.NewResultMap()
}

func metaInt(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Failure publishes a terminal failure. Interruptions are user actions and
// stay silent; timeouts get their own action so clients can offer a retry.
func (c *Callbacks) Failure(ctx context.Context, job *models.Job, jobErr error) error {
	if errors.Is(jobErr, queue.ErrInterrupted) {
		return nil
	}

	user, _ := job.GetArgString("user")
	room, _ := job.GetArgString("room")

	payload := &models.FailurePayload{
		Status: models.StatusFailed,
		Action: models.ActionFailed,
		Kind:   job.Kind,
		Value:  jobErr.Error(),
		Job:    job.ID,
		User:   user,
		Room:   room,
	}
	if isTimeout(jobErr) {
		payload.Status = models.StatusTimeout
		payload.Action = models.ActionTimeout
		payload.Timeout = float64(job.TimeoutSeconds)
	}
	if c.debug {
		payload.Traceback = fmt.Sprintf("%+v", jobErr)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.logger.Warn().
		Str("job", job.ID).
		Str("kind", job.Kind).
		Str("status", payload.Status).
		Err(jobErr).
		Msg("Job failure published")

	return c.store.PublishProgress(ctx, data)
}

// onConfig parses the corpus table refresh and republishes the shared
// configuration map.
func (c *Callbacks) onConfig(ctx context.Context, job *models.Job, result json.RawMessage) error {
	conf, err := ParseCorpusRows(result)
	if err != nil {
		return fmt.Errorf("config job %s: %w", job.ID, err)
	}
	if err := c.store.SetAppConfig(ctx, conf); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"action": models.ActionSetConfig,
		"config": conf,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.logger.Info().Int("corpora", len(conf)).Msg("Corpus configuration refreshed")
	return c.store.PublishProgress(ctx, data)
}

// computeStatus applies the terminal rules: finished beats satisfied,
// satisfied requires a quota, anything else is partial.
func computeStatus(doneCount, allCount, requested, totalFound int, unlimited bool) string {
	if allCount > 0 && doneCount >= allCount {
		return models.StatusFinished
	}
	if !unlimited && requested > 0 && totalFound >= requested {
		return models.StatusSatisfied
	}
	return models.StatusPartial
}

// project estimates final counts and completion percentages from the
// density observed so far.
func project(status string, done, all models.BatchList, totalFound, requested int) (int, float64, float64) {
	if status == models.StatusFinished {
		return totalFound, 100, 100
	}

	searched := done.TotalRows()
	universe := all.TotalRows()

	projected := totalFound
	var percWords float64
	if searched > 0 && universe > 0 {
		projected = int(float64(totalFound) * float64(universe) / float64(searched))
		percWords = round3(float64(searched) * 100 / float64(universe))
	}

	var percDone float64
	if requested > 0 {
		covered := totalFound
		if covered > requested {
			covered = requested
		}
		percDone = round3(float64(covered) * 100 / float64(requested))
	} else {
		percDone = percWords
	}
	return projected, percDone, percWords
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// decodeContextRows shapes raw delivery rows into a segment-keyed map.
// Sentence rows lead with the segment id; meta rows lead with their
// reserved result-type marker and carry the segment id second.
func decodeContextRows(raw json.RawMessage, isMeta bool) (models.SentenceMap, error) {
	if len(raw) == 0 {
		return models.SentenceMap{}, nil
	}
	var rows []interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode context rows: %w", err)
	}

	out := make(models.SentenceMap, len(rows))
	for i, row := range rows {
		tuple, ok := row.([]interface{})
		if !ok || len(tuple) < 2 {
			return nil, fmt.Errorf("context row %d is not a tuple", i)
		}
		segIdx := 0
		if isMeta {
			segIdx = 1
		}
		if len(tuple) <= segIdx+1 {
			return nil, fmt.Errorf("context row %d is too short", i)
		}
		seg := fmt.Sprintf("%v", tuple[segIdx])
		out[seg] = tuple[segIdx+1:]
	}
	return out, nil
}

// contextMapFromMeta coerces a stored meta value back into a sentence map.
func contextMapFromMeta(raw interface{}) models.SentenceMap {
	switch v := raw.(type) {
	case models.SentenceMap:
		out := make(models.SentenceMap, len(v))
		out.Merge(v)
		return out
	case map[string]interface{}:
		out := make(models.SentenceMap, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	}
	return models.SentenceMap{}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "deadline exceeded") ||
		strings.Contains(err.Error(), "timeout")
}
