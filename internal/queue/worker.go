// -----------------------------------------------------------------------
// Worker pool - pulls jobs off the queues and runs registered work
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/models"
)

// WorkerOptions tunes the pool.
type WorkerOptions struct {
	// Concurrency bounds simultaneously running jobs.
	Concurrency int

	// Queues are polled together; the first non-empty one wins.
	Queues []string

	// ReceiveTimeout bounds each blocking poll so shutdown stays prompt.
	ReceiveTimeout time.Duration

	// CallbackTimeout bounds each success or failure callback run.
	CallbackTimeout time.Duration
}

func (o *WorkerOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if len(o.Queues) == 0 {
		o.Queues = []string{models.QueueQuery, models.QueueBackground, models.QueueInternal}
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = 2 * time.Second
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = 60 * time.Second
	}
}

// WorkerPool pulls jobs off the queues and runs their registered work
// functions, then their callbacks. Stop commands arriving on the control
// channel cancel the matching job context with ErrInterrupted.
type WorkerPool struct {
	manager  *Manager
	registry *Registry
	store    *cache.Cache
	logger   arbor.ILogger
	opts     WorkerOptions

	pool pond.Pool
	sem  chan struct{}

	running map[string]context.CancelCauseFunc
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool over the shared queues.
func NewWorkerPool(manager *Manager, registry *Registry, store *cache.Cache, logger arbor.ILogger, opts WorkerOptions) *WorkerPool {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		manager:  manager,
		registry: registry,
		store:    store,
		logger:   logger,
		opts:     opts,
		pool:     pond.NewPool(opts.Concurrency),
		sem:      make(chan struct{}, opts.Concurrency),
		running:  make(map[string]context.CancelCauseFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the receive and control loops.
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Int("concurrency", wp.opts.Concurrency).
		Str("queues", strings.Join(wp.opts.Queues, ",")).
		Msg("Starting worker pool")

	wp.wg.Add(2)
	go wp.controlLoop()
	go wp.receiveLoop()
	return nil
}

// Stop drains the pool. Jobs still running are canceled through the shared
// context and record their stopped state themselves.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	wp.pool.StopAndWait()
	return nil
}

func (wp *WorkerPool) receiveLoop() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case wp.sem <- struct{}{}:
		}

		job, err := wp.manager.Receive(wp.ctx, wp.opts.ReceiveTimeout, wp.opts.Queues...)
		if err != nil {
			<-wp.sem
			if errors.Is(err, models.ErrNoMessage) || wp.ctx.Err() != nil {
				continue
			}
			wp.logger.Warn().Err(err).Msg("Error receiving queue message")
			time.Sleep(time.Second)
			continue
		}

		wp.pool.Submit(func() {
			defer func() { <-wp.sem }()
			wp.run(job)
		})
	}
}

// controlLoop watches the control channel for stop commands and cancels
// the matching running job.
func (wp *WorkerPool) controlLoop() {
	defer wp.wg.Done()

	sub := wp.store.SubscribeControl(wp.ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cmd struct {
				Command string `json:"command"`
				Job     string `json:"job"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				wp.logger.Warn().Err(err).Msg("Undecodable control message")
				continue
			}
			if cmd.Command != "stop" || cmd.Job == "" {
				continue
			}
			wp.interrupt(cmd.Job)
		}
	}
}

func (wp *WorkerPool) interrupt(jobID string) {
	wp.mu.Lock()
	cancel, ok := wp.running[jobID]
	wp.mu.Unlock()
	if !ok {
		// Some other worker holds it, or it already ended.
		return
	}
	wp.logger.Info().Str("job", jobID).Msg("Interrupting running job")
	cancel(ErrInterrupted)
}

// run executes one job end to end: work function, state transition,
// callback, dependents.
func (wp *WorkerPool) run(job *models.Job) {
	if job.IsTerminal() {
		// Stopped while still queued; the message outlived the record.
		return
	}

	job.MarkStarted()
	if err := wp.store.SaveJob(wp.ctx, job); err != nil {
		wp.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to record job start")
	}

	jctx, cancel := context.WithCancelCause(wp.ctx)
	if job.TimeoutSeconds > 0 {
		var tcancel context.CancelFunc
		jctx, tcancel = context.WithTimeout(jctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer tcancel()
	}
	defer cancel(nil)

	wp.mu.Lock()
	wp.running[job.ID] = cancel
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		delete(wp.running, job.ID)
		wp.mu.Unlock()
	}()

	wp.logger.Debug().
		Str("job", job.ID).
		Str("kind", job.Kind).
		Str("queue", job.Queue).
		Msg("Processing job")

	workFn, err := wp.registry.Work(job.Kind)
	if err != nil {
		wp.finishFailed(job, err)
		return
	}

	startTime := time.Now()
	result, workErr := workFn(jctx, job)
	duration := time.Since(startTime)

	if cause := context.Cause(jctx); errors.Is(cause, ErrInterrupted) {
		workErr = ErrInterrupted
	}

	switch {
	case workErr == nil:
		wp.finishOK(job, result, duration)
	case errors.Is(workErr, ErrInterrupted):
		wp.finishStopped(job, duration)
	default:
		wp.logger.Error().
			Err(workErr).
			Str("job", job.ID).
			Str("kind", job.Kind).
			Dur("duration", duration).
			Msg("Job failed")
		wp.finishFailed(job, workErr)
	}
}

func (wp *WorkerPool) finishOK(job *models.Job, result interface{}, duration time.Duration) {
	raw, err := json.Marshal(result)
	if err != nil {
		wp.finishFailed(job, err)
		return
	}

	job.MarkFinished(raw)
	if err := wp.store.SaveJob(wp.ctx, job); err != nil {
		wp.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to save finished job")
	}

	wp.logger.Info().
		Str("job", job.ID).
		Str("kind", job.Kind).
		Dur("duration", duration).
		Msg("Job finished")

	if job.OnSuccess != "" {
		cb, err := wp.registry.Success(job.OnSuccess)
		if err != nil {
			wp.logger.Error().Err(err).Str("job", job.ID).Msg("Unknown success callback")
		} else {
			cctx, ccancel := context.WithTimeout(wp.ctx, wp.opts.CallbackTimeout)
			if err := cb(cctx, job, job.Result); err != nil {
				wp.logger.Error().Err(err).Str("job", job.ID).Str("callback", job.OnSuccess).Msg("Success callback failed")
			}
			ccancel()
		}
	}

	if err := wp.manager.PromoteDependents(wp.ctx, job.ID); err != nil {
		wp.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to promote dependents")
	}
}

func (wp *WorkerPool) finishStopped(job *models.Job, duration time.Duration) {
	job.MarkStopped()
	if err := wp.store.SaveJob(wp.ctx, job); err != nil {
		wp.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to save stopped job")
	}

	// Interruption is a user action, not a failure; no callback runs.
	wp.logger.Info().
		Str("job", job.ID).
		Str("kind", job.Kind).
		Dur("duration", duration).
		Msg("Job stopped")

	if err := wp.manager.CancelDependents(wp.ctx, job.ID); err != nil {
		wp.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to cancel dependents")
	}
}

func (wp *WorkerPool) finishFailed(job *models.Job, workErr error) {
	job.MarkFailed(workErr.Error())
	if err := wp.store.SaveJob(wp.ctx, job); err != nil {
		wp.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to save failed job")
	}

	if job.OnFailure != "" {
		cb, err := wp.registry.Failure(job.OnFailure)
		if err != nil {
			wp.logger.Error().Err(err).Str("job", job.ID).Msg("Unknown failure callback")
		} else {
			cctx, ccancel := context.WithTimeout(wp.ctx, wp.opts.CallbackTimeout)
			if err := cb(cctx, job, workErr); err != nil {
				wp.logger.Error().Err(err).Str("job", job.ID).Str("callback", job.OnFailure).Msg("Failure callback failed")
			}
			ccancel()
		}
	}

	if err := wp.manager.CancelDependents(wp.ctx, job.ID); err != nil {
		wp.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to cancel dependents")
	}
}
