// -----------------------------------------------------------------------
// Listener - routes published progress to websocket rooms and keeps
// partial queries iterating
// -----------------------------------------------------------------------

package listen

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/models"
)

// ContinuationRunner is the engine surface the listener drives: the
// canceled check, continuation synthesis and iteration launch.
type ContinuationRunner interface {
	Canceled(ids ...string) bool
	FromContinuation(msg *models.QueryProgress) (*engine.Iteration, bool)
	Run(ctx context.Context, it *engine.Iteration) (*models.Job, error)
}

// ExportScheduler starts an export once a query with an export intent
// reaches a terminal state.
type ExportScheduler interface {
	Schedule(ctx context.Context, msg *models.QueryProgress) error
}

// FanoutObserver receives one observation per routed payload.
type FanoutObserver interface {
	ObserveFanout(action string, bytes int, seconds float64)
}

// Listener consumes the progress channel. Every server process runs one:
// all of them fan out to their own connections, but only the process whose
// room holds the subscriber continues the iteration chain it observes.
type Listener struct {
	store     *cache.Cache
	hub       *Hub
	runner    ContinuationRunner
	exports   ExportScheduler
	observer  FanoutObserver
	reconnect *rate.Limiter
	logger    arbor.ILogger
}

// NewListener wires the listener. exports and observer may be nil.
func NewListener(store *cache.Cache, hub *Hub, runner ContinuationRunner, exports ExportScheduler, observer FanoutObserver, logger arbor.ILogger) *Listener {
	return &Listener{
		store:     store,
		hub:       hub,
		runner:    runner,
		exports:   exports,
		observer:  observer,
		reconnect: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:    logger,
	}
}

// Run subscribes to the progress channel and pumps payloads until the
// context ends. A dropped subscription is reopened after the rate limiter
// clears, so a flapping connection cannot spin.
func (l *Listener) Run(ctx context.Context) error {
	for {
		sub := l.store.SubscribeProgress(ctx)
		l.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.reconnect.Wait(ctx); err != nil {
			return err
		}
		l.logger.Warn().Msg("Progress subscription dropped, resubscribing")
	}
}

func (l *Listener) consume(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.Handle(ctx, []byte(msg.Payload))
		}
	}
}

// Handle routes one published payload: decode the envelope, drop canceled
// work, fan out to the room, record the telemetry sample and chain the
// next iteration or the export when the payload calls for one.
func (l *Listener) Handle(ctx context.Context, payload []byte) {
	start := time.Now()

	var view models.RoutingView
	if err := json.Unmarshal(payload, &view); err != nil {
		l.logger.Warn().Err(err).Msg("Dropping undecodable progress payload")
		return
	}
	if l.runner.Canceled(view.FirstJob, view.Job) {
		l.logger.Debug().
			Str("job", view.Job).
			Str("first_job", view.FirstJob).
			Msg("Dropping payload for canceled query")
		return
	}

	delivered := l.hub.Broadcast(view.Room, view.User, payload, userOnly(view.Action))
	elapsed := time.Since(start).Seconds()
	l.store.RecordTimeBytes(ctx, cache.TimeBytesSample{Bytes: len(payload), Seconds: elapsed})
	if l.observer != nil {
		l.observer.ObserveFanout(view.Action, len(payload), elapsed)
	}
	l.logger.Debug().
		Str("action", view.Action).
		Str("status", view.Status).
		Str("room", view.Room).
		Int("delivered", delivered).
		Int("bytes", len(payload)).
		Msg("Routed progress payload")

	if view.Action != models.ActionQueryResult {
		return
	}
	var msg models.QueryProgress
	if err := json.Unmarshal(payload, &msg); err != nil {
		l.logger.Warn().Err(err).Str("job", view.Job).Msg("Failed to decode query result payload")
		return
	}

	switch msg.Status {
	case models.StatusPartial:
		// An export intent rides along until the batch universe is done,
		// so partial results keep iterating either way.
		l.continueQuery(ctx, &msg)
	case models.StatusSatisfied:
		// Full-corpus searches keep going past the quota: clients keep
		// receiving totals until every batch is searched.
		if msg.Full {
			l.continueQuery(ctx, &msg)
			return
		}
		l.scheduleExport(ctx, &msg)
	case models.StatusFinished:
		l.scheduleExport(ctx, &msg)
	}
}

// continueQuery synthesizes the next iteration from a partial result and
// launches it off the listener goroutine. Refusals are expected endings of
// the chain, not errors.
func (l *Listener) continueQuery(ctx context.Context, msg *models.QueryProgress) {
	it, ok := l.runner.FromContinuation(msg)
	if !ok {
		return
	}
	common.SafeGo(l.logger, "continueQuery", func() {
		if _, err := l.runner.Run(ctx, it); err != nil {
			if errors.Is(err, engine.ErrKwicLimit) || errors.Is(err, engine.ErrNoBatch) {
				l.logger.Debug().Str("first_job", msg.FirstJob).Err(err).Msg("Iteration chain ended")
				return
			}
			l.logger.Warn().Str("first_job", msg.FirstJob).Err(err).Msg("Failed to continue query")
		}
	})
}

func (l *Listener) scheduleExport(ctx context.Context, msg *models.QueryProgress) {
	if msg.ToExport == nil || l.exports == nil {
		return
	}
	common.SafeGo(l.logger, "scheduleExport", func() {
		if err := l.exports.Schedule(ctx, msg); err != nil {
			l.logger.Warn().Str("first_job", msg.FirstJob).Err(err).Msg("Failed to schedule export")
		}
	})
}

// userOnly reports whether a payload is addressed to the requesting user
// alone. Failures and refusals describe one session's query; the rest of
// the room only ever sees shared results.
func userOnly(action string) bool {
	switch action {
	case models.ActionFailed, models.ActionTimeout, models.ActionKwicLimit, models.ActionNoBatch, models.ActionPong:
		return true
	}
	return false
}
