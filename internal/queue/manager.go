// -----------------------------------------------------------------------
// Queue manager - named Redis-backed job queues
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/models"
)

// ErrInterrupted marks work that stopped because its query was canceled.
// Callbacks suppress it: an interrupted job is not a failure anyone needs
// to hear about.
var ErrInterrupted = errors.New("interrupted")

// Manager provides queue operations over the shared store. It owns no
// business logic: it saves job records, moves ids through queue lists and
// parks dependents until their parent finishes.
type Manager struct {
	store  *cache.Cache
	logger arbor.ILogger
}

// NewManager creates a queue manager on the shared store.
func NewManager(store *cache.Cache, logger arbor.ILogger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Enqueue registers the job and makes it runnable. Submission is
// idempotent on the job id: an existing non-terminal record wins and no
// second copy enters the queue. A finished record is returned as-is so the
// caller can replay it.
func (m *Manager) Enqueue(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	if err := job.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := m.store.GetJob(ctx, job.ID)
	if err == nil {
		m.store.RefreshTTL(ctx, existing.ID)
		return existing, false, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, err
	}

	if job.DependsOn != "" {
		parent, err := m.store.GetJob(ctx, job.DependsOn)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
			// Parent evaporated; nothing to wait for, nothing to run on.
			job.MarkCanceled()
			if err := m.store.SaveJob(ctx, job); err != nil {
				return nil, false, err
			}
			return job, false, nil
		case err != nil:
			return nil, false, err
		case parent.Status == models.JobStatusFinished:
			// Runnable immediately.
		case parent.IsTerminal():
			job.MarkCanceled()
			if err := m.store.SaveJob(ctx, job); err != nil {
				return nil, false, err
			}
			return job, false, nil
		default:
			if err := m.store.SaveJob(ctx, job); err != nil {
				return nil, false, err
			}
			if err := m.park(ctx, job); err != nil {
				return nil, false, err
			}
			return job, true, nil
		}
	}

	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, false, err
	}
	if err := m.push(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Receive blocks up to the timeout waiting for work on the named queues,
// returning the job record behind the first message.
func (m *Manager) Receive(ctx context.Context, timeout time.Duration, queues ...string) (*models.Job, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = cache.QueueKey(q)
	}

	res, err := m.store.Client().BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("queue receive failed: %w", err)
	}
	if len(res) != 2 {
		return nil, models.ErrNoMessage
	}

	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("undecodable queue message: %w", err)
	}

	job, err := m.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, cache.ErrCacheMiss) {
		// Record expired while queued; treat the message as consumed.
		return nil, models.ErrNoMessage
	}
	return job, err
}

// PromoteDependents releases every job parked behind a finished parent.
func (m *Manager) PromoteDependents(ctx context.Context, parentID string) error {
	key := cache.DeferredKey(parentID)
	ids, err := m.store.Client().LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read deferred jobs of %s: %w", parentID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	m.store.Client().Del(ctx, key)

	for _, id := range ids {
		job, err := m.store.GetJob(ctx, id)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			continue
		}
		if err := m.push(ctx, job); err != nil {
			return err
		}
		m.logger.Debug().Str("job", job.ID).Str("parent", parentID).Msg("Promoted deferred job")
	}
	return nil
}

// CancelDependents marks every parked dependent of a dead parent canceled.
func (m *Manager) CancelDependents(ctx context.Context, parentID string) error {
	key := cache.DeferredKey(parentID)
	ids, err := m.store.Client().LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read deferred jobs of %s: %w", parentID, err)
	}
	m.store.Client().Del(ctx, key)

	for _, id := range ids {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.IsTerminal() {
			continue
		}
		job.MarkCanceled()
		if err := m.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels a job wherever it is: queued records flip to canceled,
// running ones get a stop command broadcast to whichever worker holds them.
func (m *Manager) Stop(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	if job.Status == models.JobStatusQueued {
		job.MarkCanceled()
		if err := m.store.SaveJob(ctx, job); err != nil {
			return err
		}
		return m.CancelDependents(ctx, jobID)
	}

	return m.store.PublishStop(ctx, jobID)
}

// Fetch returns the registry record of a job.
func (m *Manager) Fetch(ctx context.Context, jobID string) (*models.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// Depth reports how many messages wait on a queue.
func (m *Manager) Depth(ctx context.Context, queue string) (int64, error) {
	return m.store.Client().LLen(ctx, cache.QueueKey(queue)).Result()
}

func (m *Manager) push(ctx context.Context, job *models.Job) error {
	msg := models.QueueMessage{JobID: job.ID, Kind: job.Kind}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.store.Client().LPush(ctx, cache.QueueKey(job.Queue), data).Err(); err != nil {
		return fmt.Errorf("failed to push job %s onto %s: %w", job.ID, job.Queue, err)
	}
	return nil
}

func (m *Manager) park(ctx context.Context, job *models.Job) error {
	key := cache.DeferredKey(job.DependsOn)
	if err := m.store.Client().RPush(ctx, key, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to defer job %s behind %s: %w", job.ID, job.DependsOn, err)
	}
	// The parked list must not outlive the records it points at.
	m.store.Client().Expire(ctx, key, m.store.TTL())
	return nil
}
