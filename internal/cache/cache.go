// -----------------------------------------------------------------------
// Cache - the shared Redis store: job registry, result cache, replay
// store and pub/sub bus in one place
// -----------------------------------------------------------------------

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/models"
)

// ErrCacheMiss is normal control flow: the key is absent or expired and the
// caller should compute fresh. It never surfaces to clients.
var ErrCacheMiss = errors.New("cache miss")

// timeBytesWindow caps the rolling telemetry sample.
const timeBytesWindow = 5000

// Cache wraps the shared Redis instance. One client serves the registry,
// the replay store, the queues and the pub/sub bus; cross-process behavior
// depends on every process pointing at the same URL and DB index.
type Cache struct {
	rdb     *redis.Client
	ttl     time.Duration
	enabled bool
	logger  arbor.ILogger
}

// Options configure the cache connection and lease behavior.
type Options struct {
	URL      string
	DBIndex  int
	TTL      time.Duration
	UseCache bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger arbor.ILogger) (*Cache, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.DBIndex > 0 {
		redisOpts.DB = opts.DBIndex
	}

	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	logger.Info().
		Str("addr", redisOpts.Addr).
		Int("db", redisOpts.DB).
		Bool("use_cache", opts.UseCache).
		Msg("Connected to shared store")

	return &Cache{
		rdb:     rdb,
		ttl:     opts.TTL,
		enabled: opts.UseCache,
		logger:  logger,
	}, nil
}

// NewWithClient wraps an existing client; tests use this with miniredis.
func NewWithClient(rdb *redis.Client, ttl time.Duration, useCache bool, logger arbor.ILogger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, enabled: useCache, logger: logger}
}

// Client exposes the underlying connection for the queue runtime, which
// shares the instance.
func (c *Cache) Client() *redis.Client {
	return c.rdb
}

// Enabled reports whether fingerprint leasing is on. Registry writes happen
// regardless; only the lease lookup is skipped when off.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// TTL returns the configured record lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Close releases the connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// --- job registry ---

// GetJob fetches a job record. A live key holding an undecodable record is
// treated as a miss so a corrupt entry can never wedge a fingerprint.
func (c *Cache) GetJob(ctx context.Context, id string) (*models.Job, error) {
	data, err := c.rdb.Get(ctx, JobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	job, err := models.JobFromJSON(data)
	if err != nil {
		c.logger.Warn().Str("job", id).Err(err).Msg("Dropping undecodable job record")
		return nil, ErrCacheMiss
	}
	return job, nil
}

// SaveJob writes a job record under its registry key with the standard TTL.
func (c *Cache) SaveJob(ctx context.Context, job *models.Job) error {
	data, err := job.ToJSON()
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, JobKey(job.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// RefreshTTL extends the life of registry keys; called on every cache hit
// so records that keep getting used keep living.
func (c *Cache) RefreshTTL(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if err := c.rdb.Expire(ctx, JobKey(id), c.ttl).Err(); err != nil {
			c.logger.Warn().Str("job", id).Err(err).Msg("Failed to refresh job TTL")
		}
	}
}

// ScanJobs walks every live job record and calls visit on each. Undecodable
// records are skipped. visit returning false stops the walk.
func (c *Cache) ScanJobs(ctx context.Context, visit func(*models.Job) bool) error {
	iter := c.rdb.Scan(ctx, 0, JobKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		data, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		job, err := models.JobFromJSON(data)
		if err != nil {
			continue
		}
		if !visit(job) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan job registry: %w", err)
	}
	return nil
}

// --- replay store ---

// StoreMessage keeps a published payload addressable for later fetches.
func (c *Cache) StoreMessage(ctx context.Context, id string, payload []byte) error {
	if err := c.rdb.Set(ctx, MessageKey(id), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store message %s: %w", id, err)
	}
	return nil
}

// LoadMessage retrieves a stored payload and refreshes its TTL.
func (c *Cache) LoadMessage(ctx context.Context, id string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, MessageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	c.rdb.Expire(ctx, MessageKey(id), c.ttl)
	return data, nil
}

// --- corpus configuration ---

// SetAppConfig publishes the corpus configuration map to every process.
// The key carries no TTL: a stale config beats no config.
func (c *Cache) SetAppConfig(ctx context.Context, conf models.AppConfig) error {
	data, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to encode corpus config: %w", err)
	}
	if err := c.rdb.Set(ctx, AppConfigKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store corpus config: %w", err)
	}
	return nil
}

// AppConfig loads the corpus configuration map.
func (c *Cache) AppConfig(ctx context.Context) (models.AppConfig, error) {
	data, err := c.rdb.Get(ctx, AppConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus config: %w", err)
	}
	var conf models.AppConfig
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to decode corpus config: %w", err)
	}
	return conf, nil
}

// --- pub/sub ---

// PublishProgress pushes a payload onto the progress channel.
func (c *Cache) PublishProgress(ctx context.Context, payload []byte) error {
	if err := c.rdb.Publish(ctx, ProgressChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// SubscribeProgress opens a subscription on the progress channel.
func (c *Cache) SubscribeProgress(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, ProgressChannel)
}

// PublishStop broadcasts a stop command for a running job.
func (c *Cache) PublishStop(ctx context.Context, jobID string) error {
	cmd := map[string]string{"command": "stop", "job": jobID}
	data, _ := json.Marshal(cmd)
	if err := c.rdb.Publish(ctx, ControlChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish stop for %s: %w", jobID, err)
	}
	return nil
}

// SubscribeControl opens a subscription on the control channel.
func (c *Cache) SubscribeControl(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, ControlChannel)
}

// --- telemetry sample ---

// TimeBytesSample is one fan-out observation: payload size and handling
// time.
type TimeBytesSample struct {
	Bytes   int     `json:"bytes"`
	Seconds float64 `json:"seconds"`
}

// RecordTimeBytes appends a sample to the capped rolling window.
func (c *Cache) RecordTimeBytes(ctx context.Context, sample TimeBytesSample) {
	data, err := json.Marshal(sample)
	if err != nil {
		return
	}
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, TimeBytesKey, data)
	pipe.LTrim(ctx, TimeBytesKey, 0, timeBytesWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record telemetry sample")
	}
}

// TimeBytes returns the rolling telemetry window, newest first.
func (c *Cache) TimeBytes(ctx context.Context) ([]TimeBytesSample, error) {
	raw, err := c.rdb.LRange(ctx, TimeBytesKey, 0, timeBytesWindow-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry window: %w", err)
	}
	out := make([]TimeBytesSample, 0, len(raw))
	for _, item := range raw {
		var s TimeBytesSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
