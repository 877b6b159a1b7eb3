package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/models"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(rdb, 5000*time.Second, true, arbor.NewLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestJobRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	job := models.NewJob("8818842963377963000", models.JobKindQuery, models.QueueQuery, map[string]interface{}{
		"sql":  "SELECT 1",
		"user": "u1",
	})
	require.NoError(t, c.SaveJob(ctx, job))

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	sql, ok := got.GetArgString("sql")
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", sql)
}

func TestGetJobMiss(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.GetJob(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCorruptRecordIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)

	require.NoError(t, mr.Set(JobKey("broken"), "{not json"))
	_, err := c.GetJob(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRefreshTTLExtendsRecords(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	job := models.NewJob("j1", models.JobKindQuery, models.QueueQuery, nil)
	require.NoError(t, c.SaveJob(ctx, job))

	mr.FastForward(4999 * time.Second)
	c.RefreshTTL(ctx, job.ID)
	mr.FastForward(4999 * time.Second)

	_, err := c.GetJob(ctx, job.ID)
	assert.NoError(t, err, "refreshed record should outlive the original TTL")

	mr.FastForward(2 * time.Second)
	_, err = c.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMessageStore(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	payload := []byte(`{"action":"query_result","status":"satisfied"}`)
	require.NoError(t, c.StoreMessage(ctx, "aa-bb", payload))

	got, err := c.LoadMessage(ctx, "aa-bb")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = c.LoadMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestAppConfigRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	conf := models.AppConfig{
		7: {
			ID:        7,
			ShortName: "sparcling",
			Schema:    "sparcling1",
			Batches:   map[string]int64{"token0": 1000, "token1": 5000, "tokenrest": 20000},
			TokenCounts: map[string]int64{
				"en": 26000,
			},
		},
	}
	require.NoError(t, c.SetAppConfig(ctx, conf))

	got, err := c.AppConfig(ctx)
	require.NoError(t, err)
	require.Contains(t, got, 7)
	assert.Equal(t, "sparcling", got[7].ShortName)
	assert.Equal(t, int64(5000), got[7].Batches["token1"])
}

func TestPublishProgressReachesSubscriber(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	sub := c.SubscribeProgress(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	payload := []byte(`{"action":"query_result","status":"partial","job":"j1"}`)
	require.NoError(t, c.PublishProgress(ctx, payload))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, string(payload), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived on the progress channel")
	}
}

func TestStopCommandShape(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	sub := c.SubscribeControl(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.PublishStop(ctx, "victim"))

	select {
	case msg := <-sub.Channel():
		var cmd map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &cmd))
		assert.Equal(t, "stop", cmd["command"])
		assert.Equal(t, "victim", cmd["job"])
	case <-time.After(2 * time.Second):
		t.Fatal("no stop command arrived on the control channel")
	}
}

func TestTimeBytesWindowIsCapped(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < timeBytesWindow+50; i++ {
		c.RecordTimeBytes(ctx, TimeBytesSample{Bytes: i, Seconds: 0.001})
	}

	samples, err := c.TimeBytes(ctx)
	require.NoError(t, err)
	assert.Len(t, samples, timeBytesWindow)
	assert.Equal(t, timeBytesWindow+49, samples[0].Bytes, "newest sample should be first")
}
