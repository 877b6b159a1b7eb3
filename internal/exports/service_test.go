package exports

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

type serviceRig struct {
	store   *cache.Cache
	manager *queue.Manager
	service *Service
	dir     string
}

func newServiceRig(t *testing.T) *serviceRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := common.GetLogger()
	store := cache.NewWithClient(client, time.Hour, true, logger)
	manager := queue.NewManager(store, logger)
	registry, err := OpenRegistry(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	cfg := common.NewDefaultConfig()
	cfg.Exports.Dir = t.TempDir()

	return &serviceRig{
		store:   store,
		manager: manager,
		service: NewService(store, manager, registry, cfg, logger),
		dir:     cfg.Exports.Dir,
	}
}

// seedQuery stores a finished two-batch logical query: the anchor holds the
// batch trail and the delivered sentence context.
func seedQuery(t *testing.T, rig *serviceRig) {
	t.Helper()
	ctx := context.Background()

	anchor := models.NewJob("fp1", models.JobKindQuery, models.QueueQuery, nil)
	anchor.MarkFinished(json.RawMessage(
		`[[0,{"result_sets":[{"name":"kwic","type":"plain"}]}],[1,["s1",5]]]`,
	))
	anchor.SetMeta("_query_jobs", []string{"fp1", "fp2"})
	anchor.SetMeta("_sentences", map[string]interface{}{
		"s1": []interface{}{"the", "cat"},
		"s2": []interface{}{"a", "dog"},
	})
	require.NoError(t, rig.store.SaveJob(ctx, anchor))

	second := models.NewJob("fp2", models.JobKindQuery, models.QueueQuery, nil)
	second.MarkFinished(json.RawMessage(
		`[[0,{"result_sets":[{"name":"kwic","type":"plain"}]}],[1,["s2",9]],[1,["s3",2]]]`,
	))
	require.NoError(t, rig.store.SaveJob(ctx, second))
}

func terminalProgress() *models.QueryProgress {
	return &models.QueryProgress{
		Action:   models.ActionQueryResult,
		Status:   models.StatusFinished,
		Job:      "fp2",
		User:     "alice",
		Room:     "room-1",
		FirstJob: "fp1",
		ToExport: &models.ExportIntent{Format: "dump"},
	}
}

func recvProgress(t *testing.T, ch <-chan *redis.Message) map[string]interface{} {
	t.Helper()
	select {
	case msg := <-ch:
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no payload published")
		return nil
	}
}

func TestScheduleCreatesRecordAndJob(t *testing.T) {
	rig := newServiceRig(t)
	seedQuery(t, rig)
	ctx := context.Background()

	sub := rig.store.SubscribeProgress(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	require.NoError(t, rig.service.Schedule(ctx, terminalProgress()))

	started := recvProgress(t, ch)
	assert.Equal(t, models.ActionStartedExport, started["action"])
	assert.Equal(t, "alice", started["user"])
	assert.Equal(t, "fp1", started["first_job"])

	recs, err := rig.service.registry.ListByUser("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusQueued, recs[0].Status)
	assert.Equal(t, "fp1", recs[0].FirstJob)

	depth, err := rig.manager.Depth(ctx, models.QueueExports)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth, "export job lands on the exports queue")

	job, err := rig.manager.Fetch(ctx, "export-"+recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobKindExport, job.Kind)
	assert.Equal(t, "fp2", job.DependsOn)
}

func TestScheduleWithoutIntentIsNoop(t *testing.T) {
	rig := newServiceRig(t)
	msg := terminalProgress()
	msg.ToExport = nil

	require.NoError(t, rig.service.Schedule(context.Background(), msg))

	depth, err := rig.manager.Depth(context.Background(), models.QueueExports)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestRunWritesHydratedDump(t *testing.T) {
	rig := newServiceRig(t)
	seedQuery(t, rig)
	ctx := context.Background()

	require.NoError(t, rig.service.Schedule(ctx, terminalProgress()))
	recs, err := rig.service.registry.ListByUser("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	job, err := rig.manager.Fetch(ctx, "export-"+recs[0].ID)
	require.NoError(t, err)

	sub := rig.store.SubscribeProgress(ctx)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	_, err = rig.service.run(ctx, job)
	require.NoError(t, err)

	done := recvProgress(t, ch)
	assert.Equal(t, models.ActionExportDone, done["action"])
	assert.Equal(t, "room-1", done["room"])
	assert.EqualValues(t, 3, done["lines"])

	rec, err := rig.service.registry.Get(recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, rec.Status)
	assert.Equal(t, 3, rec.Lines)
	assert.NotNil(t, rec.CompletedAt)
	assert.Greater(t, rec.Bytes, int64(0))

	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "index\ttype\tlabel\tdata", lines[0])
	assert.Contains(t, lines[1], `["s1","the","cat",5]`, "delivered segments are hydrated")
	assert.Contains(t, lines[2], `["s2","a","dog",9]`)
	assert.Contains(t, lines[3], `["s3",2]`, "undelivered segments pass through")
}

func TestRunFailsWhenQueryExpired(t *testing.T) {
	rig := newServiceRig(t)
	ctx := context.Background()

	rec := &Record{ID: "exp-1", User: "alice", FirstJob: "gone", Format: "dump", Status: StatusQueued}
	require.NoError(t, rig.service.registry.Save(rec))

	job := models.NewJob("export-exp-1", models.JobKindExport, models.QueueExports, map[string]interface{}{
		"export_id": "exp-1",
		"first_job": "gone",
	})

	_, err := rig.service.run(ctx, job)
	require.Error(t, err)

	got, err := rig.service.registry.Get("exp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}
