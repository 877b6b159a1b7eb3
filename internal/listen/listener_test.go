package listen

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/models"
)

type fakeRunner struct {
	mu        sync.Mutex
	canceled  map[string]bool
	continued chan *engine.Iteration
	runErr    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		canceled:  make(map[string]bool),
		continued: make(chan *engine.Iteration, 4),
	}
}

func (f *fakeRunner) cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[id] = true
}

func (f *fakeRunner) Canceled(ids ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if id != "" && f.canceled[id] {
			return true
		}
	}
	return false
}

func (f *fakeRunner) FromContinuation(msg *models.QueryProgress) (*engine.Iteration, bool) {
	if f.Canceled(msg.FirstJob, msg.Job) {
		return nil, false
	}
	return &engine.Iteration{FirstJob: msg.FirstJob, User: msg.User, Room: msg.Room}, true
}

func (f *fakeRunner) Run(ctx context.Context, it *engine.Iteration) (*models.Job, error) {
	f.continued <- it
	return nil, f.runErr
}

type fakeExports struct {
	scheduled chan *models.QueryProgress
}

func (f *fakeExports) Schedule(ctx context.Context, msg *models.QueryProgress) error {
	f.scheduled <- msg
	return nil
}

type fakeObserver struct {
	mu      sync.Mutex
	actions []string
	bytes   []int
}

func (f *fakeObserver) ObserveFanout(action string, bytes int, seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.bytes = append(f.bytes, bytes)
}

func (f *fakeObserver) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type listenRig struct {
	store    *cache.Cache
	hub      *Hub
	runner   *fakeRunner
	exports  *fakeExports
	observer *fakeObserver
	listener *Listener
}

func newListenRig(t *testing.T) *listenRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := common.GetLogger()
	rig := &listenRig{
		store:    cache.NewWithClient(client, time.Hour, true, logger),
		hub:      NewHub(logger),
		runner:   newFakeRunner(),
		exports:  &fakeExports{scheduled: make(chan *models.QueryProgress, 4)},
		observer: &fakeObserver{},
	}
	rig.listener = NewListener(rig.store, rig.hub, rig.runner, rig.exports, rig.observer, logger)
	return rig
}

func progressPayload(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return data
}

func awaitContinuation(t *testing.T, rig *listenRig) *engine.Iteration {
	t.Helper()
	select {
	case it := <-rig.runner.continued:
		return it
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never launched")
		return nil
	}
}

func TestHandleRoutesAndContinuesPartial(t *testing.T) {
	rig := newListenRig(t)
	_, conn := dialClient(t, rig.hub, "alice", "room-1")

	payload := progressPayload(t, map[string]interface{}{
		"action":    models.ActionQueryResult,
		"status":    models.StatusPartial,
		"user":      "alice",
		"room":      "room-1",
		"job":       "job-2",
		"first_job": "job-1",
	})
	rig.listener.Handle(context.Background(), payload)

	assert.JSONEq(t, string(payload), string(readFrame(t, conn)))

	it := awaitContinuation(t, rig)
	assert.Equal(t, "job-1", it.FirstJob)
	assert.Equal(t, "alice", it.User)

	samples, err := rig.store.TimeBytes(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, len(payload), samples[0].Bytes)
	assert.Equal(t, []string{models.ActionQueryResult}, rig.observer.seen())
}

func TestHandleDropsCanceledQuery(t *testing.T) {
	rig := newListenRig(t)
	_, conn := dialClient(t, rig.hub, "alice", "room-1")
	rig.runner.cancel("job-1")

	payload := progressPayload(t, map[string]interface{}{
		"action":    models.ActionQueryResult,
		"status":    models.StatusPartial,
		"user":      "alice",
		"room":      "room-1",
		"job":       "job-2",
		"first_job": "job-1",
	})
	rig.listener.Handle(context.Background(), payload)

	expectSilence(t, conn)
	select {
	case <-rig.runner.continued:
		t.Fatal("canceled query must not continue")
	case <-time.After(150 * time.Millisecond):
	}

	samples, err := rig.store.TimeBytes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, samples, "dropped payloads are not sampled")
}

func TestHandleRoutesFailureToUserOnly(t *testing.T) {
	rig := newListenRig(t)
	_, alice := dialClient(t, rig.hub, "alice", "room-1")
	_, bob := dialClient(t, rig.hub, "bob", "room-1")

	payload := progressPayload(t, map[string]interface{}{
		"action": models.ActionFailed,
		"status": models.StatusFailed,
		"user":   "alice",
		"room":   "room-1",
		"job":    "job-2",
	})
	rig.listener.Handle(context.Background(), payload)

	assert.JSONEq(t, string(payload), string(readFrame(t, alice)))
	expectSilence(t, bob)
}

func TestHandleSchedulesExportAtTerminalState(t *testing.T) {
	rig := newListenRig(t)

	payload := progressPayload(t, map[string]interface{}{
		"action":    models.ActionQueryResult,
		"status":    models.StatusSatisfied,
		"user":      "alice",
		"room":      "room-1",
		"job":       "job-2",
		"first_job": "job-1",
		"to_export": map[string]interface{}{"format": "dump", "user": "alice", "room": "room-1"},
	})
	rig.listener.Handle(context.Background(), payload)

	select {
	case msg := <-rig.exports.scheduled:
		assert.Equal(t, "job-1", msg.FirstJob)
		assert.Equal(t, "dump", msg.ToExport.Format)
	case <-time.After(2 * time.Second):
		t.Fatal("export never scheduled")
	}

	select {
	case <-rig.runner.continued:
		t.Fatal("terminal state must not continue the chain")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHandleSatisfiedFullCorpusContinues(t *testing.T) {
	rig := newListenRig(t)

	payload := progressPayload(t, map[string]interface{}{
		"action":    models.ActionQueryResult,
		"status":    models.StatusSatisfied,
		"user":      "alice",
		"room":      "room-1",
		"job":       "job-2",
		"first_job": "job-1",
		"full":      true,
	})
	rig.listener.Handle(context.Background(), payload)

	it := awaitContinuation(t, rig)
	assert.Equal(t, "job-1", it.FirstJob)
}

func TestHandleFinishedWithoutIntentSchedulesNothing(t *testing.T) {
	rig := newListenRig(t)

	payload := progressPayload(t, map[string]interface{}{
		"action":    models.ActionQueryResult,
		"status":    models.StatusFinished,
		"user":      "alice",
		"room":      "room-1",
		"job":       "job-1",
		"first_job": "job-1",
	})
	rig.listener.Handle(context.Background(), payload)

	select {
	case <-rig.exports.scheduled:
		t.Fatal("no intent means no export")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRunConsumesSubscription(t *testing.T) {
	rig := newListenRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rig.listener.Run(ctx) }()

	payload := progressPayload(t, map[string]interface{}{
		"action": models.ActionSetConfig,
		"status": models.StatusAccepted,
		"room":   "room-1",
	})
	require.Eventually(t, func() bool {
		require.NoError(t, rig.store.PublishProgress(ctx, payload))
		return len(rig.observer.seen()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}

func TestUserOnlyActions(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{models.ActionFailed, true},
		{models.ActionTimeout, true},
		{models.ActionKwicLimit, true},
		{models.ActionNoBatch, true},
		{models.ActionPong, true},
		{models.ActionQueryResult, false},
		{models.ActionSentences, false},
		{models.ActionSetConfig, false},
	}
	for _, tt := range tests {
		if got := userOnly(tt.action); got != tt.want {
			t.Errorf("userOnly(%q) = %v, want %v", tt.action, got, tt.want)
		}
	}
}
