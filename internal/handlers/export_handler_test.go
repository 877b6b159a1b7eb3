package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/exports"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
)

type exportRig struct {
	store    *cache.Cache
	registry *exports.Registry
	handler  *ExportHandler
}

func newExportRig(t *testing.T) *exportRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := common.GetLogger()
	store := cache.NewWithClient(client, time.Hour, true, logger)
	manager := queue.NewManager(store, logger)
	registry, err := exports.OpenRegistry(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	cfg := common.NewDefaultConfig()
	cfg.Exports.Dir = t.TempDir()
	service := exports.NewService(store, manager, registry, cfg, logger)

	return &exportRig{
		store:    store,
		registry: registry,
		handler:  NewExportHandler(service, registry, store, logger),
	}
}

func TestTriggerSchedulesExport(t *testing.T) {
	rig := newExportRig(t)

	anchor := models.NewJob("fp1", models.JobKindQuery, models.QueueQuery, nil)
	anchor.MarkFinished(json.RawMessage(`[[0,{"result_sets":[{"name":"kwic","type":"plain"}]}],[1,["s1",5]]]`))
	require.NoError(t, rig.store.SaveJob(context.Background(), anchor))

	body := `{"user":"alice","room":"room-1","first_job":"fp1","format":"dump"}`
	req := httptest.NewRequest("POST", "/export", strings.NewReader(body))
	rec := httptest.NewRecorder()
	rig.handler.Trigger(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	recs, err := rig.registry.ListByUser("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, exports.StatusQueued, recs[0].Status)
	assert.Equal(t, "fp1", recs[0].FirstJob)
}

func TestTriggerUnknownQueryIs404(t *testing.T) {
	rig := newExportRig(t)

	body := `{"user":"alice","first_job":"missing","format":"dump"}`
	req := httptest.NewRequest("POST", "/export", strings.NewReader(body))
	rec := httptest.NewRecorder()
	rig.handler.Trigger(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerUnfinishedQueryConflicts(t *testing.T) {
	rig := newExportRig(t)

	running := models.NewJob("fp1", models.JobKindQuery, models.QueueQuery, nil)
	running.MarkStarted()
	require.NoError(t, rig.store.SaveJob(context.Background(), running))

	body := `{"user":"alice","first_job":"fp1","format":"dump"}`
	req := httptest.NewRequest("POST", "/export", strings.NewReader(body))
	rec := httptest.NewRecorder()
	rig.handler.Trigger(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerValidatesFormat(t *testing.T) {
	rig := newExportRig(t)

	body := `{"user":"alice","first_job":"fp1","format":"parquet"}`
	req := httptest.NewRequest("POST", "/export", strings.NewReader(body))
	rec := httptest.NewRecorder()
	rig.handler.Trigger(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRequiresUser(t *testing.T) {
	rig := newExportRig(t)

	req := httptest.NewRequest("GET", "/exports", nil)
	rec := httptest.NewRecorder()
	rig.handler.List(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadServesCompleteExport(t *testing.T) {
	rig := newExportRig(t)

	path := filepath.Join(t.TempDir(), "exp-1.tsv")
	require.NoError(t, os.WriteFile(path, []byte("index\ttype\tlabel\tdata\n"), 0644))
	require.NoError(t, rig.registry.Save(&exports.Record{
		ID:     "exp-1",
		User:   "alice",
		Status: exports.StatusComplete,
		Path:   path,
	}))

	req := httptest.NewRequest("GET", "/exports/exp-1/download", nil)
	rec := httptest.NewRecorder()
	rig.handler.Download(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "index\ttype\tlabel\tdata")
}

func TestDownloadPendingExportConflicts(t *testing.T) {
	rig := newExportRig(t)
	require.NoError(t, rig.registry.Save(&exports.Record{
		ID:     "exp-2",
		User:   "alice",
		Status: exports.StatusRunning,
	}))

	req := httptest.NewRequest("GET", "/exports/exp-2/download", nil)
	rec := httptest.NewRecorder()
	rig.handler.Download(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownloadUnknownExportIs404(t *testing.T) {
	rig := newExportRig(t)

	req := httptest.NewRequest("GET", "/exports/nope/download", nil)
	rec := httptest.NewRecorder()
	rig.handler.Download(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
