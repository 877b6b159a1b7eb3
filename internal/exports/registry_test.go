package exports

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scrutor/internal/common"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(t.TempDir(), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegistrySaveAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	rec := &Record{
		ID:       "exp-1",
		User:     "alice",
		Room:     "room-1",
		FirstJob: "fp1",
		Format:   "dump",
		Status:   StatusQueued,
	}
	require.NoError(t, reg.Save(rec))
	assert.False(t, rec.CreatedAt.IsZero(), "save stamps created_at")

	got, err := reg.Get("exp-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, StatusQueued, got.Status)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	reg := newTestRegistry(t)
	assert.Error(t, reg.Save(&Record{User: "alice"}))
}

func TestRegistryListByUserNewestFirst(t *testing.T) {
	reg := newTestRegistry(t)

	old := &Record{ID: "old", User: "alice", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	recent := &Record{ID: "recent", User: "alice", CreatedAt: time.Now().UTC()}
	other := &Record{ID: "other", User: "bob"}
	require.NoError(t, reg.Save(old))
	require.NoError(t, reg.Save(recent))
	require.NoError(t, reg.Save(other))

	recs, err := reg.ListByUser("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "recent", recs[0].ID)
	assert.Equal(t, "old", recs[1].ID)

	limited, err := reg.ListByUser("alice", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRegistrySweepExpired(t *testing.T) {
	reg := newTestRegistry(t)

	dir := t.TempDir()
	stalePath := filepath.Join(dir, "stale.tsv")
	require.NoError(t, os.WriteFile(stalePath, []byte("index\ttype\tlabel\tdata\n"), 0644))

	stale := &Record{
		ID:        "stale",
		User:      "alice",
		Path:      stalePath,
		Status:    StatusComplete,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &Record{ID: "fresh", User: "alice", Status: StatusComplete}
	require.NoError(t, reg.Save(stale))
	require.NoError(t, reg.Save(fresh))

	removed, err := reg.SweepExpired(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = reg.Get("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err), "swept export files are removed")

	_, err = reg.Get("fresh")
	assert.NoError(t, err)
}

func TestRegistryDeleteIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Save(&Record{ID: "exp-1", User: "alice"}))
	require.NoError(t, reg.Delete("exp-1"))
	require.NoError(t, reg.Delete("exp-1"))
}
