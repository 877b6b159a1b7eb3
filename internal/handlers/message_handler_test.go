package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/models"
)

func newMessageRig(t *testing.T) (*cache.Cache, *MessageHandler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := cache.NewWithClient(client, time.Hour, true, common.GetLogger())
	return store, NewMessageHandler(store, common.GetLogger())
}

func TestReplayReturnsStoredPayload(t *testing.T) {
	store, h := newMessageRig(t)
	stored := []byte(`{"action":"sentences","sentences":{"s1":["the","cat"]}}`)
	require.NoError(t, store.StoreMessage(context.Background(), "msg-1", stored))

	req := httptest.NewRequest("GET", "/messages/msg-1?user=alice&room=room-1", nil)
	rec := httptest.NewRecorder()
	h.Replay(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, models.ActionFetch, out["action"])
	assert.Equal(t, "msg-1", out["msg_id"])
	assert.NotNil(t, out["payload"])
}

func TestReplayPublishesIntoRoom(t *testing.T) {
	store, h := newMessageRig(t)
	require.NoError(t, store.StoreMessage(context.Background(), "msg-2", []byte(`{"a":1}`)))

	sub := store.SubscribeProgress(context.Background())
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	ch := sub.Channel()

	req := httptest.NewRequest("GET", "/messages/msg-2?user=alice&room=room-1", nil)
	rec := httptest.NewRecorder()
	h.Replay(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-ch:
		var view models.RoutingView
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &view))
		assert.Equal(t, models.ActionFetch, view.Action)
		assert.Equal(t, "room-1", view.Room)
	case <-time.After(2 * time.Second):
		t.Fatal("fetched message was not published")
	}
}

func TestReplayMissingMessageIs404(t *testing.T) {
	_, h := newMessageRig(t)

	req := httptest.NewRequest("GET", "/messages/unknown", nil)
	rec := httptest.NewRecorder()
	h.Replay(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
