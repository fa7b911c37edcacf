package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/writeback"
)

type fakeEngine struct {
	mu          sync.Mutex
	online      bool
	manual      bool
	items       []*core.MutationQueueItem
	retries     []core.RetryQueueItem
	syncs       int
	retryPasses int
	failSync    error
}

func (f *fakeEngine) Status() core.AppSyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := core.SyncStateIdle
	if !f.online {
		state = core.SyncStateOffline
	}
	return core.AppSyncStatus{PendingChanges: len(f.items), SyncState: state, Errors: []core.SyncError{}}
}

func (f *fakeEngine) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeEngine) SetOnline(online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.manual {
		return errors.New("connectivity source cannot be set manually")
	}
	f.online = online
	return nil
}

func (f *fakeEngine) Enqueue(ctx context.Context, op core.OperationType, coll, id string, data map[string]interface{}) (*core.MutationQueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", writeback.ErrInvalidOperation, op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if op == core.OperationDelete && idgen.IsTemporary(id) {
		return nil, nil
	}
	item := &core.MutationQueueItem{ID: "m-1", Operation: op, CollectionPath: coll, EntityID: id, Data: data}
	f.items = append(f.items, item)
	return item, nil
}

func (f *fakeEngine) PendingMutations() []*core.MutationQueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items
}

func (f *fakeEngine) ProcessQueue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSync != nil {
		return f.failSync
	}
	f.syncs++
	f.items = nil
	return nil
}

func (f *fakeEngine) PendingRetries() []core.RetryQueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

func (f *fakeEngine) ProcessRetries(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryPasses++
	f.retries = nil
	return nil
}

func newRouter(e *fakeEngine) http.Handler {
	s := &Server{Engine: e, Logger: zerolog.Nop()}
	return s.Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	w := do(t, newRouter(&fakeEngine{}), "GET", "/healthz", nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestGetStatus(t *testing.T) {
	w := do(t, newRouter(&fakeEngine{online: true}), "GET", "/v1/status", nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decode(t, w)
	assert.Equal(t, "idle", body["syncState"])
	assert.Equal(t, true, body["online"])
	assert.EqualValues(t, 0, body["pendingChanges"])
}

func TestEnqueueMutation(t *testing.T) {
	e := &fakeEngine{}
	h := newRouter(e)

	w := do(t, h, "POST", "/v1/mutations", mutationReq{
		Operation:      core.OperationCreate,
		CollectionPath: "tasks",
		EntityID:       "temp-1",
		Data:           map[string]interface{}{"title": "Read"},
	})
	require.Equal(t, 202, w.Code)
	item := decode(t, w)["item"].(map[string]any)
	assert.Equal(t, "temp-1", item["entityId"])
	assert.Equal(t, "create", item["operation"])

	w = do(t, h, "GET", "/v1/mutations", nil)
	require.Equal(t, 200, w.Code)
	assert.Len(t, decode(t, w)["items"], 1)
}

func TestEnqueueMutation_Cancelled(t *testing.T) {
	w := do(t, newRouter(&fakeEngine{}), "POST", "/v1/mutations", mutationReq{
		Operation:      core.OperationDelete,
		CollectionPath: "tasks",
		EntityID:       "temp-1",
	})
	require.Equal(t, 202, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["item"])
	assert.Equal(t, true, body["cancelled"])
}

func TestEnqueueMutation_BadRequests(t *testing.T) {
	h := newRouter(&fakeEngine{})

	w := do(t, h, "POST", "/v1/mutations", "{not json")
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "invalid JSON", decode(t, w)["error"])

	w = do(t, h, "POST", "/v1/mutations", mutationReq{Operation: "upsert", CollectionPath: "tasks", EntityID: "t-1"})
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, decode(t, w)["error"], "unknown operation")
}

func TestSync(t *testing.T) {
	e := &fakeEngine{online: true, items: []*core.MutationQueueItem{{ID: "m-1"}}}
	h := newRouter(e)

	w := do(t, h, "POST", "/v1/sync", nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["pendingChanges"])
	assert.Equal(t, 1, e.syncs)

	e.failSync = errors.New("engine is closed")
	w = do(t, h, "POST", "/v1/sync", nil)
	assert.Equal(t, 503, w.Code)
}

func TestRetries(t *testing.T) {
	e := &fakeEngine{retries: []core.RetryQueueItem{{ID: "r-1", Call: core.RemoteCall{Kind: core.CallDocumentSet}}}}
	h := newRouter(e)

	w := do(t, h, "GET", "/v1/retries", nil)
	require.Equal(t, 200, w.Code)
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "document.set", items[0].(map[string]any)["operation"].(map[string]any)["kind"])

	w = do(t, h, "POST", "/v1/retries/process", nil)
	require.Equal(t, 200, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["pending"])
	assert.Equal(t, 1, e.retryPasses)

	w = do(t, h, "GET", "/v1/retries", nil)
	assert.Empty(t, decode(t, w)["items"])
}

func TestSetConnectivity(t *testing.T) {
	e := &fakeEngine{manual: true}
	h := newRouter(e)

	w := do(t, h, "PUT", "/v1/connectivity", map[string]any{"online": true})
	require.Equal(t, 200, w.Code)
	assert.Equal(t, true, decode(t, w)["online"])
	assert.True(t, e.IsOnline())

	w = do(t, h, "PUT", "/v1/connectivity", map[string]any{})
	assert.Equal(t, 400, w.Code)

	e.manual = false
	w = do(t, h, "PUT", "/v1/connectivity", map[string]any{"online": false})
	assert.Equal(t, 409, w.Code)
	assert.True(t, e.IsOnline())
}

func TestGenerateIDs(t *testing.T) {
	h := newRouter(&fakeEngine{})

	w := do(t, h, "POST", "/v1/ids", nil)
	require.Equal(t, 200, w.Code)
	ids := decode(t, w)["ids"].([]any)
	require.Len(t, ids, 1)
	assert.False(t, strings.HasPrefix(ids[0].(string), "temp-"))

	w = do(t, h, "POST", "/v1/ids?count=3&temporary=true", nil)
	require.Equal(t, 200, w.Code)
	ids = decode(t, w)["ids"].([]any)
	require.Len(t, ids, 3)
	for _, id := range ids {
		assert.True(t, idgen.IsTemporary(id.(string)))
	}

	w = do(t, h, "POST", "/v1/ids?count=5000", nil)
	assert.Len(t, decode(t, w)["ids"], 100)
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 1, parseLimit("", 1, 100))
	assert.Equal(t, 1, parseLimit("abc", 1, 100))
	assert.Equal(t, 1, parseLimit("-4", 1, 100))
	assert.Equal(t, 7, parseLimit("7", 1, 100))
	assert.Equal(t, 100, parseLimit("101", 1, 100))
}
