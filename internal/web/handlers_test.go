package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-export/internal/export"
	"github.com/blockedby/tg-export/internal/store"
	"github.com/blockedby/tg-export/internal/telegram"
)

// stubSession is an empty-world Session: no chats, no media.
type stubSession struct{}

func (stubSession) Dialogs(context.Context) ([]telegram.Chat, error) { return nil, nil }
func (stubSession) History(*telegram.Chat, int) export.MessageIter   { return stubIter{} }
func (stubSession) DownloadChunk(context.Context, telegram.FileRef, int64, int) ([]byte, error) {
	return nil, nil
}
func (stubSession) RefreshReference(context.Context, *telegram.Chat, int) (*telegram.MediaInfo, error) {
	return nil, nil
}
func (stubSession) SelfID() (int64, error) { return 1, nil }

type stubIter struct{}

func (stubIter) Next(context.Context) (*telegram.Message, error) { return nil, nil }

type stubTG struct{}

func (stubTG) GetStatus() telegram.Status { return telegram.StatusReady }

func newTestServer(t *testing.T) (*Server, *export.Engine) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	engine := export.NewEngine(stubSession{}, st, t.TempDir(), nil, nil, nil)
	srv := NewServer(&Config{Port: 0}, engine, stubTG{}, nil)
	return srv, engine
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAPI_CreateAndGetJob(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/export/create?name=myjob",
		`{"private_channels":true,"message_from":1,"message_to":0,"photos":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	rec = doRequest(t, srv, http.MethodGet, "/api/export/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap export.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "myjob", snap.Name)
	assert.Equal(t, export.StatePending, snap.State)
	assert.True(t, snap.Options.PrivateChannels)
}

func TestAPI_CreateRequiresName(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/export/create", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownJobIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{
		"/api/export/nope",
		"/api/export/nope/downloads",
	} {
		rec := doRequest(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/export/nope/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_StartLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/export/create?name=lifecycle",
		`{"private_channels":true}`)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]

	rec = doRequest(t, srv, http.MethodPost, "/api/export/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// empty world: the job completes with zero totals
	require.Eventually(t, func() bool {
		rec := doRequest(t, srv, http.MethodGet, "/api/export/"+id, "")
		var snap export.Snapshot
		_ = json.Unmarshal(rec.Body.Bytes(), &snap)
		return snap.State == export.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// pause after completion is rejected
	rec = doRequest(t, srv, http.MethodPost, "/api/export/"+id+"/pause", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// retry with no failures: ok, zero requeued
	rec = doRequest(t, srv, http.MethodPost, "/api/export/"+id+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var retried map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	assert.EqualValues(t, 0, retried["requeued"])
}

func TestAPI_ListTasks(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/api/export/create?name=a", `{}`)
	doRequest(t, srv, http.MethodPost, "/api/export/create?name=b", `{}`)

	rec := doRequest(t, srv, http.MethodGet, "/api/export/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []export.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Len(t, snaps, 2)
}

func TestAPI_DownloadsProjection(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/export/create?name=p", `{}`)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doRequest(t, srv, http.MethodGet, "/api/export/"+created["id"]+"/downloads?limit=5&reversed_order=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var proj export.Projection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proj))
	assert.Zero(t, proj.Counts["waiting"])
}

func TestAPI_ConcurrencyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/export/create?name=c", `{"max_concurrent_downloads":5}`)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]

	rec = doRequest(t, srv, http.MethodPost, "/api/export/"+id+"/concurrency?max_concurrent_downloads=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/export/"+id, "")
	var snap export.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.Options.MaxConcurrentDownloads)
}

func TestAPI_DelegatedToggleWithoutRunnerFails(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/export/create?name=d", `{}`)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doRequest(t, srv, http.MethodPost, "/api/export/"+created["id"]+"/tdl-mode?enabled=true", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// disabling is always fine
	rec = doRequest(t, srv, http.MethodPost, "/api/export/"+created["id"]+"/tdl-mode?enabled=false", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_DeleteJob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/export/create?name=del", `{}`)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]

	rec = doRequest(t, srv, http.MethodDelete, "/api/export/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/export/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_TelegramStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/telegram/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "READY")
}
