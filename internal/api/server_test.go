// ABOUTME: Tests for the management API handlers.
// ABOUTME: Exercises job CRUD, draft decisions, and channel listing over httptest.

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/internal/broadcast"
	"github.com/loomlabs/loom/internal/channel"
	"github.com/loomlabs/loom/internal/draft"
	"github.com/loomlabs/loom/internal/envelope"
	"github.com/loomlabs/loom/internal/scheduler"
	"github.com/loomlabs/loom/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store, *draft.Workflow) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := broadcast.NewHub(logger)
	t.Cleanup(hub.Close)

	workflow := draft.NewWorkflow(draft.Config{Store: st, Hub: hub, Logger: logger})
	t.Cleanup(workflow.Stop)

	registry := channel.NewRegistry(func(*envelope.ConversationEnvelope) {}, logger)

	srv := NewServer(Config{
		Addr:     "127.0.0.1:0",
		Jobs:     scheduler.NewManager(st, 3, logger),
		Drafts:   workflow,
		Registry: registry,
		Hub:      hub,
		Logger:   logger,
	})
	return srv, st, workflow
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndListJobs(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, http.MethodPost, "/api/jobs",
		`{"name":"morning-brief","schedule_type":"cron","schedule_spec":"0 7 * * *","prompt":"summarize my day"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created JobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)

	rr = doRequest(t, srv, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var jobs []JobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "morning-brief", jobs[0].Name)
}

func TestCreateJob_DuplicateName(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"name":"dup","schedule_type":"every","schedule_spec":"5m","prompt":"p"}`
	rr := doRequest(t, srv, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(t, srv, http.MethodPost, "/api/jobs", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateJob_MalformedSpec(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, http.MethodPost, "/api/jobs",
		`{"name":"bad","schedule_type":"every","schedule_spec":"banana","prompt":"p"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobEnableDisableDelete(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, http.MethodPost, "/api/jobs",
		`{"name":"j","schedule_type":"every","schedule_spec":"1h","prompt":"p"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created JobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = doRequest(t, srv, http.MethodPost, "/api/jobs/"+created.ID+"/disable", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, http.MethodPost, "/api/jobs/"+created.ID+"/enable", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, http.MethodDelete, "/api/jobs/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, srv, http.MethodDelete, "/api/jobs/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDraftApproveEndpoint(t *testing.T) {
	srv, _, workflow := newTestServer(t)
	workflow.RegisterSender("whatsapp", func(context.Context, *store.Draft) error { return nil })

	d, err := workflow.Create(t.Context(), &envelope.ReplyEnvelope{
		Channel:         "whatsapp",
		ConversationKey: "whatsapp:555",
		Text:            "draft body",
	}, "user-1", nil)
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodPost, "/api/drafts/"+d.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out DraftResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, store.DraftSent, out.Status)

	// Second approve loses the race.
	rr = doRequest(t, srv, http.MethodPost, "/api/drafts/"+d.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDraftApproveWithoutSenderReportsFailure(t *testing.T) {
	srv, _, workflow := newTestServer(t)

	d, err := workflow.Create(t.Context(), &envelope.ReplyEnvelope{
		Channel:         "whatsapp",
		ConversationKey: "whatsapp:555",
		Text:            "draft body",
	}, "user-1", nil)
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodPost, "/api/drafts/"+d.ID+"/approve", "")
	require.Equal(t, http.StatusBadGateway, rr.Code, rr.Body.String())

	var body struct {
		Error string        `json:"error"`
		Draft DraftResponse `json:"draft"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, store.DraftApproved, body.Draft.Status, "approval survives the delivery failure")
}

func TestDraftRejectByPrefix(t *testing.T) {
	srv, _, workflow := newTestServer(t)

	d, err := workflow.Create(t.Context(), &envelope.ReplyEnvelope{
		Channel:         "whatsapp",
		ConversationKey: "whatsapp:555",
		Text:            "draft body",
	}, "user-1", nil)
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodPost, "/api/drafts/"+d.ID[:8]+"/reject", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out DraftResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, store.DraftRejected, out.Status)
}

func TestListDraftsFilter(t *testing.T) {
	srv, _, workflow := newTestServer(t)

	_, err := workflow.Create(t.Context(), &envelope.ReplyEnvelope{
		Channel:         "whatsapp",
		ConversationKey: "whatsapp:555",
		Text:            "pending one",
	}, "user-1", nil)
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodGet, "/api/drafts?status=pending", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var drafts []DraftResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &drafts))
	require.Len(t, drafts, 1)

	rr = doRequest(t, srv, http.MethodGet, "/api/drafts?status=sent", "")
	require.Equal(t, http.StatusOK, rr.Code)
	drafts = nil
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &drafts))
	assert.Empty(t, drafts)
}

func TestChannelsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var channels []ChannelResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &channels))
	assert.Empty(t, channels)
}

func TestUnknownDraftAction(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, http.MethodPost, "/api/drafts/abc/escalate", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServerStartStop(t *testing.T) {
	srv, _, _ := newTestServer(t)

	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
