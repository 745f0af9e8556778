package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/cleanup"
	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/dispatch"
	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/registry"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

const (
	testWorkerKey     = "worker-key"
	testWebhookSecret = "webhook-secret"
	testCronSecret    = "cron-secret"
	testSalt          = "0123456789abcdef0123456789abcdef"
)

type fixture struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	sessions  *sessions.Service
	registry  *registry.Registry
	inbox     *prompts.Inbox
	tracker   *tracker.FakeClient
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Security.WorkerAPIKey = testWorkerKey
	cfg.Security.WebhookSecret = testWebhookSecret
	cfg.Security.CronSecret = testCronSecret
	cfg.Security.SessionHashSalt = testSalt

	f := &fixture{
		store:     st,
		scheduler: scheduler.New(st),
		sessions:  sessions.NewService(st),
		inbox:     prompts.NewInbox(st),
		tracker:   tracker.NewFakeClient(),
	}
	f.registry = registry.New(st, f.sessions, &cfg.Worker)
	esc := escalation.NewTracker(st)
	disp := dispatch.NewDispatcher(st, f.scheduler, f.sessions, esc, f.inbox, f.tracker)
	cl := cleanup.NewService(cfg.Cleanup, st, f.scheduler, f.sessions, f.registry)
	f.router = NewServer(cfg, st, disp, f.scheduler, f.sessions, f.registry, f.inbox, cl).Router()
	return f
}

func (f *fixture) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func workerAuthHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testWorkerKey}
}

func startedEvent(deliveryID string) *dispatch.Event {
	return &dispatch.Event{
		Kind:             dispatch.EventIssueUpdate,
		DeliveryID:       deliveryID,
		TicketID:         "t1",
		TicketIdentifier: "T-1",
		FromStatus:       models.TicketStatusBacklog,
		ToStatus:         models.TicketStatusStarted,
	}
}

func TestWebhookRequiresSecret(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/webhook", startedEvent("d1"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/webhook", startedEvent("d1"), map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookDispatchesEvent(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/webhook", startedEvent("d1"), map[string]string{"X-Webhook-Secret": testWebhookSecret})
	require.Equal(t, http.StatusOK, w.Code)

	var result dispatch.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, dispatch.OutcomeDispatched, result.Outcome)

	depth, err := f.scheduler.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Same delivery again short-circuits.
	w = f.do(http.MethodPost, "/webhook", startedEvent("d1"), map[string]string{"X-Webhook-Secret": testWebhookSecret})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, dispatch.OutcomeDuplicate, result.Outcome)
}

func TestWebhookRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not json"))
	req.Header.Set("X-Webhook-Secret", testWebhookSecret)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerLifecycle(t *testing.T) {
	f := newFixture(t)

	// No key, no entry.
	w := f.do(http.MethodPost, "/api/v1/workers/register",
		gin.H{"hostname": "host-a", "capacity": 2}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/workers/register",
		gin.H{"hostname": "host-a", "capacity": 2, "version": "v1"}, workerAuthHeader())
	require.Equal(t, http.StatusOK, w.Code)

	var reg registry.RegisterResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.WorkerID)

	// Heartbeat carries the queue depth back.
	w = f.do(http.MethodPost, "/api/v1/workers/"+reg.WorkerID+"/heartbeat",
		gin.H{"active_count": 0}, workerAuthHeader())
	assert.Equal(t, http.StatusOK, w.Code)

	// Empty queue: nothing to claim.
	w = f.do(http.MethodPost, "/api/v1/workers/"+reg.WorkerID+"/claim", gin.H{}, workerAuthHeader())
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Queue something through the webhook, then claim it.
	w = f.do(http.MethodPost, "/webhook", startedEvent("d1"), map[string]string{"X-Webhook-Secret": testWebhookSecret})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/workers/"+reg.WorkerID+"/claim", gin.H{}, workerAuthHeader())
	require.Equal(t, http.StatusOK, w.Code)

	var work models.QueuedWork
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &work))
	assert.Equal(t, "t1", work.TicketID)
	assert.Equal(t, models.WorkTypeDevelopment, work.WorkType)

	owned, err := f.registry.Sessions(context.Background(), reg.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, []string{work.SessionID}, owned)

	// A second claim finds the queue empty again.
	w = f.do(http.MethodPost, "/api/v1/workers/"+reg.WorkerID+"/claim", gin.H{}, workerAuthHeader())
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/workers/nope/heartbeat",
		gin.H{"active_count": 0}, workerAuthHeader())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeregisterRequeuesOwnedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(http.MethodPost, "/api/v1/workers/register",
		gin.H{"hostname": "host-a", "capacity": 2}, workerAuthHeader())
	require.Equal(t, http.StatusOK, w.Code)
	var reg registry.RegisterResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))

	require.NoError(t, f.sessions.Save(ctx, &models.Session{
		ID: "s1", TicketID: "t1", TicketIdentifier: "T-1",
		WorkType: models.WorkTypeDevelopment,
		Status:   models.SessionStatusClaimed,
		WorkerID: reg.WorkerID,
		Priority: 3,
	}))
	require.NoError(t, f.registry.AddSession(ctx, reg.WorkerID, "s1"))

	w = f.do(http.MethodPost, "/api/v1/workers/"+reg.WorkerID+"/deregister", gin.H{}, workerAuthHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "s1")

	got, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, got.Status)

	depth, err := f.scheduler.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWorkerWorktreesDrainOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.SAdd(ctx, store.CleanupWorktreesKey("w1"), "/work/T-1-DEV")
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/workers/w1/worktrees", nil, workerAuthHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/work/T-1-DEV")

	w = f.do(http.MethodGet, "/api/v1/workers/w1/worktrees", nil, workerAuthHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "T-1-DEV")
}

func TestPublicSessionLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Save(ctx, &models.Session{
		ID: "internal-sid", TicketID: "t1", TicketIdentifier: "T-1",
		WorkType: models.WorkTypeDevelopment,
		Status:   models.SessionStatusRunning,
		WorkerID: "w1",
		PRURL:    "https://github.com/org/repo/pull/7",
	}))
	publicID := models.HashSessionID(testSalt, "internal-sid")

	w := f.do(http.MethodGet, "/api/v1/sessions/"+publicID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got publicSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, publicID, got.ID)
	assert.Equal(t, "T-1", got.TicketIdentifier)
	assert.Equal(t, "running", got.Status)

	// Internal identifiers must not leak.
	assert.NotContains(t, w.Body.String(), "internal-sid")
	assert.NotContains(t, w.Body.String(), "w1")

	w = f.do(http.MethodGet, "/api/v1/sessions/ffffffffffffffff", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddPromptToLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Save(ctx, &models.Session{
		ID: "sid-live", TicketID: "t1", TicketIdentifier: "T-1",
		WorkType: models.WorkTypeDevelopment,
		Status:   models.SessionStatusRunning,
	}))
	publicID := models.HashSessionID(testSalt, "sid-live")

	w := f.do(http.MethodPost, "/api/v1/sessions/"+publicID+"/prompts",
		gin.H{"prompt": "also update the docs", "user_name": "alice"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	n, err := f.inbox.Len(ctx, "sid-live")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddPromptToFinishedSessionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Save(ctx, &models.Session{
		ID: "sid-done", TicketID: "t1", TicketIdentifier: "T-1",
		WorkType: models.WorkTypeDevelopment,
		Status:   models.SessionStatusCompleted,
	}))
	publicID := models.HashSessionID(testSalt, "sid-done")

	w := f.do(http.MethodPost, "/api/v1/sessions/"+publicID+"/prompts",
		gin.H{"prompt": "too late"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDashboardListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Save(ctx, &models.Session{
		ID: "internal-sid", TicketID: "t1", TicketIdentifier: "T-1",
		WorkType: models.WorkTypeDevelopment,
		Status:   models.SessionStatusRunning,
		WorkerID: "w1",
	}))
	_, err := f.registry.Register(ctx, "host-a", 2, "v1", nil)
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/dashboard/sessions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "T-1")
	assert.NotContains(t, w.Body.String(), "internal-sid")
	assert.NotContains(t, w.Body.String(), "w1")

	w = f.do(http.MethodGet, "/api/v1/dashboard/workers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "host-a")
	assert.Contains(t, w.Body.String(), `"status":"active"`)
}

func TestCronCleanupAuth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/cron/cleanup", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/cron/cleanup", nil,
		map[string]string{"Authorization": "Bearer " + testCronSecret})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "herder_queue_depth")
}

func TestWebhookRateLimit(t *testing.T) {
	f := newFixture(t)

	// The default webhook window allows 10/s; the 11th request from the same
	// client trips the limiter before auth runs.
	var last int
	for i := 0; i < 11; i++ {
		w := f.do(http.MethodPost, "/webhook", startedEvent(fmt.Sprintf("d%d", i)),
			map[string]string{"X-Webhook-Secret": "wrong"})
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
