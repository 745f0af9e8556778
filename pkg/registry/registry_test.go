package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *sessions.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })
	sessionSvc := sessions.NewService(st)
	cfg := config.Default().Worker
	return New(st, sessionSvc, &cfg), sessionSvc, mr
}

func TestRegisterAndGet(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, "host-a", 4, "1.2.3", []string{"proj-x"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.WorkerID)
	assert.Equal(t, 30*time.Second, res.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, res.PollInterval)

	info, err := r.Get(ctx, res.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, "host-a", info.Hostname)
	assert.Equal(t, 4, info.Capacity)
	assert.Equal(t, models.WorkerStatusActive, info.Status)
	assert.Equal(t, []string{"proj-x"}, info.Projects)
}

func TestGetUnknownWorker(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestHeartbeatRefreshesRecord(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, "host-a", 2, "", nil)
	require.NoError(t, err)

	hb, err := r.Heartbeat(ctx, res.WorkerID, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), hb.PendingWorkCount)
	assert.False(t, hb.ServerTime.IsZero())

	info, err := r.Get(ctx, res.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ActiveCount)
}

func TestWorkerGoesOfflineWithoutHeartbeat(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, "host-a", 2, "", nil)
	require.NoError(t, err)

	// Readers flag a silent worker offline before the record TTL lapses.
	r.now = func() time.Time { return time.Now().Add(91 * time.Second) }
	info, err := r.Get(ctx, res.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusOffline, info.Status)
}

func TestRegistrationTTLExpiry(t *testing.T) {
	r, _, mr := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, "host-a", 2, "", nil)
	require.NoError(t, err)

	mr.FastForward(121 * time.Second)
	_, err = r.Get(ctx, res.WorkerID)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestDeregisterReturnsOwnedSessions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, "host-a", 2, "", nil)
	require.NoError(t, err)
	require.NoError(t, r.AddSession(ctx, res.WorkerID, "s1"))
	require.NoError(t, r.AddSession(ctx, res.WorkerID, "s2"))

	unclaimed, err := r.Deregister(ctx, res.WorkerID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, unclaimed)

	_, err = r.Get(ctx, res.WorkerID)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestTotalCapacityUsesSessionSet(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, "host-a", 3, "", nil)
	require.NoError(t, err)

	// Advisory active_count says full, but the authoritative session set has
	// a single session: capacity accounting must trust the set.
	_, err = r.Heartbeat(ctx, res.WorkerID, 3, 0)
	require.NoError(t, err)
	require.NoError(t, r.AddSession(ctx, res.WorkerID, "s1"))

	total, err := r.TotalCapacity(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTransferSessionOwnership(t *testing.T) {
	r, sessionSvc, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, sessionSvc.Save(ctx, &models.Session{
		ID:       "s1",
		Status:   models.SessionStatusRunning,
		WorkerID: "w-old",
	}))

	accepted, reason, err := r.TransferSessionOwnership(ctx, "s1", "w-new", "w-old")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Empty(t, reason)

	session, err := sessionSvc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "w-new", session.WorkerID)
}

func TestTransferSessionOwnershipRejected(t *testing.T) {
	r, sessionSvc, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, sessionSvc.Save(ctx, &models.Session{
		ID:       "s1",
		Status:   models.SessionStatusRunning,
		WorkerID: "w-other",
	}))

	accepted, reason, err := r.TransferSessionOwnership(ctx, "s1", "w-new", "w-old")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Contains(t, reason, "w-other")
}

func TestTransferSessionOwnershipEmptyOwner(t *testing.T) {
	r, sessionSvc, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, sessionSvc.Save(ctx, &models.Session{
		ID:     "s1",
		Status: models.SessionStatusPending,
	}))

	accepted, _, err := r.TransferSessionOwnership(ctx, "s1", "w-new", "w-old")
	require.NoError(t, err)
	assert.True(t, accepted, "unowned sessions are adoptable")
}
