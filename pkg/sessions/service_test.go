package sessions

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st)
}

func testSession(id string) *models.Session {
	return &models.Session{
		ID:               id,
		TicketID:         "t1",
		TicketIdentifier: "T-1",
		WorkType:         models.WorkTypeDevelopment,
		Status:           models.SessionStatusPending,
		Priority:         3,
	}
}

func TestSaveAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Save(ctx, testSession("s1")))

	got, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SessionStatusPending, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())

	missing, err := svc.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, testSession("s1")))

	claimed, err := svc.UpdateStatus(ctx, "s1", models.SessionStatusClaimed, func(s *models.Session) {
		s.WorkerID = "w1"
	})
	require.NoError(t, err)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.NotNil(t, claimed.ClaimedAt)

	_, err = svc.UpdateStatus(ctx, "s1", models.SessionStatusRunning, nil)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, "s1", models.SessionStatusCompleted, nil)
	require.NoError(t, err)

	// Terminal statuses are absorbing.
	_, err = svc.UpdateStatus(ctx, "s1", models.SessionStatusRunning, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResetForRequeue(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	s := testSession("s1")
	s.Status = models.SessionStatusRunning
	s.WorkerID = "w1"
	s.ProviderSessionID = "p1"
	require.NoError(t, svc.Save(ctx, s))

	reset, err := svc.ResetForRequeue(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, reset.Status)
	assert.Empty(t, reset.WorkerID)
	assert.Empty(t, reset.ProviderSessionID)
}

func TestFindByPublicID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	salt := strings.Repeat("x", 32)

	require.NoError(t, svc.Save(ctx, testSession("s1")))
	require.NoError(t, svc.Save(ctx, testSession("s2")))

	public := models.HashSessionID(salt, "s2")
	found, err := svc.FindByPublicID(ctx, salt, public)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "s2", found.ID)

	none, err := svc.FindByPublicID(ctx, salt, "ffffffffffffffff")
	require.NoError(t, err)
	assert.Nil(t, none)
}
