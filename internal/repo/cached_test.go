package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Relay/internal/domain"
)

func TestCachedInstanceRepo_InvalidatesOnWrite(t *testing.T) {
	base := openTestDB(t)
	r := NewCachedInstanceRepo(base, 10, time.Minute)
	ctx := context.Background()

	inst := saveInstance(t, r, "orders")

	first, err := r.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Version)

	// изменение копии не портит кэш
	first.Context["order"] = "mutated"
	again, err := r.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "A-1", again.Context["order"])

	require.NoError(t, r.UpdateContext(ctx, inst.ID, map[string]any{"order": "B-2"}, 0))
	after, err := r.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Version)
	assert.Equal(t, "B-2", after.Context["order"])

	// неудачная запись тоже сбрасывает кэш
	assert.ErrorIs(t, r.UpdateContext(ctx, inst.ID, nil, 0), domain.ErrOptimisticConflict)
	after, err = r.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Version)
}

func TestCachedInstanceRepo_SeesWritesBypassingCache(t *testing.T) {
	base := openTestDB(t)
	r := NewCachedInstanceRepo(base, 10, 20*time.Millisecond)
	ctx := context.Background()

	inst := saveInstance(t, r, "orders")
	_, err := r.FindByID(ctx, inst.ID)
	require.NoError(t, err)

	// запись другим процессом видна после истечения TTL
	require.NoError(t, base.UpdateStatus(ctx, inst.ID, domain.InstanceStatusRunning, nil, ""))
	assert.Eventually(t, func() bool {
		got, err := r.FindByID(ctx, inst.ID)
		return err == nil && got.Status == domain.InstanceStatusRunning
	}, time.Second, 10*time.Millisecond)
}

func TestCachedDefinitions(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, MigrateGorm(context.Background(), db))
	r := NewCachedDefinitions(NewGormDefinitionRepo(db), 10, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, &domain.WorkflowDefinition{ID: "orders", Name: "v1"}))
	got, err := r.FindByID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Name)

	require.NoError(t, r.Save(ctx, &domain.WorkflowDefinition{ID: "orders", Name: "v2"}))
	got, err = r.FindByID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)

	require.NoError(t, r.Delete(ctx, "orders"))
	_, err = r.FindByID(ctx, "orders")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStats_ServesFromCacheUntilTTL(t *testing.T) {
	base := openTestDB(t)
	r := NewCachedStats(base, 4, 50*time.Millisecond)
	ctx := context.Background()

	saveInstance(t, base, "orders")
	n, err := r.CountActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	saveInstance(t, base, "orders")
	n, err = r.CountActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "served from cache")

	assert.Eventually(t, func() bool {
		n, err := r.CountActiveInstances(ctx)
		return err == nil && n == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCachedStats_FailedKeyedByWindow(t *testing.T) {
	base := openTestDB(t)
	r := NewCachedStats(base, 4, time.Minute)
	ctx := context.Background()

	failed, err := r.FindFailedRecentMinutes(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, failed)

	inst := saveInstance(t, base, "orders")
	now := time.Now().UTC()
	require.NoError(t, base.UpdateStatus(ctx, inst.ID, domain.InstanceStatusFailed, &now, "boom"))

	failed, err = r.FindFailedRecentMinutes(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, failed, "served from cache")

	failed, err = r.FindFailedRecentMinutes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}
