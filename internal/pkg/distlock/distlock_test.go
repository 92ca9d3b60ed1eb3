package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweeper", time.Minute)
	b := NewRedisLock(client, "sweeper", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// b does not own the lock, so its release is a no-op.
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAndExtend(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 10*time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, 30*time.Second))
	mr.FastForward(20 * time.Second)

	b := NewRedisLock(client, "k", 10*time.Second)
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok, "extended lock should still be held")

	mr.FastForward(15 * time.Second)
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok)

	assert.Error(t, a.Extend(ctx, time.Second), "expired owner cannot extend")
}

func TestWithLock(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "job", time.Minute)
	ran, err := WithLock(ctx, holder, func(ctx context.Context) error {
		other := NewRedisLock(client, "job", time.Minute)
		innerRan, err := WithLock(ctx, other, func(context.Context) error { return nil })
		assert.NoError(t, err)
		assert.False(t, innerRan)
		return errors.New("boom")
	})
	assert.True(t, ran)
	assert.EqualError(t, err, "boom")

	again := NewRedisLock(client, "job", time.Minute)
	ok, _ := again.Acquire(ctx)
	assert.True(t, ok, "WithLock must release after fn returns")
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "scheduler:sweeper")

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
