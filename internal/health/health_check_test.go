package health

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privyscan/privyscan/internal/logger"
)

func TestCheck_AllHealthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	status := NewChecker(db, rdb, logger.NewLogger("TEST")).Check(context.Background())
	assert.Equal(t, "healthy", status.Overall)
	assert.Equal(t, "healthy", status.Database.Status)
	assert.Equal(t, "healthy", status.Cache.Status)
}

func TestCheck_RedisDownDegrades(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	status := NewChecker(db, rdb, logger.NewLogger("TEST")).Check(context.Background())
	assert.Equal(t, "degraded", status.Overall)
	assert.Equal(t, "unhealthy", status.Cache.Status)
}

func TestCheck_DatabaseDownIsUnhealthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(assert.AnError)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	status := NewChecker(db, rdb, logger.NewLogger("TEST")).Check(context.Background())
	assert.Equal(t, "unhealthy", status.Overall)
	assert.Equal(t, "unhealthy", status.Database.Status)
}
