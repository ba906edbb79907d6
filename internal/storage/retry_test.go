package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

type codedErr int

func (c codedErr) Error() string { return "sqlite error" }
func (c codedErr) Code() int     { return int(c) }

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetriable(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsRetriable(codedErr(5)))
	assert.True(t, IsRetriable(codedErr(517))) // SQLITE_BUSY_SNAPSHOT
	assert.True(t, IsRetriable(codedErr(6)))
	assert.False(t, IsRetriable(codedErr(19)))
	assert.False(t, IsRetriable(errors.New("plain")))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("permanent")
	err = WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)

	calls = 0
	err = WithRetry(ctx, 2, time.Millisecond, func() error {
		calls++
		return codedErr(5)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
