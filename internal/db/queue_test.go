package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection exception", &pq.Error{Code: "08006"}, true},
		{"insufficient resources", &pq.Error{Code: "53300"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"invalid text representation", &pq.Error{Code: "22P02"}, false},
		{"conn done", sql.ErrConnDone, true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"arbitrary", errors.New("some business error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestDbQueueExecute(t *testing.T) {
	queue, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE domains`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := queue.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE domains SET status = 'processing'`)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDbQueueExecuteAfterStop(t *testing.T) {
	queue, _, cleanup := newMockQueue(t)
	cleanup()

	err := queue.Execute(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}

func TestDbQueueRetriesTransientErrors(t *testing.T) {
	queue, mock, cleanup := newMockQueue(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE domains`).WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE domains`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := queue.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE domains SET status = 'processing'`)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
