package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViolationsRepository_BulkInsert_Empty(t *testing.T) {
	mock := newMockPool(t)

	repo := NewViolationsRepository(mock)
	inserted, err := repo.BulkInsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestViolationsRepository_CountByProperty(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("prop-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	repo := NewViolationsRepository(mock)
	count, err := repo.CountByProperty(context.Background(), "prop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	require.NoError(t, mock.ExpectationsWereMet())
}
