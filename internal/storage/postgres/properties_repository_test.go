package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashagolub/pgxmock/v4"
)

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestNormalizePropertyKey(t *testing.T) {
	tests := []struct {
		name                      string
		address, city, state, zip string
		want                      string
	}{
		{"lowercases", "100 Main St", "Chicago", "IL", "60601", "100 main st|chicago|il|60601"},
		{"collapses whitespace", "100   Main  St", " Chicago ", "IL", "60601", "100 main st|chicago|il|60601"},
		{"empty zip", "100 Main St", "Chicago", "IL", "", "100 main st|chicago|il|"},
		{"all empty", "", "", "", "", "|||"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePropertyKey(tt.address, tt.city, tt.state, tt.zip))
		})
	}
}

func TestProperty_NormalizedKey(t *testing.T) {
	p := Property{Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601"}
	assert.Equal(t, "100 main st|chicago|il|60601", p.NormalizedKey())
}

func TestPropertiesRepository_FindByNormalizedKeys_Empty(t *testing.T) {
	mock := newMockPool(t)

	repo := NewPropertiesRepository(mock)
	found, err := repo.FindByNormalizedKeys(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, found)

	// No query should have been issued.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPropertiesRepository_FindByNormalizedKeys(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectQuery(`SELECT p.id, p.address, p.city, p.state, p.zip`).
		WithArgs(
			[]string{"100 main st"}, []string{"chicago"}, []string{"il"}, []string{"60601"},
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "address", "city", "state", "zip"}).
			AddRow("prop-1", "100 Main St", "Chicago", "IL", "60601"))

	repo := NewPropertiesRepository(mock)
	found, err := repo.FindByNormalizedKeys(context.Background(), []Property{
		{Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"100 main st|chicago|il|60601": "prop-1"}, found)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPropertiesRepository_ListNeedingGeocoding(t *testing.T) {
	mock := newMockPool(t)

	rows := pgxmock.NewRows([]string{
		"id", "address", "city", "state", "zip", "latitude", "longitude",
		"total_violations", "open_violations", "repeat_offender",
		"score", "score_updated_at", "created_at", "updated_at",
	}).
		AddRow("prop-1", "100 Main St", "Chicago", "IL", "60601", nil, nil,
			3, 2, true, nil, nil, testTime(t), testTime(t)).
		AddRow("prop-2", "200 Oak Ave", "Dallas", "TX", "75201", nil, nil,
			1, 1, false, nil, nil, testTime(t), testTime(t))

	mock.ExpectQuery(`SELECT id, address, city, state, zip`).
		WithArgs(50).
		WillReturnRows(rows)

	repo := NewPropertiesRepository(mock)
	properties, err := repo.ListNeedingGeocoding(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, properties, 2)

	assert.Equal(t, "prop-1", properties[0].ID)
	assert.Nil(t, properties[0].Latitude)
	assert.True(t, properties[0].RepeatOffender)
	assert.Equal(t, "prop-2", properties[1].ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPropertiesRepository_CountNeedingGeocoding(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	repo := NewPropertiesRepository(mock)
	count, err := repo.CountNeedingGeocoding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPropertiesRepository_UpdateCoordinates_Empty(t *testing.T) {
	mock := newMockPool(t)

	repo := NewPropertiesRepository(mock)
	require.NoError(t, repo.UpdateCoordinates(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPropertiesRepository_ApplyViolationCounts_Empty(t *testing.T) {
	mock := newMockPool(t)

	repo := NewPropertiesRepository(mock)
	require.NoError(t, repo.ApplyViolationCounts(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
