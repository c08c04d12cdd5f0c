package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/server/internal/storage/postgres"
)

func TestDeduper_Resolve_AllExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := []postgres.StagingRow{
		{Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601", CaseID: "C-1"},
		{Address: "100 MAIN ST", City: "chicago", State: "il", Zip: "60601", CaseID: "C-2"},
		{Address: "200 Oak Ave", City: "Chicago", State: "IL", Zip: "60602", CaseID: "C-1"},
	}

	// Two unique keys; both already exist, so no insert batch is sent.
	mock.ExpectQuery(`SELECT p.id, p.address, p.city, p.state, p.zip`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "address", "city", "state", "zip"}).
			AddRow("prop-1", "100 Main St", "Chicago", "IL", "60601").
			AddRow("prop-2", "200 Oak Ave", "Chicago", "IL", "60602"))

	repo, err := postgres.NewRepository(mock)
	require.NoError(t, err)

	deduper := NewDeduper(repo.Properties(), 500, zerolog.Nop())
	result, err := deduper.Resolve(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Existing)
	assert.Equal(t, 0, result.Created)
	assert.Len(t, result.Resolved, 2)
	assert.Equal(t, "prop-1", result.Resolved[postgres.NormalizePropertyKey("100 Main St", "Chicago", "IL", "60601")])
	assert.Equal(t, "prop-2", result.Resolved[postgres.NormalizePropertyKey("200 Oak Ave", "Chicago", "IL", "60602")])

	// C-1 appeared twice; still informational only.
	assert.Equal(t, []string{"C-1"}, result.DuplicateCaseIDs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeduper_Resolve_LookupError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT p.id, p.address, p.city, p.state, p.zip`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(fmt.Errorf("connection reset"))

	repo, err := postgres.NewRepository(mock)
	require.NoError(t, err)

	deduper := NewDeduper(repo.Properties(), 500, zerolog.Nop())
	_, err = deduper.Resolve(context.Background(), []postgres.StagingRow{
		{Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup existing properties")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildViolations(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	opened := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	key := postgres.NormalizePropertyKey("100 Main St", "Chicago", "IL", "60601")
	resolved := map[string]string{key: "prop-1"}

	rows := []postgres.StagingRow{
		{RowNumber: 1, Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601",
			CaseID: "C-1", ViolationType: "Weeds", ViolationStatus: "open", OpenedDate: &opened},
		{RowNumber: 2, Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601",
			CaseID: "C-2", ViolationType: "Trash", ViolationStatus: "closed"},
		{RowNumber: 3, Address: "999 Ghost Rd", City: "Chicago", State: "IL", Zip: "60601",
			CaseID: "C-3", ViolationType: "Junk", ViolationStatus: "open"},
		{RowNumber: 4, Address: "100 Main St", City: "Chicago", State: "IL", Zip: "60601",
			CaseID: "C-4", ViolationType: "Graffiti", ViolationStatus: "open", OpenedDate: &future},
	}

	violations, rowErrors := BuildViolations(rows, resolved, now)

	require.Len(t, violations, 3)
	require.Len(t, rowErrors, 1)
	assert.Equal(t, 3, rowErrors[0].RowNumber)
	assert.Contains(t, rowErrors[0].Reason, "could not be resolved")

	assert.Equal(t, "prop-1", violations[0].PropertyID)
	assert.Equal(t, "C-1", violations[0].CaseID)
	assert.Equal(t, 31, violations[0].DaysOpen)
	assert.NotEmpty(t, violations[0].ID)

	// No opened date means zero days open.
	assert.Equal(t, 0, violations[1].DaysOpen)
	assert.Nil(t, violations[1].OpenedDate)

	// A future opened date clamps to zero rather than going negative.
	assert.Equal(t, 0, violations[2].DaysOpen)
}
