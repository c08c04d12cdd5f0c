package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StagingRow is one raw parsed CSV row attached to an upload job. Written
// during the parsing stage, read-only afterwards, purged after retention.
type StagingRow struct {
	ID              int64
	UploadJobID     string
	RowNumber       int
	RawLine         string
	Address         string
	City            string
	State           string
	Zip             string
	CaseID          string
	ViolationType   string
	ViolationStatus string
	OpenedDate      *time.Time
	CreatedAt       time.Time
}

type StagingRowsRepository struct {
	db DB
}

func NewStagingRowsRepository(db DB) *StagingRowsRepository {
	return &StagingRowsRepository{db: db}
}

var stagingRowColumns = []string{
	"upload_job_id", "row_number", "raw_line",
	"address", "city", "state", "zip",
	"case_id", "violation_type", "violation_status", "opened_date",
}

// BulkInsert stages parsed rows with COPY.
func (r *StagingRowsRepository) BulkInsert(ctx context.Context, rows []StagingRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	copied, err := r.queryer().CopyFrom(
		ctx,
		pgx.Identifier{"staging_rows"},
		stagingRowColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			row := rows[i]
			return []any{
				row.UploadJobID, row.RowNumber, row.RawLine,
				row.Address, row.City, row.State, row.Zip,
				row.CaseID, row.ViolationType, row.ViolationStatus, row.OpenedDate,
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("stage rows: %w", err)
	}
	return copied, nil
}

// ListByJob returns a job's staged rows in original file order.
func (r *StagingRowsRepository) ListByJob(ctx context.Context, uploadJobID string) ([]StagingRow, error) {
	const query = `
		SELECT id, upload_job_id, row_number, raw_line,
		       address, city, state, zip,
		       case_id, violation_type, violation_status, opened_date, created_at
		FROM staging_rows
		WHERE upload_job_id = $1
		ORDER BY row_number ASC
	`

	rows, err := r.queryer().Query(ctx, query, uploadJobID)
	if err != nil {
		return nil, fmt.Errorf("list staging rows: %w", err)
	}
	defer rows.Close()

	var staged []StagingRow
	for rows.Next() {
		var row StagingRow
		err := rows.Scan(
			&row.ID, &row.UploadJobID, &row.RowNumber, &row.RawLine,
			&row.Address, &row.City, &row.State, &row.Zip,
			&row.CaseID, &row.ViolationType, &row.ViolationStatus,
			&row.OpenedDate, &row.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan staging row: %w", err)
		}
		staged = append(staged, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staging rows: %w", err)
	}
	return staged, nil
}

// PurgeCompleted removes staging rows belonging to jobs that completed before
// the retention cutoff. Rows for failed jobs are kept for diagnosis.
func (r *StagingRowsRepository) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		DELETE FROM staging_rows
		WHERE upload_job_id IN (
			SELECT id FROM upload_jobs
			WHERE status = $1 AND updated_at < now() - $2::interval
		)
	`

	tag, err := r.queryer().Exec(ctx, query, UploadStatusComplete, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("purge staging rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *StagingRowsRepository) queryer() DB {
	return r.db
}
