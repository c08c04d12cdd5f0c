package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Violation is one enforcement record tied to exactly one property.
// Immutable after insert except for status normalization.
type Violation struct {
	ID            string
	PropertyID    string
	CaseID        string
	ViolationType string
	Status        string
	OpenedDate    *time.Time
	DaysOpen      int
	CreatedAt     time.Time
}

type ViolationsRepository struct {
	db DB
}

func NewViolationsRepository(db DB) *ViolationsRepository {
	return &ViolationsRepository{db: db}
}

// BulkInsert writes one batch of violations. ON CONFLICT DO NOTHING is the
// duplicate guard for retried batches: a pipeline retry after a mid-run
// failure re-sends already-committed rows without duplicating them. Returns
// the number of rows actually inserted.
func (r *ViolationsRepository) BulkInsert(ctx context.Context, violations []Violation) (int, error) {
	if len(violations) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO violations (id, property_id, case_id, violation_type, status, opened_date, days_open)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (property_id, case_id, violation_type, COALESCE(opened_date, '1970-01-01'::date))
		DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, v := range violations {
		batch.Queue(query, v.ID, v.PropertyID, v.CaseID, v.ViolationType, v.Status, v.OpenedDate, v.DaysOpen)
	}

	results := r.queryer().SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range violations {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert violation: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CountByProperty returns the number of violations recorded for a property.
func (r *ViolationsRepository) CountByProperty(ctx context.Context, propertyID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM violations WHERE property_id = $1`

	var count int64
	if err := r.queryer().QueryRow(ctx, query, propertyID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return count, nil
}

func (r *ViolationsRepository) queryer() DB {
	return r.db
}
