package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelworks/server/internal/ids"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/rs/zerolog"
)

// DedupResult summarizes one deduplication pass.
type DedupResult struct {
	// Resolved maps normalized property key -> property id, covering both
	// pre-existing and newly created properties.
	Resolved map[string]string
	// Created is the number of properties inserted by this pass.
	Created int
	// Existing is the number of keys that matched pre-existing properties.
	Existing int
	// DuplicateCaseIDs lists case ids that appeared on more than one input
	// row. Informational only: source cities legitimately reuse case
	// numbers across re-exports, so these rows are still processed.
	DuplicateCaseIDs []string
	// RowErrors records rows whose property key could not be resolved.
	RowErrors []RowError
}

// Deduper resolves staged rows against the properties table.
type Deduper struct {
	properties *postgres.PropertiesRepository
	batchSize  int
	logger     zerolog.Logger
}

func NewDeduper(properties *postgres.PropertiesRepository, batchSize int, logger zerolog.Logger) *Deduper {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Deduper{properties: properties, batchSize: batchSize, logger: logger}
}

// Resolve builds the set of unique normalized property keys across all rows,
// looks them up in one round trip, and batch-inserts the rest. Inserted ids
// are merged back into the same map, so a property created for an early row
// is visible to later rows referencing the same key.
func (d *Deduper) Resolve(ctx context.Context, rows []postgres.StagingRow) (*DedupResult, error) {
	result := &DedupResult{Resolved: make(map[string]string)}

	unique := make(map[string]postgres.Property)
	order := make([]string, 0)
	caseSeen := make(map[string]int)

	for _, row := range rows {
		key := postgres.NormalizePropertyKey(row.Address, row.City, row.State, row.Zip)
		if _, ok := unique[key]; !ok {
			unique[key] = postgres.Property{
				ID:      ids.NewULID(),
				Address: row.Address,
				City:    row.City,
				State:   row.State,
				Zip:     row.Zip,
			}
			order = append(order, key)
		}
		if row.CaseID != "" {
			caseSeen[row.CaseID]++
		}
	}

	for caseID, count := range caseSeen {
		if count > 1 {
			result.DuplicateCaseIDs = append(result.DuplicateCaseIDs, caseID)
		}
	}

	candidates := make([]postgres.Property, 0, len(order))
	for _, key := range order {
		candidates = append(candidates, unique[key])
	}

	existing, err := d.properties.FindByNormalizedKeys(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("lookup existing properties: %w", err)
	}
	for key, id := range existing {
		result.Resolved[key] = id
	}
	result.Existing = len(existing)

	missing := make([]postgres.Property, 0, len(order)-len(existing))
	for _, key := range order {
		if _, ok := existing[key]; !ok {
			missing = append(missing, unique[key])
		}
	}

	for start := 0; start < len(missing); start += d.batchSize {
		end := start + d.batchSize
		if end > len(missing) {
			end = len(missing)
		}

		inserted, err := d.properties.BulkUpsert(ctx, missing[start:end])
		if err != nil {
			return nil, fmt.Errorf("insert properties batch: %w", err)
		}
		for key, id := range inserted {
			result.Resolved[key] = id
		}
		result.Created += len(inserted)
	}

	d.logger.Debug().
		Int("unique_keys", len(order)).
		Int("existing", result.Existing).
		Int("created", result.Created).
		Int("duplicate_case_ids", len(result.DuplicateCaseIDs)).
		Msg("property deduplication resolved")

	return result, nil
}

// BuildViolations maps staged rows onto resolved property ids. A row whose
// key is absent from the resolved map is recorded as a row error and skipped,
// not fatal to the batch. days_open is derived at build time as now minus the
// opened date.
func BuildViolations(rows []postgres.StagingRow, resolved map[string]string, now time.Time) ([]postgres.Violation, []RowError) {
	violations := make([]postgres.Violation, 0, len(rows))
	var rowErrors []RowError

	for _, row := range rows {
		key := postgres.NormalizePropertyKey(row.Address, row.City, row.State, row.Zip)
		propertyID, ok := resolved[key]
		if !ok {
			rowErrors = append(rowErrors, RowError{
				RowNumber: row.RowNumber,
				Reason:    "property could not be resolved",
			})
			continue
		}

		daysOpen := 0
		if row.OpenedDate != nil {
			daysOpen = int(now.Sub(*row.OpenedDate).Hours() / 24)
			if daysOpen < 0 {
				daysOpen = 0
			}
		}

		violations = append(violations, postgres.Violation{
			ID:            ids.NewULID(),
			PropertyID:    propertyID,
			CaseID:        row.CaseID,
			ViolationType: row.ViolationType,
			Status:        row.ViolationStatus,
			OpenedDate:    row.OpenedDate,
			DaysOpen:      daysOpen,
		})
	}

	return violations, rowErrors
}
