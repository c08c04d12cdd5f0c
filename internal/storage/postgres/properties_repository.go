package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Sentinel coordinates marking a property as attempted-and-unresolvable.
// Distinct from NULL ("not yet attempted") so poison-pill addresses are never
// re-selected by the needs-geocoding query.
const (
	UngeocodableLat = 0.0
	UngeocodableLon = 0.0
)

// Property is the canonical real-world address row.
type Property struct {
	ID              string
	Address         string
	City            string
	State           string
	Zip             string
	Latitude        *float64
	Longitude       *float64
	TotalViolations int
	OpenViolations  int
	RepeatOffender  bool
	Score           *float64
	ScoreUpdatedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NormalizedKey is the dedup identity of a property: lower-cased
// address|city|state|zip.
func (p *Property) NormalizedKey() string {
	return NormalizePropertyKey(p.Address, p.City, p.State, p.Zip)
}

// NormalizePropertyKey builds the dedup key used across lookup and insert.
func NormalizePropertyKey(address, city, state, zip string) string {
	parts := []string{address, city, state, zip}
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(part), " "))
	}
	return strings.Join(parts, "|")
}

// CoordinateUpdate carries one geocoding result to persist.
type CoordinateUpdate struct {
	PropertyID string
	Latitude   float64
	Longitude  float64
}

// ViolationCounts carries aggregate counter deltas for one property.
type ViolationCounts struct {
	PropertyID string
	Total      int
	Open       int
}

// repeatOffenderThreshold is the total-violation count at which a property is
// flagged as a repeat offender.
const repeatOffenderThreshold = 3

type PropertiesRepository struct {
	db DB
}

func NewPropertiesRepository(db DB) *PropertiesRepository {
	return &PropertiesRepository{db: db}
}

const propertyColumns = `id, address, city, state, zip, latitude, longitude,
       total_violations, open_violations, repeat_offender,
       score, score_updated_at, created_at, updated_at`

// FindByNormalizedKeys resolves which of the given properties already exist,
// in a single round trip. Returns a map from normalized key to property id.
func (r *PropertiesRepository) FindByNormalizedKeys(ctx context.Context, keys []Property) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	addresses := make([]string, len(keys))
	cities := make([]string, len(keys))
	states := make([]string, len(keys))
	zips := make([]string, len(keys))
	for i, key := range keys {
		addresses[i] = strings.ToLower(key.Address)
		cities[i] = strings.ToLower(key.City)
		states[i] = strings.ToLower(key.State)
		zips[i] = key.Zip
	}

	const query = `
		SELECT p.id, p.address, p.city, p.state, p.zip
		FROM properties p
		JOIN unnest($1::text[], $2::text[], $3::text[], $4::text[])
		     AS k(address, city, state, zip)
		  ON lower(p.address) = k.address
		 AND lower(p.city) = k.city
		 AND lower(p.state) = k.state
		 AND p.zip = k.zip
	`

	rows, err := r.queryer().Query(ctx, query, addresses, cities, states, zips)
	if err != nil {
		return nil, fmt.Errorf("find properties by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, address, city, state, zip string
		if err := rows.Scan(&id, &address, &city, &state, &zip); err != nil {
			return nil, fmt.Errorf("scan property key: %w", err)
		}
		found[NormalizePropertyKey(address, city, state, zip)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate property keys: %w", err)
	}
	return found, nil
}

// BulkUpsert inserts the given properties, relying on the normalized-key
// uniqueness constraint to resolve races with concurrent ingestion runs. The
// returned map carries normalized key -> id for every input row, whether this
// call inserted it or a concurrent run won the race.
func (r *PropertiesRepository) BulkUpsert(ctx context.Context, properties []Property) (map[string]string, error) {
	resolved := make(map[string]string, len(properties))
	if len(properties) == 0 {
		return resolved, nil
	}

	const query = `
		INSERT INTO properties (id, address, city, state, zip)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lower(address), lower(city), lower(state), zip)
		DO UPDATE SET updated_at = now()
		RETURNING id, address, city, state, zip
	`

	batch := &pgx.Batch{}
	for _, property := range properties {
		batch.Queue(query, property.ID, property.Address, property.City, property.State, property.Zip)
	}

	results := r.queryer().SendBatch(ctx, batch)
	defer results.Close()

	for range properties {
		var id, address, city, state, zip string
		if err := results.QueryRow().Scan(&id, &address, &city, &state, &zip); err != nil {
			return resolved, fmt.Errorf("upsert property: %w", err)
		}
		resolved[NormalizePropertyKey(address, city, state, zip)] = id
	}
	return resolved, nil
}

// ListNeedingGeocoding claims up to limit properties that have never been
// geocoded. Rows carrying the 0,0 sentinel are excluded by the latitude IS
// NULL predicate.
func (r *PropertiesRepository) ListNeedingGeocoding(ctx context.Context, limit int) ([]Property, error) {
	query := `
		SELECT ` + propertyColumns + `
		FROM properties
		WHERE latitude IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.queryer().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list properties needing geocoding: %w", err)
	}
	defer rows.Close()

	var properties []Property
	for rows.Next() {
		var p Property
		err := rows.Scan(
			&p.ID, &p.Address, &p.City, &p.State, &p.Zip,
			&p.Latitude, &p.Longitude,
			&p.TotalViolations, &p.OpenViolations, &p.RepeatOffender,
			&p.Score, &p.ScoreUpdatedAt, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		properties = append(properties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return properties, nil
}

// CountNeedingGeocoding recomputes the authoritative remaining-pool size.
// Job counters are telemetry only; this query is the source of truth.
func (r *PropertiesRepository) CountNeedingGeocoding(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM properties WHERE latitude IS NULL`

	var count int64
	if err := r.queryer().QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count properties needing geocoding: %w", err)
	}
	return count, nil
}

// UpdateCoordinates persists a batch of geocoding results, successes and
// sentinel rows alike, in one round trip.
func (r *PropertiesRepository) UpdateCoordinates(ctx context.Context, updates []CoordinateUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	const query = `
		UPDATE properties
		SET latitude = $2, longitude = $3, updated_at = now()
		WHERE id = $1
	`

	batch := &pgx.Batch{}
	for _, update := range updates {
		batch.Queue(query, update.PropertyID, update.Latitude, update.Longitude)
	}

	results := r.queryer().SendBatch(ctx, batch)
	defer results.Close()

	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("update property coordinates: %w", err)
		}
	}
	return nil
}

// ApplyViolationCounts folds violation counter deltas into the property
// aggregates and refreshes the repeat-offender flag.
func (r *PropertiesRepository) ApplyViolationCounts(ctx context.Context, counts []ViolationCounts) error {
	if len(counts) == 0 {
		return nil
	}

	const query = `
		UPDATE properties
		SET total_violations = total_violations + $2,
		    open_violations = open_violations + $3,
		    repeat_offender = (total_violations + $2) >= $4,
		    updated_at = now()
		WHERE id = $1
	`

	batch := &pgx.Batch{}
	for _, count := range counts {
		batch.Queue(query, count.PropertyID, count.Total, count.Open, repeatOffenderThreshold)
	}

	results := r.queryer().SendBatch(ctx, batch)
	defer results.Close()

	for range counts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("apply violation counts: %w", err)
		}
	}
	return nil
}

func (r *PropertiesRepository) queryer() DB {
	return r.db
}
