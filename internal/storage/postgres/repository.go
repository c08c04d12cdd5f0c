package postgres

import (
	"fmt"
)

// Repository bundles the per-table repositories over one connection pool.
type Repository struct {
	db DB
}

func NewRepository(db DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres repository: db is nil")
	}
	return &Repository{db: db}, nil
}

func (r *Repository) UploadJobs() *UploadJobsRepository {
	return &UploadJobsRepository{db: r.db}
}

func (r *Repository) StagingRows() *StagingRowsRepository {
	return &StagingRowsRepository{db: r.db}
}

func (r *Repository) Properties() *PropertiesRepository {
	return &PropertiesRepository{db: r.db}
}

func (r *Repository) Violations() *ViolationsRepository {
	return &ViolationsRepository{db: r.db}
}

func (r *Repository) GeocodingJobs() *GeocodingJobsRepository {
	return &GeocodingJobsRepository{db: r.db}
}
