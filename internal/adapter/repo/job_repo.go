package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"effectsvc/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)

const jobColumns = `id, effect_id, provider, asset_id, asset_name, asset_url, user_id, project_id,
status, params, provider_state, result_asset_id, result_asset_url, error_message, metadata,
created_at, updated_at`

// Migrate ensures the jobs table exists.
func (r *JobRepositoryPG) Migrate(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    effect_id        TEXT NOT NULL,
    provider         TEXT NOT NULL DEFAULT '',
    asset_id         TEXT NOT NULL DEFAULT '',
    asset_name       TEXT NOT NULL DEFAULT '',
    asset_url        TEXT NOT NULL DEFAULT '',
    user_id          TEXT NOT NULL DEFAULT '',
    project_id       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    params           JSONB,
    provider_state   JSONB,
    result_asset_id  TEXT NOT NULL DEFAULT '',
    result_asset_url TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    metadata         JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS jobs_asset_id_idx ON jobs (asset_id, created_at DESC);
`
	_, err := r.pool.Exec(ctx, query)
	return err
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, effect_id, provider, asset_id, asset_name, asset_url, user_id, project_id,
                  status, params, provider_state, result_asset_id, result_asset_url, error_message, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	params, err := marshalMap(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	state, err := marshalMap(job.ProviderState)
	if err != nil {
		return fmt.Errorf("encode provider state: %w", err)
	}
	metadata, err := marshalMap(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.EffectID,
		job.Provider,
		job.AssetID,
		job.AssetName,
		job.AssetURL,
		job.UserID,
		job.ProjectID,
		job.Status,
		params,
		state,
		job.ResultAssetID,
		job.ResultAssetURL,
		job.Error,
		metadata,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// UpdateIfActive applies a partial mutation and bumps updated_at, but only
// while the job is not yet terminal. A finalized or missing job maps to
// domain.ErrNotFound, which lets concurrent completions race safely: the
// first writer wins, later ones see no row.
func (r *JobRepositoryPG) UpdateIfActive(ctx context.Context, jobID string, upd domain.JobUpdate) (*domain.Job, error) {
	query := `
UPDATE jobs
SET status           = COALESCE($2, status),
    result_asset_id  = COALESCE($3, result_asset_id),
    result_asset_url = COALESCE($4, result_asset_url),
    error_message    = COALESCE($5, error_message),
    metadata         = COALESCE($6, metadata),
    provider_state   = COALESCE($7, provider_state),
    updated_at       = NOW()
WHERE id = $1 AND status NOT IN ('completed', 'error')
RETURNING ` + jobColumns + `;`

	metadata, err := marshalMap(upd.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	state, err := marshalMap(upd.ProviderState)
	if err != nil {
		return nil, fmt.Errorf("encode provider state: %w", err)
	}
	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID,
		(*string)(upd.Status),
		upd.ResultAssetID,
		upd.ResultAssetURL,
		upd.Error,
		metadata,
		state,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByAsset returns the jobs for one input asset, newest first.
func (r *JobRepositoryPG) ListByAsset(ctx context.Context, assetID string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE asset_id = $1 ORDER BY created_at DESC, id DESC;`
	rows, err := r.pool.Query(ctx, query, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var params, state, metadata []byte
	if err := row.Scan(
		&job.ID,
		&job.EffectID,
		&job.Provider,
		&job.AssetID,
		&job.AssetName,
		&job.AssetURL,
		&job.UserID,
		&job.ProjectID,
		&job.Status,
		&params,
		&state,
		&job.ResultAssetID,
		&job.ResultAssetURL,
		&job.Error,
		&metadata,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if job.Params, err = unmarshalMap(params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if job.ProviderState, err = unmarshalMap(state); err != nil {
		return nil, fmt.Errorf("decode provider state: %w", err)
	}
	if job.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &job, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
