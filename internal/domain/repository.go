package domain

import "context"

// JobRepository defines persistence for job entities. All mutations after
// creation go through UpdateIfActive: job status is monotone, so an
// unconditional partial update has no safe caller.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// UpdateIfActive applies a partial mutation, bumps UpdatedAt and returns
	// the stored record — but only while the job is not yet terminal;
	// ErrNotFound means the job is missing or already finalized. This is the
	// guard that makes at-least-once completion idempotent.
	UpdateIfActive(ctx context.Context, jobID string, upd JobUpdate) (*Job, error)
	ListByAsset(ctx context.Context, assetID string) ([]Job, error)
}
