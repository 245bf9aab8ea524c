// Package worker drives the job state machine: a single-consumer loop that
// pops poll tasks off the work queue, asks the provider for the prediction's
// current status and either finalizes the job or re-enqueues the poll.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"effectsvc/internal/domain"
	"effectsvc/internal/effects"
	"effectsvc/internal/providers/replicate"
	"effectsvc/internal/queue"
)

// Queue is the work-queue capability the polling loop consumes.
type Queue interface {
	EnqueuePoll(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context, timeout time.Duration) (queue.PollTask, bool, error)
	UpdateTaskStatus(ctx context.Context, jobID string, status domain.TaskStatus, errText string) error
}

// PredictionClient is the provider capability needed per poll cycle.
type PredictionClient interface {
	FetchStatus(ctx context.Context, handle replicate.Handle) (*replicate.Prediction, error)
}

// Delays configures the loop's fixed pauses. Zero fields fall back to the
// package defaults, so tests inject nanosecond delays instead of sleeping.
type Delays struct {
	// DequeueTimeout bounds the blocking pop so shutdown is observed promptly.
	DequeueTimeout time.Duration
	// Repoll is the pause before re-enqueueing a still-running job.
	Repoll time.Duration
	// Retry is the pause before re-enqueueing after a transient provider
	// failure.
	Retry time.Duration
}

func (d Delays) withDefaults() Delays {
	if d.DequeueTimeout == 0 {
		d.DequeueTimeout = 5 * time.Second
	}
	if d.Repoll == 0 {
		d.Repoll = 3 * time.Second
	}
	if d.Retry == 0 {
		d.Retry = 2 * time.Second
	}
	return d
}

// Poller runs one poll cycle for one job. It is shared between the queue
// consumer loop and the synchronous status endpoint; with a nil queue it
// still drives the job state machine but skips task-status bookkeeping and
// re-enqueueing (the degraded mode used when Redis is down).
type Poller struct {
	jobs       domain.JobRepository
	registry   *effects.Registry
	provider   PredictionClient
	completion *Completion
	queue      Queue
	delays     Delays
	logger     zerolog.Logger
}

// NewPoller wires a poll cycle over its collaborators.
func NewPoller(jobs domain.JobRepository, registry *effects.Registry, provider PredictionClient, completion *Completion, q Queue, delays Delays, logger zerolog.Logger) *Poller {
	return &Poller{
		jobs:       jobs,
		registry:   registry,
		provider:   provider,
		completion: completion,
		queue:      q,
		delays:     delays.withDefaults(),
		logger:     logger,
	}
}

// Poll runs one full poll cycle for the job on behalf of the queue consumer:
// a still-running job is re-enqueued after the repoll pause, a transient
// provider failure after the retry pause. The cycle always runs to
// completion; errors worth surfacing to the job are persisted on the record,
// infrastructure hiccups are logged and retried by re-observation.
func (p *Poller) Poll(ctx context.Context, jobID string) {
	p.poll(ctx, jobID, true)
}

// PollOnce runs a single poll cycle with no pause and no re-enqueue. The
// status endpoint uses it to refresh a job inline without blocking the
// response or spawning a second task chain for a job the consumer is
// already following.
func (p *Poller) PollOnce(ctx context.Context, jobID string) {
	p.poll(ctx, jobID, false)
}

func (p *Poller) poll(ctx context.Context, jobID string, followUp bool) {
	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A missing job can never become found again; no requeue.
			p.taskStatus(ctx, jobID, domain.TaskStatusFailed, "Job not found")
			return
		}
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: load job failed")
		return
	}

	if job.Status.Terminal() {
		// Duplicate or late task; the job is already settled.
		p.taskStatus(ctx, jobID, domain.TaskStatusCompleted, "")
		return
	}

	def, err := p.registry.Get(job.EffectID)
	if err != nil {
		p.failJob(ctx, job.ID, "Unknown effect: "+job.EffectID)
		p.taskStatus(ctx, jobID, domain.TaskStatusCompleted, "")
		return
	}

	handle := replicate.Handle{PredictionID: job.PredictionID(), GetURL: job.PollURL()}
	if handle.PredictionID == "" && handle.GetURL == "" {
		// Data-integrity violation; spinning on it would not self-heal.
		p.logger.Error().Str("job_id", jobID).Msg("worker: job has no provider correlation state")
		p.taskStatus(ctx, jobID, domain.TaskStatusFailed, "missing provider correlation state")
		return
	}

	p.taskStatus(ctx, jobID, domain.TaskStatusRunning, "")

	pred, err := p.provider.FetchStatus(ctx, handle)
	if err != nil {
		if errors.Is(err, domain.ErrProviderRejected) {
			p.failJob(ctx, job.ID, err.Error())
			p.taskStatus(ctx, jobID, domain.TaskStatusCompleted, "")
			return
		}
		// Transient; re-observe after a short pause rather than stalling
		// the job silently.
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: provider poll failed, will retry")
		if followUp {
			sleepCtx(ctx, p.delays.Retry)
			p.requeue(ctx, jobID)
		}
		return
	}

	switch replicate.NormalizeStatus(pred.Status) {
	case domain.JobStatusCompleted:
		p.finalize(ctx, job, def, pred)
		p.taskStatus(ctx, jobID, domain.TaskStatusCompleted, "")

	case domain.JobStatusError:
		p.failJob(ctx, job.ID, providerErrorText(pred))
		p.taskStatus(ctx, jobID, domain.TaskStatusCompleted, "")

	default:
		status := replicate.NormalizeStatus(pred.Status)
		upd := domain.JobUpdate{Status: &status}
		if len(pred.Metrics) > 0 {
			upd.Metadata = mergeMetadata(job.Metadata, map[string]any{"providerMetrics": pred.Metrics})
		}
		if _, err := p.jobs.UpdateIfActive(ctx, job.ID, upd); err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: update job status failed")
		}
		if followUp {
			sleepCtx(ctx, p.delays.Repoll)
			p.requeue(ctx, jobID)
		}
	}
}

func (p *Poller) finalize(ctx context.Context, job *domain.Job, def effects.Definition, pred *replicate.Prediction) {
	result, err := p.completion.Finalize(ctx, job, def, pred)
	if err != nil {
		p.failJob(ctx, job.ID, err.Error())
		return
	}
	status := domain.JobStatusCompleted
	metadata := mergeMetadata(job.Metadata, result.Metadata)
	if len(pred.Metrics) > 0 {
		metadata = mergeMetadata(metadata, map[string]any{"providerMetrics": pred.Metrics})
	}
	_, err = p.jobs.UpdateIfActive(ctx, job.ID, domain.JobUpdate{
		Status:         &status,
		ResultAssetID:  &result.AssetID,
		ResultAssetURL: &result.AssetURL,
		Metadata:       metadata,
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Another consumer finalized this job first; completion is
		// at-least-once and the first writer wins.
		p.logger.Info().Str("job_id", job.ID).Msg("worker: job already finalized elsewhere")
	case err != nil:
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: record completion failed")
	default:
		p.logger.Info().Str("job_id", job.ID).Str("result_asset_id", result.AssetID).Msg("worker: job completed")
	}
}

func (p *Poller) failJob(ctx context.Context, jobID, message string) {
	status := domain.JobStatusError
	_, err := p.jobs.UpdateIfActive(ctx, jobID, domain.JobUpdate{Status: &status, Error: &message})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: record failure failed")
		return
	}
	p.logger.Info().Str("job_id", jobID).Str("reason", message).Msg("worker: job failed")
}

func (p *Poller) requeue(ctx context.Context, jobID string) {
	if p.queue == nil {
		return
	}
	if err := p.queue.EnqueuePoll(ctx, jobID); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: re-enqueue failed")
	}
}

func (p *Poller) taskStatus(ctx context.Context, jobID string, status domain.TaskStatus, errText string) {
	if p.queue == nil {
		return
	}
	if err := p.queue.UpdateTaskStatus(ctx, jobID, status, errText); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: update task status failed")
	}
}

// providerErrorText extracts a human-readable failure message from a failed
// prediction, preferring the structured error field over raw output.
func providerErrorText(pred *replicate.Prediction) string {
	if msg := effects.ErrorText(pred.Error); msg != "" {
		return msg
	}
	if msg := effects.ErrorText(pred.Output); msg != "" {
		return msg
	}
	return "Effect processing failed"
}

func mergeMetadata(existing, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return existing
	}
	merged := make(map[string]any, len(existing)+len(extra))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Worker is the queue consumer loop. One logical consumer runs per service
// instance; horizontally scaled instances share the queue, and the job
// store's conditional terminal update serializes completion.
type Worker struct {
	poller *Poller
	queue  Queue
	delays Delays
	logger zerolog.Logger
}

// NewWorker builds the consumer loop around a poller and its queue.
func NewWorker(poller *Poller, q Queue, delays Delays, logger zerolog.Logger) *Worker {
	return &Worker{poller: poller, queue: q, delays: delays.withDefaults(), logger: logger}
}

// Run consumes poll tasks until ctx is cancelled. Cancellation is observed at
// the dequeue boundary; an in-flight poll cycle always runs to completion so
// no job is left half-updated.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker: stopped")
			return ctx.Err()
		default:
		}

		task, ok, err := w.queue.Dequeue(ctx, w.delays.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info().Msg("worker: stopped")
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("worker: dequeue failed")
			sleepCtx(ctx, w.delays.Retry)
			continue
		}
		if !ok {
			continue
		}

		// The poll cycle must not be interrupted mid-step by shutdown.
		w.poller.Poll(context.WithoutCancel(ctx), task.JobID)
	}
}
