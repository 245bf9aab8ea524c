package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"effectsvc/internal/domain"
)

type jobCreateRequest struct {
	AssetID   string         `json:"assetId"`
	EffectID  string         `json:"effectId"`
	UserID    string         `json:"userId"`
	ProjectID string         `json:"projectId"`
	Params    map[string]any `json:"params"`
}

type jobView struct {
	ID             string         `json:"id"`
	EffectID       string         `json:"effectId"`
	Provider       string         `json:"provider"`
	AssetID        string         `json:"assetId"`
	AssetName      string         `json:"assetName,omitempty"`
	UserID         string         `json:"userId"`
	ProjectID      string         `json:"projectId"`
	Status         string         `json:"status"`
	Params         map[string]any `json:"params,omitempty"`
	ResultAssetID  string         `json:"resultAssetId,omitempty"`
	ResultAssetURL string         `json:"resultAssetUrl,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func viewOf(job *domain.Job) jobView {
	return jobView{
		ID:             job.ID,
		EffectID:       job.EffectID,
		Provider:       job.Provider,
		AssetID:        job.AssetID,
		AssetName:      job.AssetName,
		UserID:         job.UserID,
		ProjectID:      job.ProjectID,
		Status:         string(job.Status),
		Params:         job.Params,
		ResultAssetID:  job.ResultAssetID,
		ResultAssetURL: job.ResultAssetURL,
		Error:          job.Error,
		Metadata:       job.Metadata,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

// JobsCreate accepts a new effect job: resolves the effect and input asset,
// submits the prediction and enqueues the first poll. Validation failures
// never create a job.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.AssetID == "" || req.EffectID == "" || req.UserID == "" || req.ProjectID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "assetId, effectId, userId and projectId are required")
		return
	}

	def, err := a.Registry.Get(req.EffectID)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unknown effect: "+req.EffectID)
		return
	}

	asset, err := a.Assets.Get(r.Context(), req.UserID, req.ProjectID, req.AssetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "input asset not found")
			return
		}
		a.Logger.Error().Err(err).Str("asset_id", req.AssetID).Msg("api: load input asset failed")
		a.error(w, http.StatusBadGateway, "asset_store", "failed to load input asset")
		return
	}

	params := def.MergeParams(req.Params)
	input := def.BuildInput(asset.SourceURL(), asset.Name, req.Params)
	pred, err := a.Provider.Submit(r.Context(), def.Version, input)
	if err != nil {
		a.Logger.Error().Err(err).Str("effect_id", def.ID).Msg("api: provider submit failed")
		a.error(w, http.StatusBadGateway, "provider", err.Error())
		return
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		EffectID:  def.ID,
		Provider:  def.Provider,
		AssetID:   req.AssetID,
		AssetName: asset.Name,
		AssetURL:  asset.SourceURL(),
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Status:    domain.JobStatusRunning,
		Params:    params,
		ProviderState: map[string]any{
			"predictionId": pred.Handle.PredictionID,
			"getUrl":       pred.Handle.GetURL,
			"cancelUrl":    pred.Handle.CancelURL,
		},
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("api: create job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	if a.Queue != nil {
		if err := a.Queue.EnqueuePoll(r.Context(), job.ID); err != nil {
			// Degraded mode: the job exists and the status endpoint still
			// polls synchronously.
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("api: enqueue poll failed, job will not auto-poll")
		}
	}

	created, err := a.Jobs.GetByID(r.Context(), job.ID)
	if err != nil {
		created = job
	}
	a.json(w, http.StatusAccepted, map[string]any{"job": viewOf(created)})
}

// JobGet reports one job, running a synchronous poll cycle first while the
// job is still in flight.
func (a *App) JobGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	if !job.Status.Terminal() && a.Poller != nil {
		a.Poller.PollOnce(r.Context(), jobID)
		if refreshed, err := a.Jobs.GetByID(r.Context(), jobID); err == nil {
			job = refreshed
		}
	}
	a.json(w, http.StatusOK, map[string]any{"job": viewOf(job)})
}

// JobTaskStatus reports the queue's transient task record for one job. This
// reflects the polling machinery only, never job state.
func (a *App) JobTaskStatus(w http.ResponseWriter, r *http.Request) {
	if a.Tasks == nil {
		a.error(w, http.StatusServiceUnavailable, "queue_unavailable", "work queue is not available")
		return
	}
	jobID := chi.URLParam(r, "id")
	record, err := a.Tasks.GetTaskStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "no task record for job")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to read task status")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"task": record})
}

// JobsList reports the jobs for one input asset, newest first.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("assetId")
	if assetID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "assetId query parameter required")
		return
	}
	jobs, err := a.Jobs.ListByAsset(r.Context(), assetID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, viewOf(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": views})
}
