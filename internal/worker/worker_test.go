package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"effectsvc/internal/assets"
	"effectsvc/internal/domain"
	"effectsvc/internal/effects"
	"effectsvc/internal/providers/replicate"
	"effectsvc/internal/queue"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	// onUpdateIfActive runs before the guard check, letting tests race a
	// concurrent finalizer against the one under test.
	onUpdateIfActive func()
}

func newMemStore(jobs ...*domain.Job) *memStore {
	s := &memStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		copied := *j
		s.jobs[j.ID] = &copied
	}
	return s
}

func (s *memStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) apply(job *domain.Job, upd domain.JobUpdate) {
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.ResultAssetID != nil {
		job.ResultAssetID = *upd.ResultAssetID
	}
	if upd.ResultAssetURL != nil {
		job.ResultAssetURL = *upd.ResultAssetURL
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	if upd.Metadata != nil {
		job.Metadata = upd.Metadata
	}
	if upd.ProviderState != nil {
		job.ProviderState = upd.ProviderState
	}
	job.UpdatedAt = time.Now()
}

func (s *memStore) UpdateIfActive(ctx context.Context, jobID string, upd domain.JobUpdate) (*domain.Job, error) {
	if s.onUpdateIfActive != nil {
		s.onUpdateIfActive()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return nil, domain.ErrNotFound
	}
	s.apply(job, upd)
	copied := *job
	return &copied, nil
}

func (s *memStore) ListByAsset(ctx context.Context, assetID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.AssetID == assetID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) mustGet(t *testing.T, jobID string) domain.Job {
	t.Helper()
	job, err := s.GetByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job %s missing: %v", jobID, err)
	}
	return *job
}

type taskState struct {
	status domain.TaskStatus
	err    string
}

type fakeQueue struct {
	mu     sync.Mutex
	tasks  []queue.PollTask
	states map[string]taskState
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{states: make(map[string]taskState)}
}

func (q *fakeQueue) EnqueuePoll(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queue.PollTask{JobID: jobID, EnqueuedAt: time.Now()})
	q.states[jobID] = taskState{status: domain.TaskStatusPending}
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (queue.PollTask, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return queue.PollTask{}, false, nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true, nil
}

func (q *fakeQueue) UpdateTaskStatus(ctx context.Context, jobID string, status domain.TaskStatus, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[jobID] = taskState{status: status, err: errText}
	return nil
}

func (q *fakeQueue) pending(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, task := range q.tasks {
		if task.JobID == jobID {
			n++
		}
	}
	return n
}

func (q *fakeQueue) state(jobID string) taskState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states[jobID]
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	fetchFn func(call int, handle replicate.Handle) (*replicate.Prediction, error)
}

func (p *fakeProvider) FetchStatus(ctx context.Context, handle replicate.Handle) (*replicate.Prediction, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.fetchFn(call, handle)
}

type fakeAssets struct {
	mu       sync.Mutex
	uploads  []assets.UploadRequest
	result   assets.UploadResult
	err      error
	onUpload func()
}

func (f *fakeAssets) Get(ctx context.Context, userID, projectID, assetID string) (*assets.Asset, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeAssets) Upload(ctx context.Context, up assets.UploadRequest) (*assets.UploadResult, error) {
	if f.onUpload != nil {
		f.onUpload()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, up)
	res := f.result
	return &res, nil
}

var testDelays = Delays{
	DequeueTimeout: 5 * time.Millisecond,
	Repoll:         time.Nanosecond,
	Retry:          time.Nanosecond,
}

func testRegistry() *effects.Registry {
	return effects.NewRegistry(effects.Definition{
		ID:       "E",
		Label:    "Test Effect",
		Provider: "replicate",
		Version:  "v1",
		Input:    effects.InputVideoURL,
		Result:   effects.ResultFirstURL,
	})
}

func runningJob(id string) *domain.Job {
	return &domain.Job{
		ID:            id,
		EffectID:      "E",
		Provider:      "replicate",
		AssetID:       "asset-1",
		UserID:        "user-1",
		ProjectID:     "project-1",
		Status:        domain.JobStatusRunning,
		ProviderState: map[string]any{"predictionId": "pred-1"},
	}
}

func newTestPoller(store *memStore, q Queue, provider PredictionClient, sink assets.Store) *Poller {
	completion := NewCompletion(sink, nil)
	return NewPoller(store, testRegistry(), provider, completion, q, testDelays, zerolog.Nop())
}

func resultServer(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollSucceededCompletesJob(t *testing.T) {
	srv := resultServer(t, "video/mp4", []byte("video-bytes"))

	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	sink := &fakeAssets{result: assets.UploadResult{ID: "asset-9", URL: "https://assets/x.mp4"}}
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{
			Status:  "succeeded",
			Output:  []any{srv.URL + "/out.mp4"},
			Metrics: map[string]any{"predict_time": 4.2},
		}, nil
	}}

	newTestPoller(store, q, provider, sink).Poll(context.Background(), "job-1")

	job := store.mustGet(t, "job-1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("Status = %q, want completed (error=%q)", job.Status, job.Error)
	}
	if job.ResultAssetID != "asset-9" || job.ResultAssetURL != "https://assets/x.mp4" {
		t.Fatalf("result fields = %q %q", job.ResultAssetID, job.ResultAssetURL)
	}
	if job.Error != "" {
		t.Fatalf("Error = %q, want empty", job.Error)
	}
	metrics, ok := job.Metadata["providerMetrics"].(map[string]any)
	if !ok || metrics["predict_time"] != 4.2 {
		t.Fatalf("Metadata = %#v", job.Metadata)
	}
	if st := q.state("job-1"); st.status != domain.TaskStatusCompleted {
		t.Fatalf("task status = %q, want completed", st.status)
	}
	if n := q.pending("job-1"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0", n)
	}
}

func TestPollFailedSetsJobError(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{Status: "failed", Output: []any{"boom"}}, nil
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	job := store.mustGet(t, "job-1")
	if job.Status != domain.JobStatusError {
		t.Fatalf("Status = %q, want error", job.Status)
	}
	if job.Error != "boom" {
		t.Fatalf("Error = %q, want %q", job.Error, "boom")
	}
	if job.ResultAssetURL != "" {
		t.Fatalf("ResultAssetURL = %q, want empty", job.ResultAssetURL)
	}
	if st := q.state("job-1"); st.status != domain.TaskStatusCompleted {
		t.Fatalf("task status = %q, want completed", st.status)
	}
}

func TestPollFailedPrefersStructuredError(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{Status: "failed", Error: "out of credit", Output: []any{"raw"}}, nil
	}}

	newTestPoller(store, newFakeQueue(), provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	if job := store.mustGet(t, "job-1"); job.Error != "out of credit" {
		t.Fatalf("Error = %q, want %q", job.Error, "out of credit")
	}
}

func TestPollProcessingRequeues(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{
			Status:  "processing",
			Metrics: map[string]any{"progress": 0.5},
		}, nil
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	job := store.mustGet(t, "job-1")
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("Status = %q, want running", job.Status)
	}
	metrics, ok := job.Metadata["providerMetrics"].(map[string]any)
	if !ok || metrics["progress"] != 0.5 {
		t.Fatalf("Metadata = %#v", job.Metadata)
	}
	if n := q.pending("job-1"); n != 1 {
		t.Fatalf("pending tasks = %d, want 1", n)
	}
	if st := q.state("job-1"); st.status == domain.TaskStatusCompleted {
		t.Fatal("task status must not be completed while the job is running")
	}
}

func TestPollProcessingPreservesMetadata(t *testing.T) {
	job := runningJob("job-1")
	job.Metadata = map[string]any{"origin": "upload"}
	store := newMemStore(job)
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{Status: "processing", Metrics: map[string]any{"progress": 0.1}}, nil
	}}

	newTestPoller(store, newFakeQueue(), provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.Metadata["origin"] != "upload" {
		t.Fatalf("existing metadata lost: %#v", got.Metadata)
	}
	if _, ok := got.Metadata["providerMetrics"]; !ok {
		t.Fatalf("providerMetrics missing: %#v", got.Metadata)
	}
}

func TestPollOnceRunningJobReturnsPromptly(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{Status: "processing", Metrics: map[string]any{"progress": 0.5}}, nil
	}}
	// A repoll pause this long would blow the deadline below if PollOnce
	// ever slept.
	delays := Delays{DequeueTimeout: 5 * time.Millisecond, Repoll: time.Minute, Retry: time.Minute}
	poller := NewPoller(store, testRegistry(), provider, NewCompletion(&fakeAssets{}, nil), q, delays, zerolog.Nop())

	start := time.Now()
	poller.PollOnce(context.Background(), "job-1")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("PollOnce took %v, want an immediate return", elapsed)
	}

	job := store.mustGet(t, "job-1")
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("Status = %q, want running", job.Status)
	}
	if _, ok := job.Metadata["providerMetrics"]; !ok {
		t.Fatalf("providerMetrics missing: %#v", job.Metadata)
	}
	if n := q.pending("job-1"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0 (inline poll must not spawn a task chain)", n)
	}
}

func TestPollOnceTransientFailureDoesNotRequeue(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return nil, fmt.Errorf("replicate: status 502: %w", domain.ErrProviderUnavailable)
	}}
	delays := Delays{DequeueTimeout: 5 * time.Millisecond, Repoll: time.Minute, Retry: time.Minute}
	poller := NewPoller(store, testRegistry(), provider, NewCompletion(&fakeAssets{}, nil), q, delays, zerolog.Nop())

	start := time.Now()
	poller.PollOnce(context.Background(), "job-1")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("PollOnce took %v, want an immediate return", elapsed)
	}

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusRunning || got.Error != "" {
		t.Fatalf("job mutated on transient failure: %+v", got)
	}
	if n := q.pending("job-1"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0", n)
	}
}

func TestPollOnceStillFinalizes(t *testing.T) {
	srv := resultServer(t, "video/mp4", []byte("video"))

	store := newMemStore(runningJob("job-1"))
	sink := &fakeAssets{result: assets.UploadResult{ID: "asset-9", URL: "https://assets/x.mp4"}}
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{Status: "succeeded", Output: []any{srv.URL + "/out.mp4"}}, nil
	}}

	newTestPoller(store, newFakeQueue(), provider, sink).PollOnce(context.Background(), "job-1")

	job := store.mustGet(t, "job-1")
	if job.Status != domain.JobStatusCompleted || job.ResultAssetID != "asset-9" {
		t.Fatalf("job = %+v, want completed with result", job)
	}
}

func TestPollMissingJob(t *testing.T) {
	store := newMemStore()
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		t.Fatal("provider must not be called for a missing job")
		return nil, nil
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "ghost")

	st := q.state("ghost")
	if st.status != domain.TaskStatusFailed {
		t.Fatalf("task status = %q, want failed", st.status)
	}
	if st.err != "Job not found" {
		t.Fatalf("task error = %q", st.err)
	}
	if n := q.pending("ghost"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0", n)
	}
}

func TestPollTerminalJobIsNoOp(t *testing.T) {
	job := runningJob("job-1")
	job.Status = domain.JobStatusCompleted
	job.ResultAssetURL = "https://assets/done.mp4"
	store := newMemStore(job)
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		t.Fatal("provider must not be called for a terminal job")
		return nil, nil
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusCompleted || got.ResultAssetURL != "https://assets/done.mp4" {
		t.Fatalf("terminal job mutated: %+v", got)
	}
	if st := q.state("job-1"); st.status != domain.TaskStatusCompleted {
		t.Fatalf("task status = %q, want completed", st.status)
	}
}

func TestPollUnknownEffect(t *testing.T) {
	job := runningJob("job-1")
	job.EffectID = "vanished"
	store := newMemStore(job)
	q := newFakeQueue()

	newTestPoller(store, q, &fakeProvider{}, &fakeAssets{}).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusError {
		t.Fatalf("Status = %q, want error", got.Status)
	}
	if got.Error != "Unknown effect: vanished" {
		t.Fatalf("Error = %q", got.Error)
	}
}

func TestPollMissingProviderState(t *testing.T) {
	job := runningJob("job-1")
	job.ProviderState = nil
	store := newMemStore(job)
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		t.Fatal("provider must not be called without correlation state")
		return nil, nil
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusRunning || got.Error != "" {
		t.Fatalf("job mutated: %+v", got)
	}
	if n := q.pending("job-1"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0 (no self-healing spin)", n)
	}
	if st := q.state("job-1"); st.status != domain.TaskStatusFailed {
		t.Fatalf("task status = %q, want failed", st.status)
	}
}

func TestPollTransientProviderFailureRequeues(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return nil, fmt.Errorf("replicate: status 502: %w", domain.ErrProviderUnavailable)
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusRunning || got.Error != "" {
		t.Fatalf("job mutated on transient failure: %+v", got)
	}
	if n := q.pending("job-1"); n != 1 {
		t.Fatalf("pending tasks = %d, want 1", n)
	}
}

func TestPollProviderRejectionFailsJob(t *testing.T) {
	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return nil, fmt.Errorf("replicate: status 404: prediction gone: %w", domain.ErrProviderRejected)
	}}

	newTestPoller(store, q, provider, &fakeAssets{}).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusError {
		t.Fatalf("Status = %q, want error", got.Status)
	}
	if got.Error == "" {
		t.Fatal("Error is empty, want the provider's text")
	}
	if n := q.pending("job-1"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0", n)
	}
}

func TestCompletionLosesRaceGracefully(t *testing.T) {
	srv := resultServer(t, "video/mp4", []byte("video"))

	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	sink := &fakeAssets{result: assets.UploadResult{ID: "late", URL: "https://assets/late.mp4"}}
	// Another consumer finalizes the job while this one is uploading.
	sink.onUpload = func() {
		status := domain.JobStatusCompleted
		url := "https://assets/winner.mp4"
		_, _ = store.UpdateIfActive(context.Background(), "job-1", domain.JobUpdate{Status: &status, ResultAssetURL: &url})
	}
	provider := &fakeProvider{fetchFn: func(_ int, _ replicate.Handle) (*replicate.Prediction, error) {
		return &replicate.Prediction{Status: "succeeded", Output: []any{srv.URL + "/out.mp4"}}, nil
	}}

	newTestPoller(store, q, provider, sink).Poll(context.Background(), "job-1")

	got := store.mustGet(t, "job-1")
	if got.ResultAssetURL != "https://assets/winner.mp4" {
		t.Fatalf("first writer lost: ResultAssetURL = %q", got.ResultAssetURL)
	}
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("Status = %q", got.Status)
	}
}

func TestRepeatedEnqueueStillConverges(t *testing.T) {
	srv := resultServer(t, "video/mp4", []byte("video"))

	store := newMemStore(runningJob("job-1"))
	q := newFakeQueue()
	sink := &fakeAssets{result: assets.UploadResult{ID: "asset-9", URL: "https://assets/x.mp4"}}
	provider := &fakeProvider{fetchFn: func(call int, _ replicate.Handle) (*replicate.Prediction, error) {
		if call < 3 {
			return &replicate.Prediction{Status: "processing"}, nil
		}
		return &replicate.Prediction{Status: "succeeded", Output: []any{srv.URL + "/out.mp4"}}, nil
	}}
	poller := newTestPoller(store, q, provider, sink)

	// The same job is enqueued several times; the worker must converge it to
	// a terminal state and treat the surplus tasks as no-ops.
	for i := 0; i < 3; i++ {
		if err := q.EnqueuePoll(context.Background(), "job-1"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for cycles := 0; cycles < 10; cycles++ {
		task, ok, err := q.Dequeue(context.Background(), 0)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if !ok {
			break
		}
		poller.Poll(context.Background(), task.JobID)
	}

	got := store.mustGet(t, "job-1")
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if len(sink.uploads) != 1 {
		t.Fatalf("uploads = %d, want exactly 1", len(sink.uploads))
	}
	if n := q.pending("job-1"); n != 0 {
		t.Fatalf("pending tasks = %d, want 0", n)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	q := newFakeQueue()
	poller := newTestPoller(store, q, &fakeProvider{}, &fakeAssets{})
	w := NewWorker(poller, q, testDelays, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
