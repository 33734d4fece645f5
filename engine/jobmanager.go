package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/erasure-engine/engine/domain/workflow"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func jobKey(jobID string) string {
	return "job:" + jobID
}

func jobIndexKey(workflowID string) string {
	return "job_index:" + workflowID
}

// JobManager implements BackgroundJobManager (§4.10): creation, progress,
// checkpointing and resume of long-running residual-data scans.
type JobManager struct {
	store state.KVStore
}

func NewJobManager(store state.KVStore) *JobManager {
	return &JobManager{store: store}
}

// CreateJobParams mirrors createJob's input fields.
type CreateJobParams struct {
	WorkflowID         string
	Type               workflow.JobType
	ScanTarget         string
	BatchSize          int
	CheckpointInterval int
}

// CreateJob persists a new PENDING job and registers it in the
// workflow's job index.
func (m *JobManager) CreateJob(ctx context.Context, p CreateJobParams) (workflow.Job, error) {
	job := workflow.Job{
		JobID:              uuid.NewString(),
		Type:               p.Type,
		WorkflowID:         p.WorkflowID,
		Status:             workflow.JobPending,
		ScanTarget:         p.ScanTarget,
		BatchSize:          p.BatchSize,
		CheckpointInterval: p.CheckpointInterval,
	}
	if err := m.put(ctx, job); err != nil {
		return workflow.Job{}, err
	}
	if err := m.addToIndex(ctx, p.WorkflowID, job.JobID); err != nil {
		return workflow.Job{}, err
	}
	return job, nil
}

func (m *JobManager) put(ctx context.Context, job workflow.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("engine: encode job %s: %w", job.JobID, err)
	}
	if err := m.store.Set(ctx, jobKey(job.JobID), encoded, 0); err != nil {
		return fmt.Errorf("engine: persist job %s: %w", job.JobID, err)
	}
	return nil
}

func (m *JobManager) Get(ctx context.Context, jobID string) (workflow.Job, error) {
	raw, err := m.store.Get(ctx, jobKey(jobID))
	if err == state.ErrNotFound {
		return workflow.Job{}, engineerrors.New(engineerrors.TagBackgroundJob, "JOB_003", "job not found", 404)
	}
	if err != nil {
		return workflow.Job{}, fmt.Errorf("engine: load job %s: %w", jobID, err)
	}
	var job workflow.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return workflow.Job{}, fmt.Errorf("engine: decode job %s: %w", jobID, err)
	}
	return job, nil
}

func (m *JobManager) addToIndex(ctx context.Context, workflowID, jobID string) error {
	for attempt := 0; attempt <= defaultCASRetries; attempt++ {
		raw, getErr := m.store.Get(ctx, jobIndexKey(workflowID))
		var ids []string
		if getErr == nil {
			if err := json.Unmarshal(raw, &ids); err != nil {
				return fmt.Errorf("engine: decode job index %s: %w", workflowID, err)
			}
		} else if getErr != state.ErrNotFound {
			return fmt.Errorf("engine: load job index %s: %w", workflowID, getErr)
		}
		ids = append(ids, jobID)
		encoded, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("engine: encode job index %s: %w", workflowID, err)
		}
		var swapped bool
		if getErr == state.ErrNotFound {
			swapped, err = m.store.CompareAndSwap(ctx, jobIndexKey(workflowID), nil, encoded)
		} else {
			swapped, err = m.store.CompareAndSwap(ctx, jobIndexKey(workflowID), raw, encoded)
		}
		if err != nil {
			return fmt.Errorf("engine: cas job index %s: %w", workflowID, err)
		}
		if swapped {
			return nil
		}
	}
	return engineerrors.CASConflict(jobIndexKey(workflowID), defaultCASRetries+1)
}

func (m *JobManager) listIDs(ctx context.Context, workflowID string) ([]string, error) {
	raw, err := m.store.Get(ctx, jobIndexKey(workflowID))
	if err == state.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load job index %s: %w", workflowID, err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("engine: decode job index %s: %w", workflowID, err)
	}
	return ids, nil
}

// StartJob transitions a job from PENDING to RUNNING. Rejects a job
// already RUNNING or COMPLETED.
func (m *JobManager) StartJob(ctx context.Context, jobID string) (workflow.Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return workflow.Job{}, err
	}
	if job.Status == workflow.JobRunning || job.Status == workflow.JobCompleted {
		return workflow.Job{}, engineerrors.BackgroundJobInvalidTransition(jobID, string(job.Status), string(workflow.JobRunning))
	}
	job.Status = workflow.JobRunning
	if err := m.put(ctx, job); err != nil {
		return workflow.Job{}, err
	}
	return job, nil
}

// CancelJob marks a non-terminal job FAILED; a job already in a terminal
// state is returned unchanged. No cancellation reason is recorded.
func (m *JobManager) CancelJob(ctx context.Context, jobID string) (workflow.Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return workflow.Job{}, err
	}
	if job.IsTerminal() {
		return job, nil
	}
	job.Status = workflow.JobFailed
	if err := m.put(ctx, job); err != nil {
		return workflow.Job{}, err
	}
	return job, nil
}

// UpdateProgressParams mirrors updateProgress's input fields.
type UpdateProgressParams struct {
	JobID        string
	Progress     int
	Findings     []workflow.PIIFinding
	CheckpointID string
}

// UpdateProgress merges findings (unique by MatchID) and clamps progress
// to max(prev, new). p.CheckpointID is not read; checkpoints are
// recorded only through CreateCheckpoint.
func (m *JobManager) UpdateProgress(ctx context.Context, p UpdateProgressParams) (workflow.Job, error) {
	job, err := m.Get(ctx, p.JobID)
	if err != nil {
		return workflow.Job{}, err
	}
	if p.Progress > job.Progress {
		job.Progress = p.Progress
	}
	job.Findings = mergeFindings(job.Findings, p.Findings)
	if err := m.put(ctx, job); err != nil {
		return workflow.Job{}, err
	}
	return job, nil
}

func mergeFindings(existing, incoming []workflow.PIIFinding) []workflow.PIIFinding {
	seen := make(map[string]struct{}, len(existing))
	out := make([]workflow.PIIFinding, 0, len(existing)+len(incoming))
	for _, f := range existing {
		if _, ok := seen[f.MatchID]; ok {
			continue
		}
		seen[f.MatchID] = struct{}{}
		out = append(out, f)
	}
	for _, f := range incoming {
		if _, ok := seen[f.MatchID]; ok {
			continue
		}
		seen[f.MatchID] = struct{}{}
		out = append(out, f)
	}
	return out
}

// CreateCheckpoint appends a checkpoint with a strictly increasing
// processedItems count and persists it before returning.
func (m *JobManager) CreateCheckpoint(ctx context.Context, jobID string, processedItems int, lastKey string, meta map[string]interface{}) (workflow.Checkpoint, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return workflow.Checkpoint{}, err
	}
	if last, ok := job.LastCheckpoint(); ok && processedItems <= last.ProcessedItems {
		return workflow.Checkpoint{}, engineerrors.New(engineerrors.TagBackgroundJob, "JOB_004",
			"checkpoint processedItems must strictly increase", 409)
	}
	cp := workflow.Checkpoint{
		ID:             workflow.CheckpointID(now().UnixMilli(), processedItems),
		ProcessedItems: processedItems,
		LastKey:        lastKey,
		Meta:           meta,
		CreatedAt:      now(),
	}
	job.Checkpoints = append(job.Checkpoints, cp)
	if err := m.put(ctx, job); err != nil {
		return workflow.Checkpoint{}, err
	}
	return cp, nil
}

// Resume returns the lastKey a scan driver should resume past; no item
// at or before that boundary is re-processed.
func (m *JobManager) Resume(ctx context.Context, jobID string) (workflow.Checkpoint, bool, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return workflow.Checkpoint{}, false, err
	}
	cp, ok := job.LastCheckpoint()
	return cp, ok, nil
}

// ListJobs returns every job for the workflow, keyed by job id, for the
// §6 status projection's backgroundJobs block.
func (m *JobManager) ListJobs(ctx context.Context, workflowID string) (map[string]workflow.Job, error) {
	ids, err := m.listIDs(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]workflow.Job, len(ids))
	for _, id := range ids {
		job, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs[id] = job
	}
	return jobs, nil
}

// AreAllJobsComplete reports true for an empty job set, otherwise
// whether every job for the workflow is COMPLETED or FAILED.
func (m *JobManager) AreAllJobsComplete(ctx context.Context, workflowID string) (bool, error) {
	ids, err := m.listIDs(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return true, nil
	}
	for _, id := range ids {
		job, err := m.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if !job.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// GetAllFindings concatenates findings across every job for the
// workflow, unique by MatchID.
func (m *JobManager) GetAllFindings(ctx context.Context, workflowID string) ([]workflow.PIIFinding, error) {
	ids, err := m.listIDs(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var all []workflow.PIIFinding
	for _, id := range ids {
		job, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		all = mergeFindings(all, job.Findings)
	}
	return all, nil
}

// CompleteJob marks a job COMPLETED at 100% progress. Progress is
// clamped monotonically like UpdateProgress, so CompleteJob is safe to
// call even if the driver's last progress report hasn't landed yet.
func (m *JobManager) CompleteJob(ctx context.Context, jobID string) (workflow.Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return workflow.Job{}, err
	}
	job.Progress = 100
	job.Status = workflow.JobCompleted
	if err := m.put(ctx, job); err != nil {
		return workflow.Job{}, err
	}
	return job, nil
}

// FailJob marks a job FAILED after retry exhaustion and wraps the
// driver's last error.
func (m *JobManager) FailJob(ctx context.Context, jobID string, cause error) (workflow.Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return workflow.Job{}, err
	}
	job.Attempts++
	job.Status = workflow.JobFailed
	if err := m.put(ctx, job); err != nil {
		return workflow.Job{}, err
	}
	return job, engineerrors.BackgroundJobFailed(jobID, cause)
}
