package workflow

import (
	"fmt"
	"time"
)

// JobType names the kind of background residual-data scan.
type JobType string

const (
	JobTypeS3Scan        JobType = "S3_SCAN"
	JobTypeWarehouseScan JobType = "WAREHOUSE_SCAN"
	JobTypeBackupCheck   JobType = "BACKUP_CHECK"
)

// JobStatus is the lifecycle of a BackgroundJob.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Checkpoint marks scan progress at a point the driver can resume from.
type Checkpoint struct {
	ID             string                 `json:"id"`
	ProcessedItems int                    `json:"processedItems"`
	LastKey        string                 `json:"lastKey,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// CheckpointID builds the canonical checkpoint_{unixMs}_{processedItems}
// identifier.
func CheckpointID(unixMs int64, processedItems int) string {
	return fmt.Sprintf("checkpoint_%d_%d", unixMs, processedItems)
}

// Job is a resumable background scan (§3 BackgroundJob).
type Job struct {
	JobID       string       `json:"jobId"`
	Type        JobType      `json:"type"`
	WorkflowID  string       `json:"workflowId"`
	Status      JobStatus    `json:"status"`
	Progress    int          `json:"progress"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Findings    []PIIFinding `json:"findings"`
	Attempts    int          `json:"attempts"`
	ScanTarget  string       `json:"scanTarget"`
	BatchSize   int          `json:"batchSize,omitempty"`

	CheckpointInterval int `json:"checkpointInterval,omitempty"`
}

// IsTerminal reports whether the job has reached COMPLETED or FAILED.
func (j Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// LastCheckpoint returns the checkpoint with the largest processedItems,
// or ok=false when there are none.
func (j Job) LastCheckpoint() (Checkpoint, bool) {
	if len(j.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return j.Checkpoints[len(j.Checkpoints)-1], true
}
