// Package workflow holds the Engine's saga state: WorkflowState,
// BackgroundJob, AuditEvent, PIIFinding, and Certificate, plus the lock
// records that guard per-user concurrency.
package workflow

import (
	"math"
	"time"

	"github.com/erasure-engine/engine/domain/identifiers"
)

// Status is the terminal/non-terminal lifecycle status of a workflow.
type Status string

const (
	StatusInProgress               Status = "IN_PROGRESS"
	StatusCompleted                Status = "COMPLETED"
	StatusCompletedWithExceptions  Status = "COMPLETED_WITH_EXCEPTIONS"
	StatusFailed                   Status = "FAILED"
	StatusAwaitingManualReview     Status = "AWAITING_MANUAL_REVIEW"
)

// IsTerminal reports whether status ends the saga.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithExceptions, StatusFailed:
		return true
	default:
		return false
	}
}

// Phase is the saga's current position in the phase machine (§4.9).
type Phase string

const (
	PhaseInit             Phase = "INIT"
	PhaseIdentityCritical Phase = "IDENTITY_CRITICAL"
	PhaseCheckpoint       Phase = "CHECKPOINT"
	PhaseParallel         Phase = "PARALLEL"
	PhasePIIScan          Phase = "PII_SCAN"
	PhaseBackground       Phase = "BACKGROUND"
	PhaseCompletion       Phase = "COMPLETION"
	PhaseCertificate      Phase = "CERTIFICATE"
)

// StepStatus is the lifecycle of a single deletion step.
type StepStatus string

const (
	StepNotStarted StepStatus = "NOT_STARTED"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepDeleted    StepStatus = "DELETED"
	StepFailed     StepStatus = "FAILED"
	StepLegalHold  StepStatus = "LEGAL_HOLD"
)

// Evidence captures what a step handler learned from the external call.
type Evidence struct {
	Receipt     string    `json:"receipt,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	RawResponse string    `json:"rawResponse,omitempty"`
}

// StepState is one entry of WorkflowState.Steps.
type StepState struct {
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Evidence Evidence   `json:"evidence"`
}

// LegalHold prohibits deletion from a system for a stated reason.
type LegalHold struct {
	System    string     `json:"system"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// DataLineageSnapshot is captured once at creation and never mutated.
type DataLineageSnapshot struct {
	Systems     []string  `json:"systems"`
	Identifiers []string  `json:"identifiers"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// State is the full saga record owned by key workflow:{id}.
type State struct {
	WorkflowID       string `json:"workflowId"`
	RequestID        string `json:"requestId"`
	PolicyVersion    string `json:"policyVersion"`
	ParentWorkflowID string `json:"parentWorkflowId,omitempty"`

	UserIdentifiers identifiers.UserIdentifiers `json:"userIdentifiers"`

	Status       Status `json:"status"`
	CurrentPhase Phase  `json:"currentPhase"`

	Steps          map[string]StepState `json:"steps"`
	BackgroundJobs map[string]Job       `json:"backgroundJobs"`
	LegalHolds     []LegalHold          `json:"legalHolds"`

	AuditHashes []string      `json:"auditHashes"`
	PIIFindings []PIIFinding  `json:"piiFindings"`

	DataLineageSnapshot DataLineageSnapshot `json:"dataLineageSnapshot"`

	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CertificateID string     `json:"certificateId,omitempty"`

	// Version is the CAS counter; WorkflowStateManager increments it on
	// every accepted mutation and rejects writes against a stale value.
	Version int `json:"version"`
}

// IdentityCriticalCompleted implements the §3 invariant: true iff every
// required system's step has reached DELETED.
func (s *State) IdentityCriticalCompleted(requiredSystems []string) bool {
	for _, sys := range requiredSystems {
		step, ok := s.Steps[sys]
		if !ok || step.Status != StepDeleted {
			return false
		}
	}
	return true
}

// AuditRoot returns the tip of the hash chain, or "" before the first
// audit event.
func (s *State) AuditRoot() string {
	if len(s.AuditHashes) == 0 {
		return ""
	}
	return s.AuditHashes[len(s.AuditHashes)-1]
}

// Progress summarizes step completion for the status endpoint.
type Progress struct {
	TotalSteps     int `json:"totalSteps"`
	CompletedSteps int `json:"completedSteps"`
	FailedSteps    int `json:"failedSteps"`
	Percentage     int `json:"percentage"`
}

// ComputeProgress derives §6's progress block from the current steps.
func (s *State) ComputeProgress() Progress {
	p := Progress{TotalSteps: len(s.Steps)}
	for _, step := range s.Steps {
		switch step.Status {
		case StepDeleted:
			p.CompletedSteps++
		case StepFailed:
			p.FailedSteps++
		}
	}
	if p.TotalSteps > 0 {
		p.Percentage = int(math.Round(float64(p.CompletedSteps) / float64(p.TotalSteps) * 100.0))
	}
	return p
}
