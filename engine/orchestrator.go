package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/erasure-engine/engine/domain/identifiers"
	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/domain/ports"
	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/clock"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/resilience"
	"github.com/erasure-engine/engine/infrastructure/stream"
)

const topicStepExecute = "step-execute"

// Event topic names published for audit/stream consumption (§6's
// canonical topic list). Step-execute is the only topic the dispatcher
// delivers work on; the rest are fire-and-forget notifications.
const (
	topicWorkflowCreated  = "workflow-created"
	topicStepCompleted    = "step-completed"
	topicStepFailed       = "step-failed"
	topicCheckpointFailed = "checkpoint-failed"
	topicPIIDetected      = "pii-detected"
	topicWorkflowStatus   = "workflow-status"
	topicCompletion       = "workflow-completion"
	topicCertGenerated    = "certificate-generated"
)

// CreateWorkflowRequest mirrors POST /erasure-request's body (§6).
type CreateWorkflowRequest struct {
	RequestID string
	UserID    string
	Emails    []string
	Phones    []string
	Aliases   []string

	// ParentWorkflowID links a zombie-remediation child workflow back to
	// the original saga that first deleted this user (§4.13). Empty for
	// every workflow created directly from the HTTP API.
	ParentWorkflowID string
}

// Orchestrator implements SagaOrchestrator (§4.9): the phase machine
// driving a workflow from INIT through CERTIFICATE.
type Orchestrator struct {
	policy     policy.Policy
	state      *StateManager
	audit      *AuditTrail
	jobs       *JobManager
	certs      *CertificateGenerator
	dispatcher *StepDispatcher
	bus        *EventBus
	stream     stream.Stream
	systems    map[string]ports.ExternalSystem
	analyzer   ports.ContentAnalyzer
	retry      resilience.RetryPolicy
	scheduler  clock.Scheduler
}

type OrchestratorDeps struct {
	Policy     policy.Policy
	State      *StateManager
	Audit      *AuditTrail
	Jobs       *JobManager
	Certs      *CertificateGenerator
	Dispatcher *StepDispatcher
	Bus        *EventBus
	Stream     stream.Stream
	Systems    map[string]ports.ExternalSystem
	Analyzer   ports.ContentAnalyzer

	// Scheduler drives the delay ahead of a retry re-dispatch (§8 property
	// 6). Defaults to clock.RealScheduler{}; tests substitute a
	// clock.VirtualScheduler to assert on the computed delay without
	// sleeping.
	Scheduler clock.Scheduler
}

func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	scheduler := d.Scheduler
	if scheduler == nil {
		scheduler = clock.RealScheduler{}
	}
	o := &Orchestrator{
		policy:     d.Policy,
		state:      d.State,
		audit:      d.Audit,
		jobs:       d.Jobs,
		certs:      d.Certs,
		dispatcher: d.Dispatcher,
		bus:        d.Bus,
		stream:     d.Stream,
		systems:    d.Systems,
		analyzer:   d.Analyzer,
		retry:      resilience.NewRetryPolicy(d.Policy.MaxRetryAttempts, d.Policy.InitialRetryDelay, d.Policy.RetryBackoffMultiplier),
		scheduler:  scheduler,
	}
	o.bus.Subscribe(topicStepExecute, o.handleStepExecute)
	return o
}

func (o *Orchestrator) publish(ctx context.Context, topic, workflowID string, payload map[string]interface{}) {
	if o.stream == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["workflowId"] = workflowID
	_ = o.stream.Publish(ctx, topic, workflowID, payload)
}

// CreateWorkflow implements the INIT -> IDENTITY_CRITICAL transition:
// it snapshots identity, seeds per-system step state, and enqueues the
// first required system.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (workflow.State, error) {
	ids, err := identifiers.New(req.UserID, req.Emails, req.Phones, req.Aliases)
	if err != nil {
		return workflow.State{}, engineerrors.Validation("userIdentifiers", err.Error())
	}

	workflowID := uuid.NewString()
	systems := append(append([]string{}, o.policy.RequiredSystems...), o.policy.ParallelSystems...)
	steps := make(map[string]workflow.StepState, len(systems))
	for _, sys := range systems {
		steps[sys] = workflow.StepState{Status: workflow.StepNotStarted}
	}

	s := workflow.State{
		WorkflowID:       workflowID,
		RequestID:        req.RequestID,
		PolicyVersion:    o.policy.PolicyVersion,
		ParentWorkflowID: req.ParentWorkflowID,
		UserIdentifiers:  ids,
		Status:          workflow.StatusInProgress,
		CurrentPhase:    workflow.PhaseInit,
		Steps:           steps,
		BackgroundJobs:  map[string]workflow.Job{},
		DataLineageSnapshot: workflow.DataLineageSnapshot{
			Systems:     systems,
			Identifiers: []string{ids.UserID},
			CapturedAt:  now(),
		},
		CreatedAt:   now(),
		LastUpdated: now(),
	}
	if err := o.state.Create(ctx, s); err != nil {
		return workflow.State{}, err
	}

	if _, err := o.audit.Append(ctx, workflowID, "workflow-created", map[string]interface{}{"userId": ids.UserID, "requestId": req.RequestID}); err != nil {
		return workflow.State{}, err
	}
	o.publish(ctx, topicWorkflowCreated, workflowID, map[string]interface{}{"phase": string(workflow.PhaseInit)})

	next, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhaseIdentityCritical
		return nil
	})
	if err != nil {
		return workflow.State{}, err
	}

	if len(o.policy.RequiredSystems) > 0 {
		if err := o.dispatcher.Dispatch(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: workflowID, StepName: o.policy.RequiredSystems[0], Attempt: 1}); err != nil {
			return workflow.State{}, err
		}
	}
	return next, nil
}

func (o *Orchestrator) isRequired(sys string) bool {
	for _, s := range o.policy.RequiredSystems {
		if s == sys {
			return true
		}
	}
	return false
}

func (o *Orchestrator) requiredIndex(sys string) int {
	for i, s := range o.policy.RequiredSystems {
		if s == sys {
			return i
		}
	}
	return -1
}

// handleStepExecute is the single EventBus handler for topicStepExecute.
// It re-reads state before acting, so a redelivered or racing event can
// never bypass the sequential-ordering check (§4.15).
func (o *Orchestrator) handleStepExecute(ctx context.Context, event StepEvent) error {
	s, err := o.state.Get(ctx, event.WorkflowID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return nil
	}

	if o.isRequired(event.StepName) {
		idx := o.requiredIndex(event.StepName)
		for _, predecessor := range o.policy.RequiredSystems[:idx] {
			if s.Steps[predecessor].Status != workflow.StepDeleted {
				return engineerrors.SequentialOrderViolation(predecessor, event.StepName)
			}
		}
	}

	if _, err := o.state.Mutate(ctx, event.WorkflowID, func(s *workflow.State) error {
		step := s.Steps[event.StepName]
		step.Status = workflow.StepInProgress
		step.Attempts = event.Attempt
		s.Steps[event.StepName] = step
		return nil
	}); err != nil {
		return err
	}

	system, ok := o.systems[event.StepName]
	if !ok {
		return fmt.Errorf("engine: no ExternalSystem registered for %q", event.StepName)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if o.policy.ExternalSystemTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.policy.ExternalSystemTimeout)
		defer cancel()
	}
	result, callErr := system.Delete(callCtx, s.UserIdentifiers)
	if callErr == nil && !result.Success {
		callErr = fmt.Errorf("engine: %s reported failure", event.StepName)
	}

	if callErr != nil {
		return o.handleStepFailure(ctx, event, callErr)
	}
	return o.handleStepSuccess(ctx, event, result)
}

func (o *Orchestrator) handleStepSuccess(ctx context.Context, event StepEvent, result ports.DeleteResult) error {
	if _, err := o.state.Mutate(ctx, event.WorkflowID, func(s *workflow.State) error {
		s.Steps[event.StepName] = workflow.StepState{
			Status:   workflow.StepDeleted,
			Attempts: event.Attempt,
			Evidence: workflow.Evidence{Receipt: result.Receipt, Timestamp: now(), RawResponse: result.RawResponse},
		}
		return nil
	}); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, event.WorkflowID, "step-completed", map[string]interface{}{"system": event.StepName, "attempts": event.Attempt}); err != nil {
		return err
	}
	if err := o.dispatcher.MarkSucceeded(ctx, event.WorkflowID, event.StepName, event.Attempt); err != nil {
		return err
	}
	o.publish(ctx, topicStepCompleted, event.WorkflowID, map[string]interface{}{"system": event.StepName})

	if o.isRequired(event.StepName) {
		return o.advanceIdentityCritical(ctx, event.WorkflowID)
	}
	return o.checkParallelComplete(ctx, event.WorkflowID)
}

func (o *Orchestrator) handleStepFailure(ctx context.Context, event StepEvent, cause error) error {
	eligible := o.retry.Eligible(event.Attempt)
	required := o.isRequired(event.StepName)

	if eligible {
		if _, err := o.state.Mutate(ctx, event.WorkflowID, func(s *workflow.State) error {
			step := s.Steps[event.StepName]
			step.Status = workflow.StepInProgress
			step.Attempts = event.Attempt
			s.Steps[event.StepName] = step
			return nil
		}); err != nil {
			return err
		}
		o.scheduleRetry(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: event.WorkflowID, StepName: event.StepName, Attempt: event.Attempt + 1}, o.retry.Delay(event.Attempt))
		return nil
	}

	if _, err := o.state.Mutate(ctx, event.WorkflowID, func(s *workflow.State) error {
		s.Steps[event.StepName] = workflow.StepState{
			Status:   workflow.StepFailed,
			Attempts: event.Attempt,
			Evidence: workflow.Evidence{Timestamp: now(), RawResponse: cause.Error()},
		}
		if required {
			s.Status = workflow.StatusAwaitingManualReview
		}
		return nil
	}); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, event.WorkflowID, "step-failed", map[string]interface{}{"system": event.StepName, "attempts": event.Attempt, "requiresManualIntervention": required}); err != nil {
		return err
	}
	o.publish(ctx, topicStepFailed, event.WorkflowID, map[string]interface{}{"system": event.StepName, "requiresManualIntervention": required})

	if required {
		return nil
	}
	return o.checkParallelComplete(ctx, event.WorkflowID)
}

// scheduleRetry dispatches event only after delay elapses, implementing
// §8 property 6's scheduled exponential backoff. It runs on its own
// goroutine against the bus's long-lived context, so it outlives the
// handler call that scheduled it.
func (o *Orchestrator) scheduleRetry(ctx context.Context, event StepEvent, delay time.Duration) {
	trigger := o.scheduler.After(delay)
	go func() {
		select {
		case <-trigger.C():
			_ = o.dispatcher.Dispatch(ctx, event)
		case <-ctx.Done():
			trigger.Cancel()
		}
	}()
}

// advanceIdentityCritical enqueues the next required system, or runs
// the checkpoint once every required system is DELETED.
func (o *Orchestrator) advanceIdentityCritical(ctx context.Context, workflowID string) error {
	s, err := o.state.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	idx := 0
	for i, sys := range o.policy.RequiredSystems {
		if s.Steps[sys].Status != workflow.StepDeleted {
			idx = i
			break
		}
		idx = i + 1
	}
	if idx < len(o.policy.RequiredSystems) {
		return o.dispatcher.Dispatch(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: workflowID, StepName: o.policy.RequiredSystems[idx], Attempt: 1})
	}
	return o.runCheckpoint(ctx, workflowID)
}

// runCheckpoint implements the CHECKPOINT phase: verifies the §3
// invariant and either fans out to parallelSystems or halts for manual
// review (§8 property 3).
func (o *Orchestrator) runCheckpoint(ctx context.Context, workflowID string) error {
	s, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhaseCheckpoint
		return nil
	})
	if err != nil {
		return err
	}

	if !s.IdentityCriticalCompleted(o.policy.RequiredSystems) {
		if _, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
			s.Status = workflow.StatusAwaitingManualReview
			return nil
		}); err != nil {
			return err
		}
		if _, err := o.audit.Append(ctx, workflowID, "checkpoint-failed", map[string]interface{}{"requiresManualIntervention": true}); err != nil {
			return err
		}
		o.publish(ctx, topicCheckpointFailed, workflowID, map[string]interface{}{"requiresManualIntervention": true})
		return nil
	}

	if _, err := o.audit.Append(ctx, workflowID, "checkpoint-passed", map[string]interface{}{}); err != nil {
		return err
	}

	if len(o.policy.ParallelSystems) == 0 {
		return o.runPIIScan(ctx, workflowID)
	}

	if _, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhaseParallel
		return nil
	}); err != nil {
		return err
	}
	for _, sys := range o.policy.ParallelSystems {
		if err := o.dispatcher.Dispatch(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: workflowID, StepName: sys, Attempt: 1}); err != nil {
			return err
		}
	}
	return nil
}

// checkParallelComplete moves PARALLEL -> PII_SCAN once every parallel
// step is terminal; partial failures are tolerated (§4.9).
func (o *Orchestrator) checkParallelComplete(ctx context.Context, workflowID string) error {
	s, err := o.state.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if s.CurrentPhase != workflow.PhaseParallel {
		return nil
	}
	for _, sys := range o.policy.ParallelSystems {
		step := s.Steps[sys]
		if step.Status != workflow.StepDeleted && step.Status != workflow.StepFailed {
			return nil
		}
	}
	return o.runPIIScan(ctx, workflowID)
}

// runPIIScan implements PII_SCAN: it calls the ContentAnalyzer over
// every step's evidence, classifies the findings, records them on
// state, and spawns background scan jobs for auto-delete-classified
// systems before entering BACKGROUND.
func (o *Orchestrator) runPIIScan(ctx context.Context, workflowID string) error {
	s, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhasePIIScan
		return nil
	})
	if err != nil {
		return err
	}

	var findings []workflow.PIIFinding
	if o.analyzer != nil {
		for sys, step := range s.Steps {
			resp, err := o.analyzer.Analyze(ctx, sys, step.Evidence.RawResponse)
			if err != nil {
				return engineerrors.PIIAgentFailed(sys, err)
			}
			findings = append(findings, resp.Findings...)
		}
	}

	classified := ClassifyFindings(findings, o.policy.AutoDeleteThreshold, o.policy.ManualReviewThreshold)
	autoDeleteSystems := map[string]bool{}
	for _, c := range classified {
		if c.Classification == workflow.ClassificationAutoDelete {
			autoDeleteSystems[c.Finding.System] = true
		}
	}

	if _, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.PIIFindings = findings
		return nil
	}); err != nil {
		return err
	}
	o.publish(ctx, topicPIIDetected, workflowID, map[string]interface{}{"findingCount": len(findings)})

	return o.enterBackground(ctx, workflowID, autoDeleteSystems)
}

// enterBackground creates one residual-data scan job per
// auto-delete-classified system, drives each to a terminal state, and
// transitions to BACKGROUND. With no auto-delete findings, the job set
// is empty and the phase completes immediately (§4.10's
// areAllJobsComplete treats an empty set as done).
func (o *Orchestrator) enterBackground(ctx context.Context, workflowID string, autoDeleteSystems map[string]bool) error {
	if _, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhaseBackground
		return nil
	}); err != nil {
		return err
	}

	for sys := range autoDeleteSystems {
		job, err := o.jobs.CreateJob(ctx, CreateJobParams{WorkflowID: workflowID, Type: workflow.JobTypeS3Scan, ScanTarget: sys})
		if err != nil {
			return err
		}
		if err := o.driveBackgroundJob(ctx, job); err != nil {
			return err
		}
	}
	return o.checkBackgroundComplete(ctx, workflowID)
}

// driveBackgroundJob runs a residual-data scan job to completion: it
// starts the job, re-scans the target through the ContentAnalyzer,
// checkpoints what it found, and marks the job COMPLETED or FAILED. A
// scan failure is recorded on the job itself rather than propagated,
// mirroring checkParallelComplete's tolerance of partial failure.
func (o *Orchestrator) driveBackgroundJob(ctx context.Context, job workflow.Job) error {
	started, err := o.jobs.StartJob(ctx, job.JobID)
	if err != nil {
		return err
	}

	if o.analyzer == nil {
		_, err := o.jobs.CompleteJob(ctx, started.JobID)
		return err
	}

	resp, analyzeErr := o.analyzer.Analyze(ctx, started.ScanTarget, "")
	if analyzeErr != nil {
		if _, failErr := o.jobs.FailJob(ctx, started.JobID, analyzeErr); failErr != nil && !engineerrors.HasTag(failErr, engineerrors.TagBackgroundJob) {
			return failErr
		}
		return nil
	}

	if _, err := o.jobs.CreateCheckpoint(ctx, started.JobID, len(resp.Findings), started.ScanTarget, nil); err != nil {
		return err
	}
	if _, err := o.jobs.UpdateProgress(ctx, UpdateProgressParams{JobID: started.JobID, Progress: 100, Findings: resp.Findings}); err != nil {
		return err
	}
	_, err = o.jobs.CompleteJob(ctx, started.JobID)
	return err
}

// checkBackgroundComplete advances BACKGROUND -> COMPLETION once every
// job for the workflow is terminal, then issues the certificate.
func (o *Orchestrator) checkBackgroundComplete(ctx context.Context, workflowID string) error {
	done, err := o.jobs.AreAllJobsComplete(ctx, workflowID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	findings, err := o.jobs.GetAllFindings(ctx, workflowID)
	if err != nil {
		return err
	}

	hasFailure := false
	s, err := o.state.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, step := range s.Steps {
		if step.Status == workflow.StepFailed {
			hasFailure = true
			break
		}
	}

	finalStatus := workflow.StatusCompleted
	if hasFailure {
		finalStatus = workflow.StatusCompletedWithExceptions
	}

	completed, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhaseCompletion
		s.Status = finalStatus
		s.PIIFindings = mergeFindings(s.PIIFindings, findings)
		t := now()
		s.CompletedAt = &t
		return nil
	})
	if err != nil {
		return err
	}
	o.publish(ctx, topicCompletion, workflowID, map[string]interface{}{"status": string(finalStatus)})

	return o.issueCertificate(ctx, completed)
}

// issueCertificate implements the COMPLETION -> CERTIFICATE transition.
func (o *Orchestrator) issueCertificate(ctx context.Context, s workflow.State) error {
	cert, err := o.certs.Issue(ctx, s)
	if err != nil {
		return err
	}
	if _, err := o.state.Mutate(ctx, s.WorkflowID, func(s *workflow.State) error {
		s.CurrentPhase = workflow.PhaseCertificate
		s.CertificateID = cert.CertificateID
		return nil
	}); err != nil {
		return err
	}
	if _, err := o.audit.Append(ctx, s.WorkflowID, "certificate-generated", map[string]interface{}{"certificateId": cert.CertificateID}); err != nil {
		return err
	}
	o.publish(ctx, topicCertGenerated, s.WorkflowID, map[string]interface{}{"certificateId": cert.CertificateID})
	return nil
}
