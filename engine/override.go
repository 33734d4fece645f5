package engine

import (
	"context"
	"fmt"
	"time"

	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/domain/workflow"
)

// OverrideAction is one of the four operator actions §6's
// POST /erasure-request/:id/override accepts.
type OverrideAction string

const (
	OverrideLegalHold      OverrideAction = "LEGAL_HOLD"
	OverrideResumeDeletion OverrideAction = "RESUME_DELETION"
	OverrideForceComplete  OverrideAction = "FORCE_COMPLETE"
	OverrideCancelWorkflow OverrideAction = "CANCEL_WORKFLOW"
)

// ApprovedBy records who authorized the override, for the audit trail.
type ApprovedBy struct {
	UserID       string
	Role         string
	Organization string
	Timestamp    time.Time
}

// OverrideRequest mirrors the override endpoint's body (§6).
type OverrideRequest struct {
	Action     OverrideAction
	Reason     string
	LegalBasis string
	Systems    []string
	ExpiresAt  *time.Time
	Evidence   string
	ApprovedBy ApprovedBy
}

// Override applies a legal_counsel-authorized action to a workflow.
// Every branch appends an audit event carrying ApprovedBy so the
// decision is traceable independent of the workflow's own step history.
func (o *Orchestrator) Override(ctx context.Context, workflowID string, req OverrideRequest) (workflow.State, error) {
	switch req.Action {
	case OverrideLegalHold:
		return o.applyLegalHold(ctx, workflowID, req)
	case OverrideResumeDeletion:
		return o.applyResumeDeletion(ctx, workflowID, req)
	case OverrideForceComplete:
		return o.applyForceComplete(ctx, workflowID, req)
	case OverrideCancelWorkflow:
		return o.applyCancelWorkflow(ctx, workflowID, req)
	default:
		return workflow.State{}, engineerrors.Validation("action", fmt.Sprintf("unsupported override action %q", req.Action))
	}
}

func overrideTargets(req OverrideRequest, all map[string]workflow.StepState) []string {
	if len(req.Systems) > 0 {
		return req.Systems
	}
	targets := make([]string, 0, len(all))
	for sys := range all {
		targets = append(targets, sys)
	}
	return targets
}

func (o *Orchestrator) applyLegalHold(ctx context.Context, workflowID string, req OverrideRequest) (workflow.State, error) {
	var targets []string
	s, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		targets = overrideTargets(req, s.Steps)
		for _, sys := range targets {
			step := s.Steps[sys]
			step.Status = workflow.StepLegalHold
			s.Steps[sys] = step
			s.LegalHolds = append(s.LegalHolds, workflow.LegalHold{System: sys, Reason: req.Reason, ExpiresAt: req.ExpiresAt})
		}
		return nil
	})
	if err != nil {
		return workflow.State{}, err
	}
	if err := o.auditOverride(ctx, workflowID, "legal-hold-applied", req, targets); err != nil {
		return workflow.State{}, err
	}
	o.publish(ctx, topicWorkflowStatus, workflowID, map[string]interface{}{"override": string(OverrideLegalHold), "systems": targets})
	return s, nil
}

// applyResumeDeletion lifts a hold on each target system and re-enqueues
// it at attempt 1; handleStepExecute re-validates required-system
// ordering on delivery, so resuming a required system ahead of its
// predecessor simply fails that one re-attempt rather than corrupting
// order.
func (o *Orchestrator) applyResumeDeletion(ctx context.Context, workflowID string, req OverrideRequest) (workflow.State, error) {
	var resumed []string
	s, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		targets := overrideTargets(req, s.Steps)
		kept := make([]workflow.LegalHold, 0, len(s.LegalHolds))
		held := make(map[string]bool, len(targets))
		for _, sys := range targets {
			held[sys] = true
		}
		for _, h := range s.LegalHolds {
			if held[h.System] {
				continue
			}
			kept = append(kept, h)
		}
		s.LegalHolds = kept
		for _, sys := range targets {
			step, ok := s.Steps[sys]
			if !ok || step.Status != workflow.StepLegalHold {
				continue
			}
			s.Steps[sys] = workflow.StepState{Status: workflow.StepNotStarted}
			resumed = append(resumed, sys)
		}
		return nil
	})
	if err != nil {
		return workflow.State{}, err
	}
	if err := o.auditOverride(ctx, workflowID, "deletion-resumed", req, resumed); err != nil {
		return workflow.State{}, err
	}
	for _, sys := range resumed {
		if err := o.dispatcher.Dispatch(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: workflowID, StepName: sys, Attempt: 1}); err != nil {
			return workflow.State{}, err
		}
	}
	o.publish(ctx, topicWorkflowStatus, workflowID, map[string]interface{}{"override": string(OverrideResumeDeletion), "systems": resumed})
	return s, nil
}

// applyForceComplete closes out a workflow an operator has decided not
// to keep retrying: every non-terminal step is marked FAILED with a
// CANCELLED-style receipt and the workflow lands on
// COMPLETED_WITH_EXCEPTIONS regardless of phase (§7: exhaustion of a
// non-required system never blocks completion; FORCE_COMPLETE extends
// that same tolerance to required systems at an operator's direction).
func (o *Orchestrator) applyForceComplete(ctx context.Context, workflowID string, req OverrideRequest) (workflow.State, error) {
	s, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		for sys, step := range s.Steps {
			if step.Status == workflow.StepDeleted {
				continue
			}
			step.Status = workflow.StepFailed
			step.Evidence = workflow.Evidence{Timestamp: now(), RawResponse: "FORCE_COMPLETE: " + req.Reason}
			s.Steps[sys] = step
		}
		s.Status = workflow.StatusCompletedWithExceptions
		completed := now()
		s.CompletedAt = &completed
		return nil
	})
	if err != nil {
		return workflow.State{}, err
	}
	if err := o.auditOverride(ctx, workflowID, "workflow-force-completed", req, nil); err != nil {
		return workflow.State{}, err
	}
	o.publish(ctx, topicCompletion, workflowID, map[string]interface{}{"status": string(workflow.StatusCompletedWithExceptions), "override": string(OverrideForceComplete)})
	return s, nil
}

// applyCancelWorkflow implements §5's CANCEL_WORKFLOW effect exactly:
// status flips to FAILED, every non-terminal step is marked FAILED with
// receipt "CANCELLED: {reason}", and handleStepExecute's terminal-status
// guard suppresses any step event still in flight.
func (o *Orchestrator) applyCancelWorkflow(ctx context.Context, workflowID string, req OverrideRequest) (workflow.State, error) {
	s, err := o.state.Mutate(ctx, workflowID, func(s *workflow.State) error {
		for sys, step := range s.Steps {
			if step.Status == workflow.StepDeleted {
				continue
			}
			step.Status = workflow.StepFailed
			step.Evidence = workflow.Evidence{Timestamp: now(), RawResponse: fmt.Sprintf("CANCELLED: %s", req.Reason)}
			s.Steps[sys] = step
		}
		s.Status = workflow.StatusFailed
		completed := now()
		s.CompletedAt = &completed
		return nil
	})
	if err != nil {
		return workflow.State{}, err
	}
	if err := o.auditOverride(ctx, workflowID, "workflow-cancelled", req, nil); err != nil {
		return workflow.State{}, err
	}
	o.publish(ctx, topicCompletion, workflowID, map[string]interface{}{"status": string(workflow.StatusFailed), "override": string(OverrideCancelWorkflow)})
	return s, nil
}

func (o *Orchestrator) auditOverride(ctx context.Context, workflowID, eventType string, req OverrideRequest, systems []string) error {
	_, err := o.audit.Append(ctx, workflowID, eventType, map[string]interface{}{
		"reason":          req.Reason,
		"legalBasis":      req.LegalBasis,
		"systems":         systems,
		"evidence":        req.Evidence,
		"approvedByUser":  req.ApprovedBy.UserID,
		"approvedByRole":  req.ApprovedBy.Role,
		"approvedByOrg":   req.ApprovedBy.Organization,
		"approvedAt":      req.ApprovedBy.Timestamp,
	})
	return err
}
