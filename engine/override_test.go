package engine

import (
	"context"
	"testing"

	"github.com/erasure-engine/engine/domain/ports"
	"github.com/erasure-engine/engine/domain/workflow"
)

func TestOverride_LegalHold_MarksTargetedSystemHeld(t *testing.T) {
	p := testPolicy([]string{"payments"}, []string{"crm"})
	payments := &stubSystem{name: "payments"}
	crm := &stubSystem{name: "crm"}
	o, _, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"payments": payments, "crm": crm}, noFindingsAnalyzer{})
	ctx := context.Background()

	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	updated, err := o.Override(ctx, s.WorkflowID, OverrideRequest{
		Action:  OverrideLegalHold,
		Reason:  "pending litigation",
		Systems: []string{"crm"},
	})
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if updated.Steps["crm"].Status != workflow.StepLegalHold {
		t.Fatalf("crm step status = %v, want LEGAL_HOLD", updated.Steps["crm"].Status)
	}
	if updated.Steps["payments"].Status == workflow.StepLegalHold {
		t.Fatal("payments step should be untouched by a crm-scoped legal hold")
	}
	if len(updated.LegalHolds) != 1 || updated.LegalHolds[0].System != "crm" {
		t.Fatalf("expected one legal hold recorded for crm, got %+v", updated.LegalHolds)
	}
}

func TestOverride_ResumeDeletion_ClearsHoldAndResetsStep(t *testing.T) {
	p := testPolicy(nil, []string{"crm"})
	crm := &stubSystem{name: "crm"}
	o, _, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"crm": crm}, noFindingsAnalyzer{})
	ctx := context.Background()

	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if _, err := o.Override(ctx, s.WorkflowID, OverrideRequest{Action: OverrideLegalHold, Reason: "hold", Systems: []string{"crm"}}); err != nil {
		t.Fatalf("Override(LEGAL_HOLD): %v", err)
	}

	updated, err := o.Override(ctx, s.WorkflowID, OverrideRequest{Action: OverrideResumeDeletion, Reason: "hold lifted", Systems: []string{"crm"}})
	if err != nil {
		t.Fatalf("Override(RESUME_DELETION): %v", err)
	}
	if len(updated.LegalHolds) != 0 {
		t.Fatalf("expected legal holds cleared, got %+v", updated.LegalHolds)
	}
	if updated.Steps["crm"].Status != workflow.StepNotStarted {
		t.Fatalf("crm step status = %v, want NOT_STARTED after resume re-enqueues it", updated.Steps["crm"].Status)
	}
}

func TestOverride_ForceComplete_ClosesOutPendingSteps(t *testing.T) {
	p := testPolicy([]string{"payments"}, nil)
	payments := &stubSystem{name: "payments", fail: true}
	o, _, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"payments": payments}, noFindingsAnalyzer{})
	ctx := context.Background()

	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	updated, err := o.Override(ctx, s.WorkflowID, OverrideRequest{Action: OverrideForceComplete, Reason: "deadline"})
	if err != nil {
		t.Fatalf("Override(FORCE_COMPLETE): %v", err)
	}
	if updated.Status != workflow.StatusCompletedWithExceptions {
		t.Fatalf("status = %v, want COMPLETED_WITH_EXCEPTIONS", updated.Status)
	}
	if updated.Steps["payments"].Status != workflow.StepFailed {
		t.Fatalf("payments step status = %v, want FAILED", updated.Steps["payments"].Status)
	}
	if updated.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestOverride_CancelWorkflow_FailsAndSuppressesFurtherSteps(t *testing.T) {
	p := testPolicy([]string{"payments", "database"}, nil)
	payments := &stubSystem{name: "payments"}
	database := &stubSystem{name: "database"}
	o, _, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"payments": payments, "database": database}, noFindingsAnalyzer{})
	ctx := context.Background()

	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	updated, err := o.Override(ctx, s.WorkflowID, OverrideRequest{Action: OverrideCancelWorkflow, Reason: "user withdrew request"})
	if err != nil {
		t.Fatalf("Override(CANCEL_WORKFLOW): %v", err)
	}
	if updated.Status != workflow.StatusFailed {
		t.Fatalf("status = %v, want FAILED", updated.Status)
	}
	if updated.Steps["payments"].Evidence.RawResponse != "CANCELLED: user withdrew request" {
		t.Fatalf("payments evidence = %q, want CANCELLED receipt", updated.Steps["payments"].Evidence.RawResponse)
	}

	// A step event still in flight for this workflow must be a no-op now.
	if err := o.handleStepExecute(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: s.WorkflowID, StepName: "payments", Attempt: 2}); err != nil {
		t.Fatalf("handleStepExecute after cancel: %v", err)
	}
}

func TestOverride_UnsupportedAction(t *testing.T) {
	p := testPolicy(nil, []string{"crm"})
	o, _, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"crm": &stubSystem{name: "crm"}}, noFindingsAnalyzer{})
	ctx := context.Background()
	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if _, err := o.Override(ctx, s.WorkflowID, OverrideRequest{Action: "NOT_A_REAL_ACTION"}); err == nil {
		t.Fatal("expected an error for an unsupported override action")
	}
}
