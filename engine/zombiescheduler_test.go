package engine

import (
	"context"
	"testing"
	"time"

	"github.com/erasure-engine/engine/domain/identifiers"
	"github.com/erasure-engine/engine/domain/ports"
	"github.com/erasure-engine/engine/domain/workflow"
)

type residualStubSystem struct {
	name     string
	residual bool
}

func (s *residualStubSystem) Name() string { return s.name }

func (s *residualStubSystem) Delete(ctx context.Context, ids identifiers.UserIdentifiers) (ports.DeleteResult, error) {
	return ports.DeleteResult{Success: true, Receipt: "receipt-" + s.name, ResidualDataFound: s.residual}, nil
}

func TestZombieScheduler_NoResidualData_NoChildWorkflow(t *testing.T) {
	p := testPolicy([]string{"payments"}, nil)
	p.ZombieCheckInterval = time.Hour

	payments := &residualStubSystem{name: "payments"}
	o, store, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"payments": payments}, noFindingsAnalyzer{})
	ctx := context.Background()

	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := o.handleStepExecute(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: s.WorkflowID, StepName: "payments", Attempt: 1}); err != nil {
		t.Fatalf("handleStepExecute: %v", err)
	}

	sm := NewStateManager(store)
	if _, err := sm.Mutate(ctx, s.WorkflowID, func(st *workflow.State) error {
		past := st.CreatedAt.Add(-2 * time.Hour)
		st.CompletedAt = &past
		st.Status = workflow.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	zs := NewZombieScheduler(p, sm, NewAuditTrail(store), o, nil)
	if err := zs.checkWorkflow(ctx, s.WorkflowID); err != nil {
		t.Fatalf("checkWorkflow: %v", err)
	}

	ids, err := sm.ListWorkflowIDs(ctx)
	if err != nil {
		t.Fatalf("ListWorkflowIDs: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected no child workflow created, got %d workflows", len(ids))
	}
}

func TestZombieScheduler_ResidualData_OpensChildWorkflow(t *testing.T) {
	p := testPolicy([]string{"payments"}, nil)
	p.ZombieCheckInterval = time.Hour

	payments := &residualStubSystem{name: "payments", residual: true}
	o, store, _ := newTestOrchestrator(t, p, map[string]ports.ExternalSystem{"payments": payments}, noFindingsAnalyzer{})
	ctx := context.Background()

	s, err := o.CreateWorkflow(ctx, CreateWorkflowRequest{RequestID: "req-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := o.handleStepExecute(ctx, StepEvent{Topic: topicStepExecute, WorkflowID: s.WorkflowID, StepName: "payments", Attempt: 1}); err != nil {
		t.Fatalf("handleStepExecute: %v", err)
	}

	sm := NewStateManager(store)
	audit := NewAuditTrail(store)
	if _, err := sm.Mutate(ctx, s.WorkflowID, func(st *workflow.State) error {
		past := st.CreatedAt.Add(-2 * time.Hour)
		st.CompletedAt = &past
		st.Status = workflow.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	zs := NewZombieScheduler(p, sm, audit, o, nil)
	if err := zs.checkWorkflow(ctx, s.WorkflowID); err != nil {
		t.Fatalf("checkWorkflow: %v", err)
	}

	ids, err := sm.ListWorkflowIDs(ctx)
	if err != nil {
		t.Fatalf("ListWorkflowIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected a child workflow to be opened, got %d workflows", len(ids))
	}

	var child workflow.State
	for _, id := range ids {
		if id == s.WorkflowID {
			continue
		}
		child, err = sm.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(child): %v", err)
		}
	}
	if child.ParentWorkflowID != s.WorkflowID {
		t.Fatalf("child.ParentWorkflowID = %q, want %q", child.ParentWorkflowID, s.WorkflowID)
	}
}

func TestEligibleForZombieCheck(t *testing.T) {
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	notTerminal := workflow.State{Status: workflow.StatusInProgress, CompletedAt: &old}
	if eligibleForZombieCheck(notTerminal, 24*time.Hour) {
		t.Fatal("in-progress workflow should never be eligible")
	}

	tooRecent := workflow.State{Status: workflow.StatusCompleted, CompletedAt: &now}
	if eligibleForZombieCheck(tooRecent, 24*time.Hour) {
		t.Fatal("just-completed workflow should not be eligible yet")
	}

	eligible := workflow.State{Status: workflow.StatusCompleted, CompletedAt: &old}
	if !eligibleForZombieCheck(eligible, 24*time.Hour) {
		t.Fatal("workflow completed well past the interval should be eligible")
	}
}
