package engine

import (
	"context"
	"testing"
	"time"

	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/stream"
)

func TestStreamManager_StepFailed_SameSystemReusesErrorID(t *testing.T) {
	ms := stream.NewMemoryStream()
	sm := NewStreamManager(ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub, err := ms.Subscribe(ctx, StreamTopicErrorNotif, stream.Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publishStepFailed(t, ms, ctx, "wf-1", "payments", false)
	first := recvErrorEvent(t, sub)

	publishStepFailed(t, ms, ctx, "wf-1", "payments", true)
	second := recvErrorEvent(t, sub)

	if first["errorId"] != second["errorId"] {
		t.Fatalf("expected the same errorId across repeated failures of the same system, got %v then %v", first["errorId"], second["errorId"])
	}
	if second["severity"] != string(workflow.SeverityHigh) {
		t.Fatalf("expected severity to escalate once requiresManualIntervention is true, got %v", second["severity"])
	}
}

func TestStreamManager_StepFailed_DifferentSystemsGetDifferentErrorIDs(t *testing.T) {
	ms := stream.NewMemoryStream()
	sm := NewStreamManager(ms)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := ms.Subscribe(ctx, StreamTopicErrorNotif, stream.Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publishStepFailed(t, ms, ctx, "wf-1", "payments", false)
	first := recvErrorEvent(t, sub)

	publishStepFailed(t, ms, ctx, "wf-1", "crm", false)
	second := recvErrorEvent(t, sub)

	if first["errorId"] == second["errorId"] {
		t.Fatal("expected distinct systems to get distinct error entries")
	}
}

func TestStreamManager_ResolveError_NoOpWithoutPriorEntry(t *testing.T) {
	ms := stream.NewMemoryStream()
	sm := NewStreamManager(ms)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := ms.Subscribe(ctx, StreamTopicErrorNotif, stream.Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sm.ResolveError(ctx, "wf-1", "payments", workflow.ResolutionResolved)

	select {
	case e := <-sub.Events():
		t.Fatalf("expected no event for an error never opened, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamManager_ResolveError_UpdatesExistingEntry(t *testing.T) {
	ms := stream.NewMemoryStream()
	sm := NewStreamManager(ms)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := ms.Subscribe(ctx, StreamTopicErrorNotif, stream.Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publishStepFailed(t, ms, ctx, "wf-1", "payments", false)
	opened := recvErrorEvent(t, sub)

	sm.ResolveError(ctx, "wf-1", "payments", workflow.ResolutionResolved)
	resolved := recvErrorEvent(t, sub)

	if resolved["errorId"] != opened["errorId"] {
		t.Fatalf("resolve must mutate the same entry, got errorId %v want %v", resolved["errorId"], opened["errorId"])
	}
	if resolved["status"] != string(workflow.ResolutionResolved) {
		t.Fatalf("status = %v, want resolved", resolved["status"])
	}
}

func publishStepFailed(t *testing.T, ms *stream.MemoryStream, ctx context.Context, workflowID, system string, requiresManual bool) {
	t.Helper()
	payload := map[string]interface{}{"system": system, "requiresManualIntervention": requiresManual}
	if err := ms.Publish(ctx, topicStepFailed, workflowID, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func recvErrorEvent(t *testing.T, sub stream.Subscription) map[string]interface{} {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e.Payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error-notifications event")
		return nil
	}
}
