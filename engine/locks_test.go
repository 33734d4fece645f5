package engine

import (
	"context"
	"testing"

	"github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func TestLockService_AcquireAndRelease(t *testing.T) {
	l := NewLockService(state.NewMemoryStore(0))
	ctx := context.Background()

	if err := l.AcquireUserLock(ctx, "user-1", "wf-1", "req-1"); err != nil {
		t.Fatalf("AcquireUserLock: %v", err)
	}

	if err := l.ReleaseUserLock(ctx, "user-1"); err != nil {
		t.Fatalf("ReleaseUserLock: %v", err)
	}

	if err := l.AcquireUserLock(ctx, "user-1", "wf-2", "req-2"); err != nil {
		t.Fatalf("expected reacquire to succeed after release, got %v", err)
	}
}

func TestLockService_AcquireConflict(t *testing.T) {
	l := NewLockService(state.NewMemoryStore(0))
	ctx := context.Background()

	if err := l.AcquireUserLock(ctx, "user-1", "wf-1", "req-1"); err != nil {
		t.Fatalf("AcquireUserLock: %v", err)
	}

	err := l.AcquireUserLock(ctx, "user-1", "wf-2", "req-2")
	if !errors.HasTag(err, errors.TagWorkflowLock) {
		t.Fatalf("expected workflow-lock error, got %v", err)
	}
}

func TestLockService_DedupeRequest(t *testing.T) {
	l := NewLockService(state.NewMemoryStore(0))
	ctx := context.Background()
	body := []byte(`{"userId":"user-1"}`)

	entry, found, err := l.DedupeRequest(ctx, body, "req-1", "wf-1")
	if err != nil {
		t.Fatalf("DedupeRequest: %v", err)
	}
	if found {
		t.Fatal("expected first call to not be a dedupe hit")
	}
	if entry.WorkflowID != "wf-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	second, found, err := l.DedupeRequest(ctx, body, "req-2", "wf-2")
	if err != nil {
		t.Fatalf("DedupeRequest: %v", err)
	}
	if !found {
		t.Fatal("expected second call with same body to be a dedupe hit")
	}
	if second.WorkflowID != "wf-1" {
		t.Fatalf("expected existing workflowId wf-1, got %s", second.WorkflowID)
	}
}
