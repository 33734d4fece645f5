package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/stream"
)

// The three consumer-facing topics §4.14/§6 expose over websocket/SSE.
// Everything the orchestrator publishes on the internal canonical
// topics (step-completed, checkpoint-failed, pii-detected, ...) is
// consumed here and re-shaped into exactly one of these three.
const (
	StreamTopicWorkflowStatus  = "workflow-status"
	StreamTopicErrorNotif      = "error-notifications"
	StreamTopicCompletionNotif = "completion-notifications"
)

// StreamManager fans the orchestrator's internal event topics out into
// the three topics §6 documents for external subscribers, and owns the
// lifecycle of each error entry it mints: a later failure or recovery
// for the same workflow+system mutates the existing entry by ErrorID
// rather than minting a new one.
type StreamManager struct {
	streamPort stream.Stream

	mu      sync.Mutex
	errorID map[string]string // workflowId|system -> errorId
}

func NewStreamManager(streamPort stream.Stream) *StreamManager {
	return &StreamManager{streamPort: streamPort, errorID: make(map[string]string)}
}

// Start subscribes to every internal topic StreamManager re-shapes and
// runs until ctx is cancelled. Each topic gets its own goroutine; the
// caller's ctx governs all of them.
func (sm *StreamManager) Start(ctx context.Context) error {
	topics := []struct {
		topic   string
		handler func(context.Context, stream.Event)
	}{
		{topicWorkflowCreated, sm.onWorkflowStatus},
		{topicStepCompleted, sm.onWorkflowStatus},
		{topicStepFailed, sm.onStepFailed},
		{topicCheckpointFailed, sm.onCheckpointFailed},
		{topicPIIDetected, sm.onWorkflowStatus},
		{topicCompletion, sm.onCompletion},
		{topicCertGenerated, sm.onCompletion},
	}
	for _, t := range topics {
		sub, err := sm.streamPort.Subscribe(ctx, t.topic, stream.Filter{})
		if err != nil {
			return fmt.Errorf("engine: subscribe stream manager to %q: %w", t.topic, err)
		}
		handler := t.handler
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-sub.Events():
					if !ok {
						return
					}
					handler(ctx, e)
				}
			}
		}()
	}
	return nil
}

func (sm *StreamManager) onWorkflowStatus(ctx context.Context, e stream.Event) {
	_ = sm.streamPort.Ephemeral(ctx, StreamTopicWorkflowStatus, e.Payload)
}

func (sm *StreamManager) onCompletion(ctx context.Context, e stream.Event) {
	_ = sm.streamPort.Ephemeral(ctx, StreamTopicCompletionNotif, e.Payload)
}

func (sm *StreamManager) onStepFailed(ctx context.Context, e stream.Event) {
	system, _ := e.Payload["system"].(string)
	requiresManual, _ := e.Payload["requiresManualIntervention"].(bool)
	entry := sm.upsertErrorEntry(e.GroupID, system, workflow.ErrorEntry{
		Category: string(engineerrors.TagExternalSystem),
		Severity: severityFor(requiresManual),
		Message:  fmt.Sprintf("deletion step %q failed", system),
		Remediation: workflow.Remediation{
			Actions:            remediationActionsFor(requiresManual),
			Retryable:          !requiresManual,
			EscalationRequired: requiresManual,
		},
		Impact: workflow.Impact{
			AffectedSystems:  []string{system},
			DataAtRisk:       requiresManual,
			ComplianceImpact: complianceImpactFor(requiresManual),
		},
	})
	sm.publishErrorEntry(ctx, entry)
}

func (sm *StreamManager) onCheckpointFailed(ctx context.Context, e stream.Event) {
	entry := sm.upsertErrorEntry(e.GroupID, "checkpoint", workflow.ErrorEntry{
		Category: string(engineerrors.TagWorkflowState),
		Severity: workflow.SeverityCritical,
		Message:  "identity-critical checkpoint failed validation",
		Remediation: workflow.Remediation{
			Actions:            []string{"review required-system deletion evidence", "resume or force-complete via override"},
			Retryable:          false,
			EscalationRequired: true,
		},
		Impact: workflow.Impact{
			AffectedSystems:  []string{"checkpoint"},
			DataAtRisk:       true,
			ComplianceImpact: "workflow halted pending manual review",
		},
	})
	sm.publishErrorEntry(ctx, entry)
}

// ResolveError transitions an already-open error entry for
// workflowID+system to status, leaving every other field untouched. It
// is a no-op if no entry was ever opened for that pair.
func (sm *StreamManager) ResolveError(ctx context.Context, workflowID, system string, status workflow.ResolutionStatus) {
	sm.mu.Lock()
	key := workflowID + "|" + system
	id, ok := sm.errorID[key]
	sm.mu.Unlock()
	if !ok {
		return
	}
	entry := workflow.ErrorEntry{
		ErrorID:    id,
		WorkflowID: workflowID,
		System:     system,
		Status:     status,
		UpdatedAt:  now(),
	}
	sm.publishErrorEntry(ctx, entry)
}

func (sm *StreamManager) upsertErrorEntry(workflowID, system string, partial workflow.ErrorEntry) workflow.ErrorEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := workflowID + "|" + system
	id, ok := sm.errorID[key]
	ts := now()
	if !ok {
		id = uuid.NewString()
		sm.errorID[key] = id
		partial.CreatedAt = ts
	}
	partial.ErrorID = id
	partial.WorkflowID = workflowID
	partial.System = system
	partial.Status = workflow.ResolutionOpen
	partial.UpdatedAt = ts
	return partial
}

func (sm *StreamManager) publishErrorEntry(ctx context.Context, entry workflow.ErrorEntry) {
	payload := map[string]interface{}{
		"errorId":     entry.ErrorID,
		"workflowId":  entry.WorkflowID,
		"system":      entry.System,
		"category":    entry.Category,
		"severity":    string(entry.Severity),
		"message":     entry.Message,
		"remediation": entry.Remediation,
		"impact":      entry.Impact,
		"status":      string(entry.Status),
	}
	_ = sm.streamPort.Ephemeral(ctx, StreamTopicErrorNotif, payload)
}

func severityFor(requiresManual bool) workflow.Severity {
	if requiresManual {
		return workflow.SeverityHigh
	}
	return workflow.SeverityMedium
}

func remediationActionsFor(requiresManual bool) []string {
	if requiresManual {
		return []string{"investigate external system outage", "override RESUME_DELETION or FORCE_COMPLETE once resolved"}
	}
	return []string{"retry policy will re-attempt automatically"}
}

func complianceImpactFor(requiresManual bool) string {
	if requiresManual {
		return "required-system deletion incomplete; statutory deadline at risk"
	}
	return "non-required system deletion delayed; statutory deadline unaffected"
}
