package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/crypto"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func auditKey(workflowID string) string {
	return "audit:" + workflowID
}

// AuditTrail implements the per-workflow append-only hash chain (§4.3).
type AuditTrail struct {
	store state.KVStore
}

func NewAuditTrail(store state.KVStore) *AuditTrail {
	return &AuditTrail{store: store}
}

func (a *AuditTrail) load(ctx context.Context, workflowID string) ([]workflow.AuditEvent, error) {
	raw, err := a.store.Get(ctx, auditKey(workflowID))
	if err == state.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load audit trail %s: %w", workflowID, err)
	}
	var events []workflow.AuditEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("engine: decode audit trail %s: %w", workflowID, err)
	}
	return events, nil
}

// Append extends the chain using the workflow's current tip and
// persists the updated log. Retries on CAS conflict like every other
// shared-key mutation in this package.
func (a *AuditTrail) Append(ctx context.Context, workflowID, eventType string, payload map[string]interface{}) (workflow.AuditEvent, error) {
	for attempt := 0; attempt <= defaultCASRetries; attempt++ {
		raw, getErr := a.store.Get(ctx, auditKey(workflowID))
		var events []workflow.AuditEvent
		if getErr == nil {
			if err := json.Unmarshal(raw, &events); err != nil {
				return workflow.AuditEvent{}, fmt.Errorf("engine: decode audit trail %s: %w", workflowID, err)
			}
		} else if getErr != state.ErrNotFound {
			return workflow.AuditEvent{}, fmt.Errorf("engine: load audit trail %s: %w", workflowID, getErr)
		}

		prevHash := ""
		if len(events) > 0 {
			prevHash = events[len(events)-1].Hash
		}

		ts := now()
		chainInput := workflow.ChainInput{Payload: payload, EventType: eventType, Timestamp: ts.UTC().Format(time.RFC3339Nano)}
		hash, err := crypto.Chain(prevHash, chainInput)
		if err != nil {
			return workflow.AuditEvent{}, fmt.Errorf("engine: chain audit event: %w", err)
		}

		event := workflow.AuditEvent{
			WorkflowID: workflowID,
			EventType:  eventType,
			Timestamp:  ts,
			Payload:    payload,
			PrevHash:   prevHash,
			Hash:       hash,
		}
		nextEvents := append(events, event)

		encoded, err := json.Marshal(nextEvents)
		if err != nil {
			return workflow.AuditEvent{}, fmt.Errorf("engine: encode audit trail %s: %w", workflowID, err)
		}

		var swapped bool
		if getErr == state.ErrNotFound {
			swapped, err = a.store.CompareAndSwap(ctx, auditKey(workflowID), nil, encoded)
		} else {
			swapped, err = a.store.CompareAndSwap(ctx, auditKey(workflowID), raw, encoded)
		}
		if err != nil {
			return workflow.AuditEvent{}, fmt.Errorf("engine: cas audit trail %s: %w", workflowID, err)
		}
		if swapped {
			return event, nil
		}
	}
	return workflow.AuditEvent{}, engineerrors.CASConflict(auditKey(workflowID), defaultCASRetries+1)
}

// Root returns the tip hash, or "" for a workflow with no events yet.
func (a *AuditTrail) Root(ctx context.Context, workflowID string) (string, error) {
	events, err := a.load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].Hash, nil
}

// Verify replays the chain and reports whether every link matches.
func (a *AuditTrail) Verify(ctx context.Context, workflowID string) (bool, error) {
	events, err := a.load(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return true, nil
	}

	hashes := make([]string, len(events))
	payloads := make([]interface{}, len(events))
	for i, e := range events {
		hashes[i] = e.Hash
		payloads[i] = workflow.ChainInput{
			Payload:   e.Payload,
			EventType: e.EventType,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return crypto.VerifyChain(hashes, payloads)
}

// FromState reconstructs and re-verifies the trail on load, returning
// AuditIntegrityError if the chain has been tampered with.
func (a *AuditTrail) FromState(ctx context.Context, workflowID string) ([]workflow.AuditEvent, error) {
	events, err := a.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	ok, err := a.Verify(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engineerrors.AuditIntegrity(workflowID)
	}
	return events, nil
}
