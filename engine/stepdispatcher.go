package engine

import (
	"context"
	"encoding/json"
	"fmt"

	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func attemptKey(workflowID, stepName string) string {
	return "dispatch_attempt:" + workflowID + ":" + stepName
}

// StepDispatcher wraps an EventBus with the idempotency guarantee
// required of every topic in §4.8: a handler never runs for an attempt
// at or before the workflow/step's last recorded successful attempt.
type StepDispatcher struct {
	bus   *EventBus
	store state.KVStore
}

func NewStepDispatcher(bus *EventBus, store state.KVStore) *StepDispatcher {
	return &StepDispatcher{bus: bus, store: store}
}

func (d *StepDispatcher) lastSuccessfulAttempt(ctx context.Context, workflowID, stepName string) (int, error) {
	raw, err := d.store.Get(ctx, attemptKey(workflowID, stepName))
	if err == state.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: load last attempt %s/%s: %w", workflowID, stepName, err)
	}
	var last int
	if err := json.Unmarshal(raw, &last); err != nil {
		return 0, fmt.Errorf("engine: decode last attempt %s/%s: %w", workflowID, stepName, err)
	}
	return last, nil
}

// Dispatch publishes event for async delivery, rejecting it outright if
// event.Attempt is not strictly greater than the last recorded
// successful attempt for (workflowId, stepName).
func (d *StepDispatcher) Dispatch(ctx context.Context, event StepEvent) error {
	last, err := d.lastSuccessfulAttempt(ctx, event.WorkflowID, event.StepName)
	if err != nil {
		return err
	}
	if event.Attempt <= last {
		return engineerrors.New(engineerrors.TagWorkflowState, "STATE_005",
			fmt.Sprintf("attempt %d is not newer than the last recorded successful attempt %d", event.Attempt, last), 409)
	}
	return d.bus.Publish(event.Topic, event)
}

// MarkSucceeded records attempt as the new high-water mark for
// (workflowId, stepName), so any redelivery at or below it is rejected
// by a subsequent Dispatch. Uses CAS retry since concurrent handlers for
// different steps never race on this key, but redelivered duplicates of
// the same step might.
func (d *StepDispatcher) MarkSucceeded(ctx context.Context, workflowID, stepName string, attempt int) error {
	key := attemptKey(workflowID, stepName)
	for i := 0; i <= defaultCASRetries; i++ {
		raw, getErr := d.store.Get(ctx, key)
		var current int
		if getErr == nil {
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("engine: decode last attempt %s/%s: %w", workflowID, stepName, err)
			}
		} else if getErr != state.ErrNotFound {
			return fmt.Errorf("engine: load last attempt %s/%s: %w", workflowID, stepName, getErr)
		}
		if attempt <= current {
			return nil
		}
		encoded, err := json.Marshal(attempt)
		if err != nil {
			return fmt.Errorf("engine: encode last attempt %s/%s: %w", workflowID, stepName, err)
		}
		var swapped bool
		if getErr == state.ErrNotFound {
			swapped, err = d.store.CompareAndSwap(ctx, key, nil, encoded)
		} else {
			swapped, err = d.store.CompareAndSwap(ctx, key, raw, encoded)
		}
		if err != nil {
			return fmt.Errorf("engine: cas last attempt %s/%s: %w", workflowID, stepName, err)
		}
		if swapped {
			return nil
		}
	}
	return engineerrors.CASConflict(key, defaultCASRetries+1)
}
