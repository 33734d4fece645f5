// Package engine holds the Engine's orchestration services: the
// components of §4 that sit above the domain model and the KVStore/
// Stream ports, and drive the erasure-request saga end to end.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erasure-engine/engine/domain/workflow"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/state"
)

const defaultCASRetries = 5

const workflowKeyPrefix = "workflow:"

func workflowKey(workflowID string) string {
	return workflowKeyPrefix + workflowID
}

// StateManager reads and writes WorkflowState through a KVStore,
// serialising every mutation with compare-and-swap on State.Version.
type StateManager struct {
	store      state.KVStore
	casRetries int
}

// NewStateManager wraps store with the default CAS retry budget.
func NewStateManager(store state.KVStore) *StateManager {
	return &StateManager{store: store, casRetries: defaultCASRetries}
}

// Get loads the workflow by id.
func (m *StateManager) Get(ctx context.Context, workflowID string) (workflow.State, error) {
	raw, err := m.store.Get(ctx, workflowKey(workflowID))
	if err != nil {
		if err == state.ErrNotFound {
			return workflow.State{}, engineerrors.WorkflowNotFound(workflowID)
		}
		return workflow.State{}, fmt.Errorf("engine: get workflow %s: %w", workflowID, err)
	}
	var s workflow.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return workflow.State{}, fmt.Errorf("engine: decode workflow %s: %w", workflowID, err)
	}
	return s, nil
}

// Create persists a brand-new workflow record; it fails if the id is
// already taken.
func (m *StateManager) Create(ctx context.Context, s workflow.State) error {
	s.Version = 1
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("engine: encode workflow %s: %w", s.WorkflowID, err)
	}
	ok, err := m.store.CompareAndSwap(ctx, workflowKey(s.WorkflowID), nil, encoded)
	if err != nil {
		return fmt.Errorf("engine: create workflow %s: %w", s.WorkflowID, err)
	}
	if !ok {
		return fmt.Errorf("engine: workflow %s already exists", s.WorkflowID)
	}
	return nil
}

// ListWorkflowIDs returns every workflow id currently in the store, by
// scanning the workflow: key prefix. Used by ZombieScheduler (§4.13),
// which has no other way to enumerate completed sagas to re-check.
func (m *StateManager) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	keys, err := m.store.ScanPrefix(ctx, workflowKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("engine: scan workflows: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, workflowKeyPrefix))
	}
	return ids, nil
}

// MutateFunc applies a change to a workflow; it returns an error to
// abort the mutation without retrying (e.g. a validation failure is
// not a CAS conflict and must not be retried against a fresher read).
type MutateFunc func(s *workflow.State) error

// Mutate performs a read-modify-write cycle against the workflow
// record. On a CAS conflict it rereads the latest value and retries
// fn from scratch, up to the configured retry budget. fn must not
// assume it runs exactly once.
func (m *StateManager) Mutate(ctx context.Context, workflowID string, fn MutateFunc) (workflow.State, error) {
	for attempt := 0; attempt <= m.casRetries; attempt++ {
		raw, err := m.store.Get(ctx, workflowKey(workflowID))
		if err != nil {
			if err == state.ErrNotFound {
				return workflow.State{}, engineerrors.WorkflowNotFound(workflowID)
			}
			return workflow.State{}, fmt.Errorf("engine: get workflow %s: %w", workflowID, err)
		}

		var current workflow.State
		if err := json.Unmarshal(raw, &current); err != nil {
			return workflow.State{}, fmt.Errorf("engine: decode workflow %s: %w", workflowID, err)
		}

		next := current
		if err := fn(&next); err != nil {
			return workflow.State{}, err
		}
		if err := validateTransition(current, next); err != nil {
			return workflow.State{}, err
		}

		next.Version = current.Version + 1
		next.LastUpdated = now()

		encoded, err := json.Marshal(next)
		if err != nil {
			return workflow.State{}, fmt.Errorf("engine: encode workflow %s: %w", workflowID, err)
		}

		swapped, err := m.store.CompareAndSwap(ctx, workflowKey(workflowID), raw, encoded)
		if err != nil {
			return workflow.State{}, fmt.Errorf("engine: cas workflow %s: %w", workflowID, err)
		}
		if swapped {
			return next, nil
		}
	}
	return workflow.State{}, engineerrors.CASConflict(workflowKey(workflowID), m.casRetries+1)
}

// validateTransition rejects mutations that would regress a
// BackgroundJob's progress or flip a DELETED step back to a
// non-terminal status, per §4.7's guarantees.
func validateTransition(prev, next workflow.State) error {
	for sys, prevStep := range prev.Steps {
		if prevStep.Status != workflow.StepDeleted {
			continue
		}
		nextStep, ok := next.Steps[sys]
		if !ok {
			return engineerrors.InvalidStateTransition(sys, string(workflow.StepDeleted), "absent")
		}
		if nextStep.Status != workflow.StepDeleted {
			return engineerrors.InvalidStateTransition(sys, string(workflow.StepDeleted), string(nextStep.Status))
		}
	}
	for jobID, prevJob := range prev.BackgroundJobs {
		nextJob, ok := next.BackgroundJobs[jobID]
		if !ok {
			continue
		}
		if nextJob.Progress < prevJob.Progress {
			return engineerrors.InvalidStateTransition(
				fmt.Sprintf("backgroundJob:%s.progress", jobID),
				fmt.Sprintf("%d", prevJob.Progress),
				fmt.Sprintf("%d", nextJob.Progress))
		}
	}
	return nil
}

var nowFunc = time.Now

func now() time.Time { return nowFunc() }
