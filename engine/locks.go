package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/erasure-engine/engine/domain/workflow"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func userLockKey(userID string) string {
	return "user_lock:" + userID
}

func requestHashKey(canonicalBody []byte) string {
	return "request_hash:" + base64.StdEncoding.EncodeToString(canonicalBody)
}

// LockService implements LockService & Deduper (§4.11): per-user
// workflow locks and request-body deduplication, both via the
// KVStore's insert-only compare-and-swap.
type LockService struct {
	store state.KVStore
}

func NewLockService(store state.KVStore) *LockService {
	return &LockService{store: store}
}

// AcquireUserLock CAS-inserts user_lock:{userId}. On contention it
// reads the conflicting lock back so the caller can surface the
// existing workflowId in a 409 response.
func (l *LockService) AcquireUserLock(ctx context.Context, userID, workflowID, requestID string) error {
	lock := workflow.UserLock{WorkflowID: workflowID, RequestID: requestID, LockedAt: now()}
	encoded, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("engine: encode user lock: %w", err)
	}

	key := userLockKey(userID)
	ok, err := l.store.CompareAndSwap(ctx, key, nil, encoded)
	if err != nil {
		return fmt.Errorf("engine: acquire user lock %s: %w", userID, err)
	}
	if ok {
		if err := l.store.Set(ctx, key, encoded, workflow.LockTTL); err != nil {
			return fmt.Errorf("engine: set user lock ttl %s: %w", userID, err)
		}
		return nil
	}

	existingRaw, err := l.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("engine: read conflicting user lock %s: %w", userID, err)
	}
	var existing workflow.UserLock
	if err := json.Unmarshal(existingRaw, &existing); err != nil {
		return fmt.Errorf("engine: decode conflicting user lock %s: %w", userID, err)
	}
	return engineerrors.WorkflowLocked(userID, existing.WorkflowID)
}

// ReleaseUserLock removes the lock. The HTTP handler calls it when
// workflow creation fails; otherwise the lock expires through the
// store's own TTL (workflow.LockTTL).
func (l *LockService) ReleaseUserLock(ctx context.Context, userID string) error {
	if err := l.store.Delete(ctx, userLockKey(userID)); err != nil {
		return fmt.Errorf("engine: release user lock %s: %w", userID, err)
	}
	return nil
}

// DedupeRequest CAS-inserts request_hash:{base64(body)}. On hit it
// returns the existing (requestId, workflowId) pair and found=true so
// the caller can replay the original response instead of starting a
// new workflow.
func (l *LockService) DedupeRequest(ctx context.Context, canonicalBody []byte, requestID, workflowID string) (workflow.RequestHashEntry, bool, error) {
	entry := workflow.RequestHashEntry{RequestID: requestID, WorkflowID: workflowID, CreatedAt: now()}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return workflow.RequestHashEntry{}, false, fmt.Errorf("engine: encode request hash entry: %w", err)
	}

	key := requestHashKey(canonicalBody)
	ok, err := l.store.CompareAndSwap(ctx, key, nil, encoded)
	if err != nil {
		return workflow.RequestHashEntry{}, false, fmt.Errorf("engine: dedupe request: %w", err)
	}
	if ok {
		if err := l.store.Set(ctx, key, encoded, workflow.LockTTL); err != nil {
			return workflow.RequestHashEntry{}, false, fmt.Errorf("engine: set request hash ttl: %w", err)
		}
		return entry, false, nil
	}

	existingRaw, err := l.store.Get(ctx, key)
	if err != nil {
		return workflow.RequestHashEntry{}, false, fmt.Errorf("engine: read existing request hash: %w", err)
	}
	var existing workflow.RequestHashEntry
	if err := json.Unmarshal(existingRaw, &existing); err != nil {
		return workflow.RequestHashEntry{}, false, fmt.Errorf("engine: decode existing request hash: %w", err)
	}
	return existing, true, nil
}
