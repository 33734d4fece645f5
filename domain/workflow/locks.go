package workflow

import "time"

// LockTTL is the expiry window for both per-user locks and request-hash
// dedupe entries.
const LockTTL = 24 * time.Hour

// UserLock is the value stored under user_lock:{userId}.
type UserLock struct {
	WorkflowID string    `json:"workflowId"`
	RequestID  string    `json:"requestId"`
	LockedAt   time.Time `json:"lockedAt"`
}

// RequestHashEntry is the value stored under request_hash:{base64(...)}.
type RequestHashEntry struct {
	RequestID  string    `json:"requestId"`
	WorkflowID string    `json:"workflowId"`
	CreatedAt  time.Time `json:"createdAt"`
}
