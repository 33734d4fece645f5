package workflow

import "time"

// AuditEvent is one entry of the per-workflow hash chain. Hash is
// computed by infrastructure/crypto.Chain over prevHash and the
// canonicalized {payload, eventType, timestamp} tuple.
type AuditEvent struct {
	WorkflowID string                 `json:"workflowId"`
	EventType  string                 `json:"eventType"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload"`
	PrevHash   string                 `json:"prevHash"`
	Hash       string                 `json:"hash"`
}

// ChainInput is the struct CryptoUtils.Chain hashes for an event; it is
// distinct from the persisted AuditEvent so that PrevHash/Hash themselves
// never enter the canonicalized payload they help produce.
type ChainInput struct {
	Payload   map[string]interface{} `json:"payload"`
	EventType string                 `json:"eventType"`
	Timestamp string                 `json:"timestamp"`
}
