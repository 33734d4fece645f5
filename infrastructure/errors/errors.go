// Package errors provides the structured error taxonomy used across the
// Engine: tags, not exception types, carrying an HTTP status and a
// serialisable metadata map.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Tag identifies the category of a structured error.
type Tag string

const (
	TagValidation     Tag = "VALIDATION"
	TagAuth           Tag = "AUTH"
	TagWorkflowLock   Tag = "WORKFLOW_LOCK"
	TagWorkflowState  Tag = "WORKFLOW_STATE"
	TagExternalSystem Tag = "EXTERNAL_SYSTEM"
	TagBackgroundJob  Tag = "BACKGROUND_JOB"
	TagPIIAgent       Tag = "PII_AGENT"
	TagAuditIntegrity Tag = "AUDIT_INTEGRITY"
	TagCertificate    Tag = "CERTIFICATE"
	TagPolicyConfig   Tag = "POLICY_CONFIG"
	TagLegalHold      Tag = "LEGAL_HOLD"
)

// EngineError is a tagged, structured error. Equality checks on the tag
// replace duck-typed substring matching.
type EngineError struct {
	Tag        Tag                    `json:"tag"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Tag, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Tag, e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// With merges a key/value into the error's metadata, returning the same
// error for chaining.
func (e *EngineError) With(key string, value interface{}) *EngineError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HasTag reports whether err (or any error it wraps) carries the tag.
func HasTag(err error, tag Tag) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Tag == tag
	}
	return false
}

// New constructs a tagged error.
func New(tag Tag, code, message string, httpStatus int) *EngineError {
	return &EngineError{
		Tag:        tag,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Timestamp:  time.Now().UTC(),
	}
}

// Wrap constructs a tagged error around a cause.
func Wrap(tag Tag, code, message string, httpStatus int, err error) *EngineError {
	ee := New(tag, code, message, httpStatus)
	ee.Err = err
	return ee
}

// Validation errors (4xx, not retried)

func Validation(field, reason string) *EngineError {
	return New(TagValidation, "VAL_001", "invalid request", http.StatusBadRequest).
		With("field", field).With("reason", reason)
}

// Auth errors

func Unauthorized(message string) *EngineError {
	return New(TagAuth, "AUTH_001", message, http.StatusUnauthorized)
}

func Forbidden(role string) *EngineError {
	return New(TagAuth, "AUTH_002", "role not permitted for this operation", http.StatusForbidden).
		With("role", role)
}

// WorkflowLock errors — lock/dedupe contention, surfaced as 409.

func WorkflowLocked(userID, existingWorkflowID string) *EngineError {
	return New(TagWorkflowLock, "LOCK_001", "user already has an in-progress erasure workflow", http.StatusConflict).
		With("userId", userID).With("existingWorkflowId", existingWorkflowID)
}

func RequestDeduped(requestID, workflowID string) *EngineError {
	return New(TagWorkflowLock, "LOCK_002", "duplicate request", http.StatusConflict).
		With("requestId", requestID).With("workflowId", workflowID)
}

// WorkflowState errors — CAS conflicts, invariant violations, sequencing.

func CASConflict(key string, attempts int) *EngineError {
	return New(TagWorkflowState, "STATE_001", "compare-and-swap exhausted retries", http.StatusConflict).
		With("key", key).With("attempts", attempts)
}

func SequentialOrderViolation(blocking, attempted string) *EngineError {
	return New(TagWorkflowState, "STATE_002",
		fmt.Sprintf("cannot proceed: %s not completed", blocking), http.StatusConflict).
		With("blockingStep", blocking).With("attemptedStep", attempted)
}

func InvalidStateTransition(step, from, to string) *EngineError {
	return New(TagWorkflowState, "STATE_003", "invalid step state transition", http.StatusConflict).
		With("step", step).With("from", from).With("to", to)
}

func WorkflowNotFound(workflowID string) *EngineError {
	return New(TagWorkflowState, "STATE_004", "workflow not found", http.StatusNotFound).
		With("workflowId", workflowID)
}

// ExternalSystem errors

func ExternalSystemFailed(system string, err error) *EngineError {
	return Wrap(TagExternalSystem, "EXT_001", "external system delete failed", http.StatusBadGateway, err).
		With("system", system)
}

func ExternalSystemTimeout(system string) *EngineError {
	return New(TagExternalSystem, "EXT_002", "external system call timed out", http.StatusGatewayTimeout).
		With("system", system)
}

// BackgroundJob errors

func BackgroundJobFailed(jobID string, err error) *EngineError {
	return Wrap(TagBackgroundJob, "JOB_001", "background job failed", http.StatusInternalServerError, err).
		With("jobId", jobID)
}

func BackgroundJobInvalidTransition(jobID, from, to string) *EngineError {
	return New(TagBackgroundJob, "JOB_002", "invalid job state transition", http.StatusConflict).
		With("jobId", jobID).With("from", from).With("to", to)
}

// PIIAgent errors

func PIIAgentFailed(system string, err error) *EngineError {
	return Wrap(TagPIIAgent, "PII_001", "content analyzer call failed", http.StatusBadGateway, err).
		With("system", system)
}

func PIIAgentMalformedResponse(system, reason string) *EngineError {
	return New(TagPIIAgent, "PII_002", "content analyzer returned a malformed response", http.StatusBadGateway).
		With("system", system).With("reason", reason)
}

// AuditIntegrity errors — fatal to certificate issuance only.

func AuditIntegrity(workflowID string) *EngineError {
	return New(TagAuditIntegrity, "AUDIT_001", "audit hash chain failed verification", http.StatusConflict).
		With("workflowId", workflowID)
}

// Certificate errors

func CertificateNotReady(status string) *EngineError {
	return New(TagCertificate, "CERT_001", "workflow is not in a certificate-eligible state", http.StatusConflict).
		With("status", status)
}

func CertificateSigningFailed(err error) *EngineError {
	return Wrap(TagCertificate, "CERT_002", "certificate signing failed", http.StatusInternalServerError, err)
}

// PolicyConfig errors

func PolicyInvalid(reason string) *EngineError {
	return New(TagPolicyConfig, "POLICY_001", reason, http.StatusInternalServerError)
}

// LegalHold errors

func LegalHoldActive(system, reason string) *EngineError {
	return New(TagLegalHold, "HOLD_001", "system is under legal hold", http.StatusConflict).
		With("system", system).With("reason", reason)
}

// HTTPStatus extracts the status to write for any error, defaulting to
// 500 when it is not a tagged EngineError.
func HTTPStatus(err error) int {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.HTTPStatus
	}
	return http.StatusInternalServerError
}
