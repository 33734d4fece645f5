// Package ports holds the contracts the Engine drives but does not
// implement: the concrete SaaS connectors and the LLM-backed scanner
// live outside this module's scope (§1 non-goals).
package ports

import (
	"context"

	"github.com/erasure-engine/engine/domain/identifiers"
)

// DeleteResult is ExternalSystem.Delete's response (§4.4).
type DeleteResult struct {
	Success     bool
	Receipt     string
	RawResponse string
	Err         error

	// ResidualDataFound is set by a re-invoked Delete call (ZombieScheduler,
	// §4.13) when the system reports data still present despite an earlier
	// successful deletion. A fresh system, never re-scanned, leaves this
	// false.
	ResidualDataFound bool
}

// ExternalSystem is the uniform contract every connector (Stripe,
// Postgres, HubSpot, Intercom, SendGrid, MinIO, a warehouse driver, ...)
// implements. Delete must be idempotent: a second call with the same
// identifiers after a successful first call returns Success=true,
// optionally with Receipt="already-deleted". Implementations must not
// mutate identifiers and must honor ctx's deadline, which the orchestrator
// sets to policy.externalSystemTimeout.
type ExternalSystem interface {
	// Name identifies the system for step keys, receipts, and policy's
	// requiredSystems/parallelSystems lists.
	Name() string
	Delete(ctx context.Context, ids identifiers.UserIdentifiers) (DeleteResult, error)
}
