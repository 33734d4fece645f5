package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/domain/ports"
	"github.com/erasure-engine/engine/engine"
	"github.com/erasure-engine/engine/infrastructure/redaction"
	"github.com/erasure-engine/engine/infrastructure/state"
	"github.com/erasure-engine/engine/infrastructure/stream"
)

func newTestHandler(t *testing.T) *handler {
	t.Helper()
	store := state.NewMemoryStore(0)
	sm := engine.NewStateManager(store)
	audit := engine.NewAuditTrail(store)
	jobs := engine.NewJobManager(store)
	certs, err := engine.NewCertificateGenerator(store, audit, redaction.NewRedactor(redaction.DefaultConfig()), []byte("test-root-secret-0123"))
	if err != nil {
		t.Fatalf("NewCertificateGenerator: %v", err)
	}
	bus := engine.NewEventBus(engine.EventBusConfig{QueueSize: 16, WorkerCount: 1})
	dispatcher := engine.NewStepDispatcher(bus, store)
	locks := engine.NewLockService(store)

	p := policy.Policy{
		Jurisdiction:           policy.JurisdictionEU,
		MaxRetryAttempts:       1,
		InitialRetryDelay:      time.Millisecond,
		RetryBackoffMultiplier: 2,
		ZombieCheckInterval:    24 * time.Hour,
		AutoDeleteThreshold:    0.8,
		ManualReviewThreshold:  0.5,
		PolicyVersion:          "test-1",
		ExternalSystemTimeout:  time.Second,
	}

	orch := engine.NewOrchestrator(engine.OrchestratorDeps{
		Policy:     p,
		State:      sm,
		Audit:      audit,
		Jobs:       jobs,
		Certs:      certs,
		Dispatcher: dispatcher,
		Bus:        bus,
		Stream:     stream.NewMemoryStream(),
		Systems:    map[string]ports.ExternalSystem{},
		Analyzer:   nil,
	})

	zombies := engine.NewZombieScheduler(p, sm, audit, orch, nil)

	return newHandler(orch, sm, audit, jobs, certs, zombies, locks, p, newAuditLog(10, nil))
}

func adminCtx(r *http.Request) *http.Request {
	ctx := context.WithValue(r.Context(), ctxUserKey, "tester")
	ctx = context.WithValue(ctx, ctxRoleKey, string(RoleSystemAdmin))
	return r.WithContext(ctx)
}

func TestHandler_CreateErasureRequest_Dedupe(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.routes(mux)

	body := []byte(`{"requestId":"req-1","userId":"user-1","emails":["a@example.com"]}`)

	req1 := adminCtx(httptest.NewRequest(http.MethodPost, "/erasure-request", bytes.NewReader(body)))
	rr1 := httptest.NewRecorder()
	mux.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusCreated {
		t.Fatalf("first request: status = %d, body = %s", rr1.Code, rr1.Body.String())
	}

	req2 := adminCtx(httptest.NewRequest(http.MethodPost, "/erasure-request", bytes.NewReader(body)))
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusConflict {
		t.Fatalf("dedupe replay: status = %d, want 409, body = %s", rr2.Code, rr2.Body.String())
	}

	var created struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := json.Unmarshal(rr1.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	var dup struct {
		Error              string `json:"error"`
		ExistingWorkflowID string `json:"existingWorkflowId"`
	}
	if err := json.Unmarshal(rr2.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if dup.ExistingWorkflowID != created.WorkflowID {
		t.Fatalf("expected dedupe replay to point at the same workflow, got %s vs %s", dup.ExistingWorkflowID, created.WorkflowID)
	}
	if dup.Error == "" {
		t.Fatal("expected a non-empty error message on dedupe conflict")
	}
}

func TestHandler_CreateErasureRequest_MissingUserID(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.routes(mux)

	body := []byte(`{"requestId":"req-1"}`)
	req := adminCtx(httptest.NewRequest(http.MethodPost, "/erasure-request", bytes.NewReader(body)))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandler_GetStatus_NotFound(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.routes(mux)

	req := adminCtx(httptest.NewRequest(http.MethodGet, "/erasure-request/does-not-exist/status", nil))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code == http.StatusOK {
		t.Fatalf("expected lookup of a nonexistent workflow to fail, got 200")
	}
}

func TestHandler_RequireRole_Forbidden(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/admin/zombie-sweep", nil)
	ctx := context.WithValue(req.Context(), ctxRoleKey, string(RoleAuditor))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req.WithContext(ctx))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
