package engine

import (
	"context"
	"testing"
	"time"

	"github.com/erasure-engine/engine/domain/identifiers"
	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/redaction"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func newTestCertGenerator(t *testing.T, store state.KVStore, audit *AuditTrail) *CertificateGenerator {
	t.Helper()
	g, err := NewCertificateGenerator(store, audit, redaction.NewRedactor(redaction.DefaultConfig()), []byte("test-root-secret"))
	if err != nil {
		t.Fatalf("NewCertificateGenerator: %v", err)
	}
	return g
}

func testIdentifiers(t *testing.T) identifiers.UserIdentifiers {
	t.Helper()
	ids, err := identifiers.New("user-123", []string{"a@example.com"}, []string{"+15551234567"}, []string{"alias1"})
	if err != nil {
		t.Fatalf("identifiers.New: %v", err)
	}
	return ids
}

func TestCertificateGenerator_Issue(t *testing.T) {
	store := state.NewMemoryStore(0)
	audit := NewAuditTrail(store)
	ctx := context.Background()

	if _, err := audit.Append(ctx, "wf-1", "workflow-created", map[string]interface{}{"userId": "user-123"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s := workflow.State{
		WorkflowID:      "wf-1",
		PolicyVersion:   "2026.1",
		Status:          workflow.StatusCompleted,
		UserIdentifiers: testIdentifiers(t),
		Steps: map[string]workflow.StepState{
			"payments": {Status: workflow.StepDeleted, Evidence: workflow.Evidence{Receipt: "r-1", Timestamp: time.Now()}},
		},
	}

	g := newTestCertGenerator(t, store, audit)
	cert, err := g.Issue(ctx, s)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cert.Signature == "" {
		t.Fatal("expected a non-empty signature")
	}
	if cert.RedactedUserIdentifiers.UserID == s.UserIdentifiers.UserID {
		t.Fatal("expected userId to be redacted")
	}

	ok, err := g.VerifyCertificate(cert)
	if err != nil {
		t.Fatalf("VerifyCertificate: %v", err)
	}
	if !ok {
		t.Fatal("expected freshly issued certificate to verify")
	}

	loaded, err := g.Get(ctx, cert.CertificateID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.CertificateID != cert.CertificateID {
		t.Fatalf("expected loaded certificate to match issued one")
	}
}

func TestCertificateGenerator_Issue_RejectsBrokenAuditTrail(t *testing.T) {
	store := state.NewMemoryStore(0)
	audit := NewAuditTrail(store)
	ctx := context.Background()

	if _, err := audit.Append(ctx, "wf-2", "workflow-created", map[string]interface{}{"userId": "user-123"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	raw, err := store.Get(ctx, "audit:wf-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	tampered := append([]byte(nil), raw...)
	for i := range tampered {
		if tampered[i] == '1' {
			tampered[i] = '9'
			break
		}
	}
	if err := store.Set(ctx, "audit:wf-2", tampered, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	g := newTestCertGenerator(t, store, audit)
	_, err = g.Issue(ctx, workflow.State{WorkflowID: "wf-2", UserIdentifiers: testIdentifiers(t)})
	if !errors.HasTag(err, errors.TagAuditIntegrity) {
		t.Fatalf("expected audit-integrity error, got %v", err)
	}
}

func TestCertificateGenerator_VerifyCertificate_DetectsMutation(t *testing.T) {
	store := state.NewMemoryStore(0)
	audit := NewAuditTrail(store)
	ctx := context.Background()

	if _, err := audit.Append(ctx, "wf-3", "workflow-created", map[string]interface{}{"userId": "user-123"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	g := newTestCertGenerator(t, store, audit)
	cert, err := g.Issue(ctx, workflow.State{WorkflowID: "wf-3", UserIdentifiers: testIdentifiers(t)})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cert.PolicyVersion = "tampered"
	ok, err := g.VerifyCertificate(cert)
	if err != nil {
		t.Fatalf("VerifyCertificate: %v", err)
	}
	if ok {
		t.Fatal("expected a mutated certificate to fail verification")
	}
}
