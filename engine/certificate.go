package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erasure-engine/engine/domain/identifiers"
	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/crypto"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
	"github.com/erasure-engine/engine/infrastructure/redaction"
	"github.com/erasure-engine/engine/infrastructure/state"
)

func certificateKey(certificateID string) string {
	return "certificate:" + certificateID
}

const signingKeyPurpose = "certificate-of-destruction"

// CertificateGenerator implements CertificateGenerator (§4.12): it
// verifies the audit trail, builds the redacted receipt set, and signs
// the result.
type CertificateGenerator struct {
	store      state.KVStore
	audit      *AuditTrail
	redactor   *redaction.Redactor
	signingKey []byte
}

func NewCertificateGenerator(store state.KVStore, audit *AuditTrail, redactor *redaction.Redactor, rootSecret []byte) (*CertificateGenerator, error) {
	key, err := crypto.DeriveSigningKey(rootSecret, signingKeyPurpose)
	if err != nil {
		return nil, fmt.Errorf("engine: derive certificate signing key: %w", err)
	}
	return &CertificateGenerator{store: store, audit: audit, redactor: redactor, signingKey: key}, nil
}

// Issue verifies s's audit trail, builds receipts from its terminal
// steps, redacts identifiers, signs the result, and persists it under
// certificate:{id}. The caller is responsible for writing the returned
// certificate's id back onto WorkflowState via StateManager.Mutate.
func (g *CertificateGenerator) Issue(ctx context.Context, s workflow.State) (workflow.Certificate, error) {
	ok, err := g.audit.Verify(ctx, s.WorkflowID)
	if err != nil {
		return workflow.Certificate{}, err
	}
	if !ok {
		return workflow.Certificate{}, engineerrors.AuditIntegrity(s.WorkflowID)
	}

	id, err := crypto.CertificateID()
	if err != nil {
		return workflow.Certificate{}, engineerrors.CertificateSigningFailed(err)
	}

	root, err := g.audit.Root(ctx, s.WorkflowID)
	if err != nil {
		return workflow.Certificate{}, err
	}

	cert := workflow.Certificate{
		CertificateID:           id,
		WorkflowID:              s.WorkflowID,
		PolicyVersion:           s.PolicyVersion,
		Status:                  s.Status,
		RedactedUserIdentifiers: g.redactIdentifiers(s.UserIdentifiers),
		SystemReceipts:          buildReceipts(s),
		DataLineageSnapshot:     s.DataLineageSnapshot,
		AuditHashRoot:           root,
		IssuedAt:                now(),
	}

	sig, err := crypto.Sign(cert.AsMap(), g.signingKey)
	if err != nil {
		return workflow.Certificate{}, engineerrors.CertificateSigningFailed(err)
	}
	cert.Signature = sig

	encoded, err := json.Marshal(cert)
	if err != nil {
		return workflow.Certificate{}, fmt.Errorf("engine: encode certificate %s: %w", id, err)
	}
	if err := g.store.Set(ctx, certificateKey(id), encoded, 0); err != nil {
		return workflow.Certificate{}, fmt.Errorf("engine: persist certificate %s: %w", id, err)
	}
	return cert, nil
}

func (g *CertificateGenerator) redactIdentifiers(u identifiers.UserIdentifiers) workflow.RedactedIdentifiers {
	emails := make([]string, len(u.Emails))
	for i, e := range u.Emails {
		emails[i] = g.redactor.Email(e)
	}
	phones := make([]string, len(u.Phones))
	for i, p := range u.Phones {
		phones[i] = g.redactor.Phone(p)
	}
	aliases := make([]string, len(u.Aliases))
	for i, a := range u.Aliases {
		aliases[i] = g.redactor.Alias(a)
	}
	return workflow.RedactedIdentifiers{
		UserID:  g.redactor.UserID(u.UserID),
		Emails:  emails,
		Phones:  phones,
		Aliases: aliases,
	}
}

func buildReceipts(s workflow.State) []workflow.SystemReceipt {
	receipts := make([]workflow.SystemReceipt, 0, len(s.Steps))
	for system, step := range s.Steps {
		receipts = append(receipts, workflow.SystemReceipt{
			System:    system,
			Status:    step.Status,
			Receipt:   step.Evidence.Receipt,
			Timestamp: step.Evidence.Timestamp,
		})
	}
	sortReceipts(receipts)
	return receipts
}

func sortReceipts(receipts []workflow.SystemReceipt) {
	for i := 1; i < len(receipts); i++ {
		for j := i; j > 0 && receipts[j].System < receipts[j-1].System; j-- {
			receipts[j], receipts[j-1] = receipts[j-1], receipts[j]
		}
	}
}

// Get loads a previously issued certificate.
func (g *CertificateGenerator) Get(ctx context.Context, certificateID string) (workflow.Certificate, error) {
	raw, err := g.store.Get(ctx, certificateKey(certificateID))
	if err == state.ErrNotFound {
		return workflow.Certificate{}, engineerrors.New(engineerrors.TagCertificate, "CERT_003", "certificate not found", 404)
	}
	if err != nil {
		return workflow.Certificate{}, fmt.Errorf("engine: load certificate %s: %w", certificateID, err)
	}
	var cert workflow.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return workflow.Certificate{}, fmt.Errorf("engine: decode certificate %s: %w", certificateID, err)
	}
	return cert, nil
}

// VerifyCertificate recomputes the signature over cert's canonical form
// (with its stored signature ignored) and reports whether it matches;
// any field mutation invalidates.
func (g *CertificateGenerator) VerifyCertificate(cert workflow.Certificate) (bool, error) {
	return crypto.Verify(cert.AsMap(), g.signingKey, cert.Signature)
}
