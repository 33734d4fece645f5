package workflow

import "time"

// SystemReceipt is one row of a certificate's deletion evidence.
type SystemReceipt struct {
	System    string    `json:"system"`
	Status    StepStatus `json:"status"`
	Receipt   string    `json:"receipt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Certificate is the signed Certificate of Destruction (§3).
type Certificate struct {
	CertificateID           string              `json:"certificateId"`
	WorkflowID              string              `json:"workflowId"`
	PolicyVersion           string              `json:"policyVersion"`
	Status                  Status              `json:"status"`
	RedactedUserIdentifiers RedactedIdentifiers `json:"redactedUserIdentifiers"`
	SystemReceipts          []SystemReceipt     `json:"systemReceipts"`
	DataLineageSnapshot     DataLineageSnapshot `json:"dataLineageSnapshot"`
	AuditHashRoot           string              `json:"auditHashRoot"`
	IssuedAt                time.Time           `json:"issuedAt"`
	Signature               string              `json:"signature"`
}

// RedactedIdentifiers mirrors identifiers.UserIdentifiers but every field
// has passed through the redaction rules in §6.
type RedactedIdentifiers struct {
	UserID  string   `json:"userId"`
	Emails  []string `json:"emails"`
	Phones  []string `json:"phones"`
	Aliases []string `json:"aliases"`
}

// AsMap renders the certificate as a generic map for canonical-JSON
// signing/verification, matching infrastructure/crypto's Sign/Verify
// signature which operates on map[string]interface{}.
func (c Certificate) AsMap() map[string]interface{} {
	receipts := make([]interface{}, len(c.SystemReceipts))
	for i, r := range c.SystemReceipts {
		receipts[i] = map[string]interface{}{
			"system":    r.System,
			"status":    string(r.Status),
			"receipt":   r.Receipt,
			"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return map[string]interface{}{
		"certificateId": c.CertificateID,
		"workflowId":    c.WorkflowID,
		"policyVersion": c.PolicyVersion,
		"status":        string(c.Status),
		"redactedUserIdentifiers": map[string]interface{}{
			"userId":  c.RedactedUserIdentifiers.UserID,
			"emails":  toAny(c.RedactedUserIdentifiers.Emails),
			"phones":  toAny(c.RedactedUserIdentifiers.Phones),
			"aliases": toAny(c.RedactedUserIdentifiers.Aliases),
		},
		"systemReceipts": receipts,
		"dataLineageSnapshot": map[string]interface{}{
			"systems":     toAny(c.DataLineageSnapshot.Systems),
			"identifiers": toAny(c.DataLineageSnapshot.Identifiers),
			"capturedAt":  c.DataLineageSnapshot.CapturedAt.UTC().Format(time.RFC3339Nano),
		},
		"auditHashRoot": c.AuditHashRoot,
		"issuedAt":      c.IssuedAt.UTC().Format(time.RFC3339Nano),
		"signature":     c.Signature,
	}
}

func toAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
