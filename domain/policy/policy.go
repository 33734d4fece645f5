// Package policy holds the jurisdiction-parameterised configuration read
// by every component for the lifetime of a workflow run.
package policy

import (
	"fmt"
	"time"
)

// Jurisdiction narrows retention defaults and which legal-proof types are
// accepted at request intake.
type Jurisdiction string

const (
	JurisdictionEU    Jurisdiction = "EU"
	JurisdictionUS    Jurisdiction = "US"
	JurisdictionOther Jurisdiction = "OTHER"
)

// Policy is read-only for the duration of a workflow. A Policy is
// resolved once at request intake and its PolicyVersion is frozen onto
// the WorkflowState.
type Policy struct {
	Jurisdiction             Jurisdiction  `yaml:"jurisdiction" json:"jurisdiction"`
	MaxRetryAttempts         int           `yaml:"maxRetryAttempts" json:"maxRetryAttempts"`
	InitialRetryDelay        time.Duration `yaml:"initialRetryDelay" json:"initialRetryDelay"`
	RetryBackoffMultiplier   float64       `yaml:"retryBackoffMultiplier" json:"retryBackoffMultiplier"`
	ZombieCheckInterval      time.Duration `yaml:"zombieCheckInterval" json:"zombieCheckInterval"`
	AutoDeleteThreshold      float64       `yaml:"autoDeleteThreshold" json:"autoDeleteThreshold"`
	ManualReviewThreshold    float64       `yaml:"manualReviewThreshold" json:"manualReviewThreshold"`
	RequiredSystems          []string      `yaml:"requiredSystems" json:"requiredSystems"`
	ParallelSystems          []string      `yaml:"parallelSystems" json:"parallelSystems"`
	PolicyVersion            string        `yaml:"policyVersion" json:"policyVersion"`
	ExternalSystemTimeout    time.Duration `yaml:"externalSystemTimeout" json:"externalSystemTimeout"`
	CertificateValidityDays  int           `yaml:"certificateValidityDays" json:"certificateValidityDays"`
	AuditRetentionDays       int           `yaml:"auditRetentionDays" json:"auditRetentionDays"`
}

// Validate enforces the invariants named in the data model: thresholds
// ordered, retry parameters positive, at least one required system.
func (p Policy) Validate() error {
	if p.MaxRetryAttempts < 1 {
		return fmt.Errorf("policy: maxRetryAttempts must be >= 1, got %d", p.MaxRetryAttempts)
	}
	if p.InitialRetryDelay <= 0 {
		return fmt.Errorf("policy: initialRetryDelay must be > 0")
	}
	if p.RetryBackoffMultiplier <= 1 {
		return fmt.Errorf("policy: retryBackoffMultiplier must be > 1, got %v", p.RetryBackoffMultiplier)
	}
	if p.ZombieCheckInterval <= 0 {
		return fmt.Errorf("policy: zombieCheckInterval must be > 0")
	}
	if !(0 <= p.ManualReviewThreshold && p.ManualReviewThreshold < p.AutoDeleteThreshold && p.AutoDeleteThreshold <= 1) {
		return fmt.Errorf("policy: thresholds must satisfy 0 <= manualReview(%v) < autoDelete(%v) <= 1",
			p.ManualReviewThreshold, p.AutoDeleteThreshold)
	}
	if len(p.RequiredSystems) == 0 {
		return fmt.Errorf("policy: requiredSystems must not be empty")
	}
	if p.PolicyVersion == "" {
		return fmt.Errorf("policy: policyVersion is required")
	}
	return nil
}

// RetentionDays returns the jurisdiction's audit-trail retention window,
// falling back to the policy's explicit override when set.
func (p Policy) RetentionDays() int {
	if p.AuditRetentionDays > 0 {
		return p.AuditRetentionDays
	}
	switch p.Jurisdiction {
	case JurisdictionEU:
		return 30
	case JurisdictionUS:
		return 45
	default:
		return 60
	}
}

// Default returns a conservative baseline policy for the given
// jurisdiction; callers overlay environment/document overrides on top.
func Default(j Jurisdiction) Policy {
	return Policy{
		Jurisdiction:            j,
		MaxRetryAttempts:        3,
		InitialRetryDelay:       time.Second,
		RetryBackoffMultiplier:  2,
		ZombieCheckInterval:     24 * time.Hour * 30,
		AutoDeleteThreshold:     0.8,
		ManualReviewThreshold:   0.5,
		RequiredSystems:         []string{"payments", "database"},
		ParallelSystems:         []string{"intercom", "sendgrid", "crm", "analytics"},
		PolicyVersion:           "v1",
		ExternalSystemTimeout:   30 * time.Second,
		CertificateValidityDays: 365,
	}
}
