package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/erasure-engine/engine/domain/policy"
)

// policyDocument mirrors domain/policy.Policy with YAML tags and every
// field optional, so a document only needs to override what it cares
// about; everything else falls back to policy.Default.
type policyDocument struct {
	Jurisdiction            string   `yaml:"jurisdiction"`
	MaxRetryAttempts        *int     `yaml:"maxRetryAttempts"`
	InitialRetryDelay       *string  `yaml:"initialRetryDelay"`
	RetryBackoffMultiplier  *float64 `yaml:"retryBackoffMultiplier"`
	ZombieCheckIntervalDays *int     `yaml:"zombieCheckIntervalDays"`
	AutoDeleteThreshold     *float64 `yaml:"autoDeleteThreshold"`
	ManualReviewThreshold   *float64 `yaml:"manualReviewThreshold"`
	RequiredSystems         []string `yaml:"requiredSystems"`
	ParallelSystems         []string `yaml:"parallelSystems"`
	PolicyVersion           string   `yaml:"policyVersion"`
	ExternalSystemTimeout   *string  `yaml:"externalSystemTimeout"`
	CertificateValidityDays *int     `yaml:"certificateValidityDays"`
	AuditRetentionDays      *int     `yaml:"auditRetentionDays"`
}

// LoadPolicy builds a Policy with three layers, lowest priority first:
// policy.Default(jurisdiction), the YAML document at path (if it
// exists), then environment overrides prefixed ERASURE_POLICY_.
func LoadPolicy(path string) (policy.Policy, error) {
	jurisdiction := policy.Jurisdiction(GetEnv("ERASURE_POLICY_JURISDICTION", string(policy.JurisdictionEU)))
	p := policy.Default(jurisdiction)

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var doc policyDocument
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return policy.Policy{}, fmt.Errorf("config: parse policy document %s: %w", path, err)
			}
			applyDocument(&p, doc)
		case os.IsNotExist(err):
			// no document override; defaults plus env apply
		default:
			return policy.Policy{}, fmt.Errorf("config: read policy document %s: %w", path, err)
		}
	}

	applyEnvOverrides(&p)

	if err := p.Validate(); err != nil {
		return policy.Policy{}, fmt.Errorf("config: invalid policy: %w", err)
	}
	return p, nil
}

func applyDocument(p *policy.Policy, doc policyDocument) {
	if doc.Jurisdiction != "" {
		p.Jurisdiction = policy.Jurisdiction(doc.Jurisdiction)
	}
	if doc.MaxRetryAttempts != nil {
		p.MaxRetryAttempts = *doc.MaxRetryAttempts
	}
	if doc.InitialRetryDelay != nil {
		if d, err := time.ParseDuration(*doc.InitialRetryDelay); err == nil {
			p.InitialRetryDelay = d
		}
	}
	if doc.RetryBackoffMultiplier != nil {
		p.RetryBackoffMultiplier = *doc.RetryBackoffMultiplier
	}
	if doc.ZombieCheckIntervalDays != nil {
		p.ZombieCheckInterval = time.Duration(*doc.ZombieCheckIntervalDays) * 24 * time.Hour
	}
	if doc.AutoDeleteThreshold != nil {
		p.AutoDeleteThreshold = *doc.AutoDeleteThreshold
	}
	if doc.ManualReviewThreshold != nil {
		p.ManualReviewThreshold = *doc.ManualReviewThreshold
	}
	if len(doc.RequiredSystems) > 0 {
		p.RequiredSystems = doc.RequiredSystems
	}
	if len(doc.ParallelSystems) > 0 {
		p.ParallelSystems = doc.ParallelSystems
	}
	if doc.PolicyVersion != "" {
		p.PolicyVersion = doc.PolicyVersion
	}
	if doc.ExternalSystemTimeout != nil {
		if d, err := time.ParseDuration(*doc.ExternalSystemTimeout); err == nil {
			p.ExternalSystemTimeout = d
		}
	}
	if doc.CertificateValidityDays != nil {
		p.CertificateValidityDays = *doc.CertificateValidityDays
	}
	if doc.AuditRetentionDays != nil {
		p.AuditRetentionDays = *doc.AuditRetentionDays
	}
}

func applyEnvOverrides(p *policy.Policy) {
	if v, ok := ParseEnvInt(os.Getenv("ERASURE_POLICY_MAX_RETRY_ATTEMPTS")); ok {
		p.MaxRetryAttempts = v
	}
	if d, ok := ParseEnvDuration(os.Getenv("ERASURE_POLICY_INITIAL_RETRY_DELAY")); ok {
		p.InitialRetryDelay = d
	}
	if v := os.Getenv("ERASURE_POLICY_AUTO_DELETE_THRESHOLD"); v != "" {
		p.AutoDeleteThreshold = ParseFloatOrDefault(v, p.AutoDeleteThreshold)
	}
	if v := os.Getenv("ERASURE_POLICY_MANUAL_REVIEW_THRESHOLD"); v != "" {
		p.ManualReviewThreshold = ParseFloatOrDefault(v, p.ManualReviewThreshold)
	}
	if v := os.Getenv("ERASURE_POLICY_REQUIRED_SYSTEMS"); v != "" {
		p.RequiredSystems = SplitAndTrimCSV(v)
	}
	if v := os.Getenv("ERASURE_POLICY_PARALLEL_SYSTEMS"); v != "" {
		p.ParallelSystems = SplitAndTrimCSV(v)
	}
	if v := os.Getenv("ERASURE_POLICY_VERSION"); v != "" {
		p.PolicyVersion = v
	}
}
