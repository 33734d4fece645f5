package workflow

import "time"

// PIIType names the category of personal data a finding represents.
type PIIType string

const (
	PIITypeEmail   PIIType = "email"
	PIITypeName    PIIType = "name"
	PIITypePhone   PIIType = "phone"
	PIITypeAddress PIIType = "address"
	PIITypeCustom  PIIType = "custom"
)

// Provenance records where and when a finding was observed.
type Provenance struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId,omitempty"`
	Channel   string    `json:"channel,omitempty"`
}

// PIIFinding is a single detection surfaced by a ContentAnalyzer call.
type PIIFinding struct {
	MatchID    string     `json:"matchId"`
	System     string     `json:"system"`
	Location   string     `json:"location"`
	PIIType    PIIType    `json:"piiType"`
	Confidence float64    `json:"confidence"`
	Snippet    string     `json:"snippet"`
	Provenance Provenance `json:"provenance"`
}

// Classification is the PIIClassifier's routing decision for a finding.
type Classification string

const (
	ClassificationAutoDelete    Classification = "autoDelete"
	ClassificationManualReview  Classification = "manualReview"
	ClassificationIgnore        Classification = "ignore"
)

// AnalyzerMetadata accompanies every ContentAnalyzer response (§8
// property 13).
type AnalyzerMetadata struct {
	PreFilterMatches    int     `json:"preFilterMatches"`
	ChunkCount          int     `json:"chunkCount"`
	TotalConfidenceScore float64 `json:"totalConfidenceScore"`
}

// AnalyzerResponse is the structured output of a ContentAnalyzer.Analyze
// call.
type AnalyzerResponse struct {
	Findings    []PIIFinding     `json:"findings"`
	ProcessedAt time.Time        `json:"processedAt"`
	ContentHash string           `json:"contentHash"`
	Metadata    AnalyzerMetadata `json:"metadata"`
}
