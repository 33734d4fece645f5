package ports

import (
	"context"

	"github.com/erasure-engine/engine/domain/workflow"
)

// ContentAnalyzer is the LLM-backed PII scanner contract (§4.5's input
// side, §8 property 13). The Engine calls Analyze per system/content
// blob and classifies the returned findings itself; it never talks to
// the underlying model provider directly.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, system, content string) (workflow.AnalyzerResponse, error)
}
