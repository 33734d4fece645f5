package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/httputil"
)

// analyzeRequest is the body POSTed to the configured analyzer endpoint.
type analyzeRequest struct {
	System  string `json:"system"`
	Content string `json:"content"`
}

// HTTPAnalyzer implements ports.ContentAnalyzer (§4.5's input side) against
// an externally hosted LLM-backed scanner — the model provider itself is
// out of scope (§1); this is only the uniform transport to it.
type HTTPAnalyzer struct {
	url    string
	client *http.Client
}

// NewHTTPAnalyzer builds an analyzer client bound to url.
func NewHTTPAnalyzer(url string, timeout time.Duration) *HTTPAnalyzer {
	return &HTTPAnalyzer{url: url, client: httputil.CopyHTTPClientWithTimeout(nil, timeout, true)}
}

// Analyze implements ports.ContentAnalyzer.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, system, content string) (workflow.AnalyzerResponse, error) {
	hash := sha256.Sum256([]byte(content))
	body, err := json.Marshal(analyzeRequest{System: system, Content: content})
	if err != nil {
		return workflow.AnalyzerResponse{}, fmt.Errorf("analyzer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return workflow.AnalyzerResponse{}, fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return workflow.AnalyzerResponse{}, fmt.Errorf("analyzer: call %s: %w", system, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return workflow.AnalyzerResponse{}, fmt.Errorf("analyzer: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return workflow.AnalyzerResponse{}, fmt.Errorf("analyzer: unexpected status %d for %s", resp.StatusCode, system)
	}

	var parsed workflow.AnalyzerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return workflow.AnalyzerResponse{}, fmt.Errorf("analyzer: decode response: %w", err)
	}
	if parsed.ContentHash == "" {
		parsed.ContentHash = hex.EncodeToString(hash[:])
	}
	if parsed.ProcessedAt.IsZero() {
		parsed.ProcessedAt = time.Now().UTC()
	}
	return parsed, nil
}

// NoFindingsAnalyzer is a safe default for deployments that haven't wired a
// scanner endpoint yet: it reports zero findings rather than failing the
// workflow outright.
type NoFindingsAnalyzer struct{}

func (NoFindingsAnalyzer) Analyze(ctx context.Context, system, content string) (workflow.AnalyzerResponse, error) {
	hash := sha256.Sum256([]byte(content))
	return workflow.AnalyzerResponse{
		ContentHash: hex.EncodeToString(hash[:]),
		ProcessedAt: time.Now().UTC(),
	}, nil
}
