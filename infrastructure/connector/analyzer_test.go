package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPAnalyzer_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"findings":[{"type":"email","value":"a@example.com"}],"contentHash":"","metadata":{}}`))
	}))
	defer srv.Close()

	a := NewHTTPAnalyzer(srv.URL, time.Second)
	resp, err := a.Analyze(context.Background(), "crm", "some raw content")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(resp.Findings) != 1 {
		t.Fatalf("Findings = %v, want 1", resp.Findings)
	}
	if resp.ContentHash == "" {
		t.Fatal("expected ContentHash to be filled in when the analyzer omits it")
	}
	if resp.ProcessedAt.IsZero() {
		t.Fatal("expected ProcessedAt to be filled in when the analyzer omits it")
	}
}

func TestHTTPAnalyzer_AnalyzeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPAnalyzer(srv.URL, time.Second)
	if _, err := a.Analyze(context.Background(), "crm", "content"); err == nil {
		t.Fatal("expected error for non-2xx analyzer response")
	}
}

func TestNoFindingsAnalyzer(t *testing.T) {
	resp, err := NoFindingsAnalyzer{}.Analyze(context.Background(), "crm", "some content")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(resp.Findings) != 0 {
		t.Fatalf("expected zero findings, got %v", resp.Findings)
	}
	if resp.ContentHash == "" {
		t.Fatal("expected a content hash even with no findings")
	}
}
