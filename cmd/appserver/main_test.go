package main

import (
	"context"
	"os"
	"testing"

	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/infrastructure/connector"
)

func TestResolveAddrPrecedence(t *testing.T) {
	t.Setenv("ERASURE_LISTEN_ADDR", ":9090")
	if got := resolveAddr(":7070"); got != ":7070" {
		t.Fatalf("resolveAddr() = %q, want flag value", got)
	}
	if got := resolveAddr(""); got != ":9090" {
		t.Fatalf("resolveAddr() = %q, want env value", got)
	}

	os.Unsetenv("ERASURE_LISTEN_ADDR")
	if got := resolveAddr(""); got != ":8080" {
		t.Fatalf("resolveAddr() = %q, want default", got)
	}
}

func TestResolveAPITokens(t *testing.T) {
	t.Setenv("ERASURE_API_TOKENS", "env-a, env-b")
	t.Setenv("ERASURE_API_TOKEN", "single-token")

	got := resolveAPITokens("flag-a,flag-b")
	want := []string{"flag-a", "flag-b", "env-a", "env-b", "single-token"}
	if len(got) != len(want) {
		t.Fatalf("resolveAPITokens() = %v, want %v", got, want)
	}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("resolveAPITokens()[%d] = %q, want %q", i, got[i], v)
		}
	}
}

func TestResolveCertRootSecret(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		os.Unsetenv("ERASURE_CERT_ROOT_SECRET")
		if _, err := resolveCertRootSecret(); err == nil {
			t.Fatal("expected error for unset secret")
		}
	})

	t.Run("too short", func(t *testing.T) {
		t.Setenv("ERASURE_CERT_ROOT_SECRET", "short")
		if _, err := resolveCertRootSecret(); err == nil {
			t.Fatal("expected error for short secret")
		}
	})

	t.Run("raw passthrough", func(t *testing.T) {
		t.Setenv("ERASURE_CERT_ROOT_SECRET", "this-is-a-sufficiently-long-secret")
		secret, err := resolveCertRootSecret()
		if err != nil {
			t.Fatalf("resolveCertRootSecret() error = %v", err)
		}
		if len(secret) == 0 {
			t.Fatal("expected non-empty secret")
		}
	})
}

func TestParseSystemURLs(t *testing.T) {
	got := parseSystemURLs("crm=https://crm.example/webhook, billing=https://billing.example/webhook,malformed")
	if got["crm"] != "https://crm.example/webhook" {
		t.Fatalf("parseSystemURLs()[crm] = %q", got["crm"])
	}
	if got["billing"] != "https://billing.example/webhook" {
		t.Fatalf("parseSystemURLs()[billing] = %q", got["billing"])
	}
	if _, ok := got["malformed"]; ok {
		t.Fatal("expected entry without '=' to be dropped")
	}
}

func TestBuildSystemsRequiresURLForEverySystem(t *testing.T) {
	p := policy.Default(policy.JurisdictionEU)
	p.RequiredSystems = []string{"crm"}
	p.ParallelSystems = []string{"billing"}

	os.Unsetenv("ERASURE_SYSTEM_URLS")
	if _, err := buildSystems(p); err == nil {
		t.Fatal("expected error when no system URLs are configured")
	}

	t.Setenv("ERASURE_SYSTEM_URLS", "crm=https://crm.example/webhook,billing=https://billing.example/webhook")
	systems, err := buildSystems(p)
	if err != nil {
		t.Fatalf("buildSystems() error = %v", err)
	}
	if len(systems) != 2 {
		t.Fatalf("buildSystems() returned %d systems, want 2", len(systems))
	}
	if _, ok := systems["crm"]; !ok {
		t.Fatal("expected crm system to be wired")
	}
	if _, ok := systems["billing"]; !ok {
		t.Fatal("expected billing system to be wired")
	}
}

func TestBuildAnalyzerFallsBackToNoFindings(t *testing.T) {
	os.Unsetenv("ERASURE_ANALYZER_URL")
	if _, ok := buildAnalyzer().(connector.NoFindingsAnalyzer); !ok {
		t.Fatal("expected NoFindingsAnalyzer when ERASURE_ANALYZER_URL is unset")
	}

	t.Setenv("ERASURE_ANALYZER_URL", "https://scanner.example/analyze")
	if _, ok := buildAnalyzer().(*connector.HTTPAnalyzer); !ok {
		t.Fatal("expected HTTPAnalyzer when ERASURE_ANALYZER_URL is set")
	}
}

func TestZombieSchedulerServiceName(t *testing.T) {
	svc := &zombieSchedulerService{}
	if svc.Name() != "zombie-scheduler" {
		t.Fatalf("Name() = %q", svc.Name())
	}
}

func TestStreamManagerServiceStopWithoutStartIsSafe(t *testing.T) {
	svc := &streamManagerService{}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
