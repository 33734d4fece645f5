// Package main runs the erasure workflow engine as a standalone HTTP
// service: request intake, saga orchestration, certificate issuance, the
// zombie-data sweep, and the operator/regulator API surface, all wired
// from environment configuration with an in-memory fallback for local
// development.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/erasure-engine/engine/applications/httpapi"
	"github.com/erasure-engine/engine/applications/system"
	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/domain/ports"
	"github.com/erasure-engine/engine/engine"
	"github.com/erasure-engine/engine/infrastructure/config"
	"github.com/erasure-engine/engine/infrastructure/connector"
	"github.com/erasure-engine/engine/infrastructure/logging"
	"github.com/erasure-engine/engine/infrastructure/metrics"
	"github.com/erasure-engine/engine/infrastructure/redaction"
	"github.com/erasure-engine/engine/infrastructure/state"
	"github.com/erasure-engine/engine/infrastructure/stream"
)

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (defaults to ERASURE_LISTEN_ADDR or :8080)")
	policyPathFlag := flag.String("policy", "", "Path to a policy override document (YAML)")
	apiTokensFlag := flag.String("api-tokens", "", "comma-separated static API tokens for HTTP authentication")
	flag.Parse()

	logger := logging.NewFromEnv("erasure-engine")

	p, err := config.LoadPolicy(resolvePolicyPath(*policyPathFlag))
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	if err := p.Validate(); err != nil {
		log.Fatalf("invalid policy: %v", err)
	}

	rootCtx := context.Background()

	store, err := newStateStore(rootCtx)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	streamPort, err := newStreamPort(rootCtx)
	if err != nil {
		log.Fatalf("open stream port: %v", err)
	}

	rootSecret, err := resolveCertRootSecret()
	if err != nil {
		log.Fatalf("resolve certificate root secret: %v", err)
	}

	metric := metrics.New("erasure-engine")

	stateManager := engine.NewStateManager(store)
	auditTrail := engine.NewAuditTrail(store)
	jobs := engine.NewJobManager(store)
	locks := engine.NewLockService(store)
	bus := engine.NewEventBus(engine.EventBusConfig{Logger: logger})
	dispatcher := engine.NewStepDispatcher(bus, store)

	redactor := redaction.NewRedactor(redaction.DefaultConfig())
	certs, err := engine.NewCertificateGenerator(store, auditTrail, redactor, rootSecret)
	if err != nil {
		log.Fatalf("initialise certificate generator: %v", err)
	}

	systems, err := buildSystems(p)
	if err != nil {
		log.Fatalf("wire external systems: %v", err)
	}
	analyzer := buildAnalyzer()

	orchestrator := engine.NewOrchestrator(engine.OrchestratorDeps{
		Policy:     p,
		State:      stateManager,
		Audit:      auditTrail,
		Jobs:       jobs,
		Certs:      certs,
		Dispatcher: dispatcher,
		Bus:        bus,
		Stream:     streamPort,
		Systems:    systems,
		Analyzer:   analyzer,
	})

	zombies := engine.NewZombieScheduler(p, stateManager, auditTrail, orchestrator, metric)
	streamManager := engine.NewStreamManager(streamPort)

	deps := httpapi.ServiceDeps{
		Addr:              resolveAddr(*addrFlag),
		Orchestrator:      orchestrator,
		State:             stateManager,
		Audit:             auditTrail,
		Jobs:              jobs,
		Certs:             certs,
		Zombies:           zombies,
		Locks:             locks,
		Policy:            p,
		StreamPort:        streamPort,
		Logger:            logger,
		Metrics:           metric,
		Tokens:            resolveAPITokens(*apiTokensFlag),
		JWTValidator:      resolveJWTValidator(),
		CORSOrigins:       config.SplitAndTrimCSV(config.GetEnv("ERASURE_CORS_ORIGINS", "")),
		RequestsPerSecond: config.ParseIntOrDefault(os.Getenv("ERASURE_RATE_LIMIT_RPS"), 10),
		RequestBurst:      config.ParseIntOrDefault(os.Getenv("ERASURE_RATE_LIMIT_BURST"), 20),
	}
	if path := strings.TrimSpace(os.Getenv("ERASURE_AUDIT_LOG_PATH")); path != "" {
		sink, err := httpapi.NewFileAuditSink(path)
		if err != nil {
			log.Fatalf("open audit log %s: %v", path, err)
		}
		deps.AuditSink = sink
	}
	httpService := httpapi.NewService(deps)

	manager := system.NewManager()
	if err := manager.Register(&streamManagerService{sm: streamManager}); err != nil {
		log.Fatalf("register stream manager: %v", err)
	}
	if err := manager.Register(&zombieSchedulerService{z: zombies}); err != nil {
		log.Fatalf("register zombie scheduler: %v", err)
	}
	if err := manager.Register(httpService); err != nil {
		log.Fatalf("register http service: %v", err)
	}

	if err := manager.Start(rootCtx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	log.Printf("erasure engine listening on %s", httpService.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// zombieSchedulerService adapts engine.ZombieScheduler's Stop() (no ctx,
// blocking on the in-flight run) to applications/system.Service.
type zombieSchedulerService struct {
	z *engine.ZombieScheduler
}

func (s *zombieSchedulerService) Name() string { return "zombie-scheduler" }

func (s *zombieSchedulerService) Start(ctx context.Context) error { return s.z.Start(ctx) }

func (s *zombieSchedulerService) Stop(ctx context.Context) error {
	s.z.Stop()
	return nil
}

// streamManagerService adapts engine.StreamManager, which governs its
// subscriber goroutines by the ctx passed to Start rather than exposing a
// separate Stop, to applications/system.Service.
type streamManagerService struct {
	sm     *engine.StreamManager
	cancel context.CancelFunc
}

func (s *streamManagerService) Name() string { return "stream-manager" }

func (s *streamManagerService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return s.sm.Start(runCtx)
}

func (s *streamManagerService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func resolveAddr(flagAddr string) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	return config.GetEnv("ERASURE_LISTEN_ADDR", ":8080")
}

func resolvePolicyPath(flagPath string) string {
	if trimmed := strings.TrimSpace(flagPath); trimmed != "" {
		return trimmed
	}
	return config.GetEnv("ERASURE_POLICY_PATH", "")
}

func resolveAPITokens(flagTokens string) []string {
	var tokens []string
	tokens = append(tokens, splitTokens(flagTokens)...)
	tokens = append(tokens, splitTokens(os.Getenv("ERASURE_API_TOKENS"))...)
	if token := strings.TrimSpace(os.Getenv("ERASURE_API_TOKEN")); token != "" {
		tokens = append(tokens, token)
	}
	return tokens
}

func splitTokens(value string) []string {
	return config.SplitAndTrimCSV(value)
}

// resolveJWTValidator builds an RS256 validator when a public key is
// configured; a deployment relying only on static operator tokens leaves
// this nil, which wrapWithAuth treats as "no JWT path available".
func resolveJWTValidator() httpapi.JWTValidator {
	path := strings.TrimSpace(os.Getenv("ERASURE_JWT_PUBLIC_KEY_PATH"))
	if path == "" {
		return nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read JWT public key %s: %v", path, err)
	}
	validator, err := httpapi.NewRSAValidator(pemBytes)
	if err != nil {
		log.Fatalf("parse JWT public key %s: %v", path, err)
	}
	return validator
}

func resolveCertRootSecret() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv("ERASURE_CERT_ROOT_SECRET"))
	if raw == "" {
		return nil, fmt.Errorf("ERASURE_CERT_ROOT_SECRET must be set")
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= 16 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) >= 16 {
		return decoded, nil
	}
	if len(raw) >= 16 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("expected a root secret of at least 16 bytes")
}

func newStateStore(ctx context.Context) (state.KVStore, error) {
	backend := strings.ToLower(config.GetEnv("ERASURE_STORE_BACKEND", "memory"))
	switch backend {
	case "memory", "":
		return state.NewMemoryStore(time.Minute), nil
	case "redis":
		return state.NewRedisStore(ctx, redisConfigFromEnv())
	case "postgres":
		return state.NewPostgresStore(ctx, state.PostgresConfig{
			DSN:             config.GetEnv("ERASURE_STORE_DSN", ""),
			MaxOpenConns:    config.ParseIntOrDefault(os.Getenv("ERASURE_STORE_MAX_OPEN_CONNS"), 0),
			MaxIdleConns:    config.ParseIntOrDefault(os.Getenv("ERASURE_STORE_MAX_IDLE_CONNS"), 0),
			ConnMaxLifetime: config.ParseDurationOrDefault(os.Getenv("ERASURE_STORE_CONN_MAX_LIFETIME"), 0),
		})
	default:
		return nil, fmt.Errorf("unknown ERASURE_STORE_BACKEND %q", backend)
	}
}

func newStreamPort(ctx context.Context) (stream.Stream, error) {
	backend := strings.ToLower(config.GetEnv("ERASURE_STREAM_BACKEND", "memory"))
	switch backend {
	case "memory", "":
		return stream.NewMemoryStream(), nil
	case "redis":
		return stream.NewRedisStream(ctx, streamRedisConfigFromEnv())
	default:
		return nil, fmt.Errorf("unknown ERASURE_STREAM_BACKEND %q", backend)
	}
}

func redisConfigFromEnv() state.RedisConfig {
	return state.RedisConfig{
		Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       config.ParseIntOrDefault(os.Getenv("REDIS_DB"), 0),
	}
}

func streamRedisConfigFromEnv() stream.RedisConfig {
	return stream.RedisConfig{
		Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       config.ParseIntOrDefault(os.Getenv("REDIS_DB"), 0),
	}
}

// buildSystems wires one connector.WebhookSystem per name in the policy's
// required/parallel system lists. ERASURE_SYSTEM_URLS is a comma-separated
// name=url list; every referenced system must have an entry.
func buildSystems(p policy.Policy) (map[string]ports.ExternalSystem, error) {
	urls := parseSystemURLs(os.Getenv("ERASURE_SYSTEM_URLS"))
	timeout := config.ParseDurationOrDefault(os.Getenv("ERASURE_SYSTEM_TIMEOUT"), p.ExternalSystemTimeout)

	names := make(map[string]struct{}, len(p.RequiredSystems)+len(p.ParallelSystems))
	for _, n := range p.RequiredSystems {
		names[n] = struct{}{}
	}
	for _, n := range p.ParallelSystems {
		names[n] = struct{}{}
	}

	systems := make(map[string]ports.ExternalSystem, len(names))
	for name := range names {
		url, ok := urls[name]
		if !ok {
			return nil, fmt.Errorf("no URL configured for system %q; set ERASURE_SYSTEM_URLS", name)
		}
		systems[name] = connector.NewWebhookSystem(name, url, timeout)
	}
	return systems, nil
}

func parseSystemURLs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range config.SplitAndTrimCSV(raw) {
		name, url, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if name != "" && url != "" {
			out[name] = url
		}
	}
	return out
}

func buildAnalyzer() ports.ContentAnalyzer {
	url := strings.TrimSpace(os.Getenv("ERASURE_ANALYZER_URL"))
	if url == "" {
		return connector.NoFindingsAnalyzer{}
	}
	timeout := config.ParseDurationOrDefault(os.Getenv("ERASURE_ANALYZER_TIMEOUT"), 10*time.Second)
	return connector.NewHTTPAnalyzer(url, timeout)
}
