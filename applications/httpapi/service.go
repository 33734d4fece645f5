package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/engine"
	"github.com/erasure-engine/engine/infrastructure/logging"
	"github.com/erasure-engine/engine/infrastructure/metrics"
	"github.com/erasure-engine/engine/infrastructure/middleware"
	"github.com/erasure-engine/engine/infrastructure/stream"
)

// ServiceDeps bundles everything Service needs to construct the erasure
// workflow HTTP surface (§6) and its lifecycle.
type ServiceDeps struct {
	Addr         string
	Orchestrator *engine.Orchestrator
	State        *engine.StateManager
	Audit        *engine.AuditTrail
	Jobs         *engine.JobManager
	Certs        *engine.CertificateGenerator
	Zombies      *engine.ZombieScheduler
	Locks        *engine.LockService
	Policy       policy.Policy
	StreamPort   stream.Stream
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	Tokens       []string
	JWTValidator JWTValidator
	AuditSink    auditSink
	CORSOrigins  []string
	RequestsPerSecond int
	RequestBurst      int
}

// Service implements applications/system.LifecycleService: an http.Server
// wrapping the erasure-request API, the override endpoint, the admin
// surface, and the SSE/websocket stream transport, all behind CORS,
// recovery, rate limiting, and bearer auth.
type Service struct {
	addr   string
	server *http.Server
	ready  bool
}

// NewService builds and wires the full HTTP surface.
func NewService(d ServiceDeps) *Service {
	mux := http.NewServeMux()

	auditLog := newAuditLog(2000, d.AuditSink)

	h := newHandler(d.Orchestrator, d.State, d.Audit, d.Jobs, d.Certs, d.Zombies, d.Locks, d.Policy, auditLog)
	h.routes(mux)

	sh := newStreamHandler(d.StreamPort)
	sh.routes(mux)

	mux.Handle("/metrics", promhttp.Handler())

	tokens := newStaticTokenValidator(d.Tokens)

	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(d.Logger)(handler)
	handler = wrapWithAudit(handler, auditLog)
	handler = wrapWithAuth(handler, tokens, d.JWTValidator)

	rps := d.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := d.RequestBurst
	if burst <= 0 {
		burst = rps * 2
	}
	limiter := middleware.NewRateLimiter(rps, burst, d.Logger)
	handler = wrapLimitedPath(handler, limiter, "/erasure-request")

	if d.Metrics != nil {
		handler = middleware.MetricsMiddleware("httpapi", d.Metrics)(handler)
	}

	handler = middleware.NewRecoveryMiddleware(d.Logger).Handler(handler)
	handler = middleware.NewTimeoutMiddleware(30 * time.Second).Handler(handler)
	handler = middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: d.CORSOrigins}).Handler(handler)

	addr := d.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &Service{
		addr:   addr,
		server: &http.Server{Addr: addr, Handler: handler},
	}
}

// wrapLimitedPath applies limiter only to requests under prefix, so bursty
// status polling elsewhere isn't throttled by the intake endpoint's budget.
func wrapLimitedPath(next http.Handler, limiter *middleware.RateLimiter, prefix string) http.Handler {
	limited := limiter.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) >= len(prefix) && r.URL.Path[:len(prefix)] == prefix {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.addr, err)
	}
	go func() {
		_ = s.server.Serve(ln)
	}()
	s.ready = true
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.ready = false
	return s.server.Shutdown(ctx)
}

func (s *Service) Ready(ctx context.Context) error {
	if !s.ready {
		return fmt.Errorf("httpapi: not ready")
	}
	return nil
}

func (s *Service) Addr() string { return s.addr }
