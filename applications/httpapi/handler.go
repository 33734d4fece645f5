package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/engine"
	engineerrors "github.com/erasure-engine/engine/infrastructure/errors"
)

// handler implements §6's erasure-request HTTP surface: request intake,
// status/certificate/audit lookup, the operator override endpoint, and the
// admin zombie-sweep trigger, over the Orchestrator/StateManager/AuditTrail/
// ZombieScheduler built by Service.
type handler struct {
	orchestrator *engine.Orchestrator
	state        *engine.StateManager
	audit        *engine.AuditTrail
	jobs         *engine.JobManager
	certs        *engine.CertificateGenerator
	zombies      *engine.ZombieScheduler
	locks        *engine.LockService
	policy       policy.Policy
	auditLog     *auditLog
}

func newHandler(orchestrator *engine.Orchestrator, state *engine.StateManager, audit *engine.AuditTrail, jobs *engine.JobManager, certs *engine.CertificateGenerator, zombies *engine.ZombieScheduler, locks *engine.LockService, p policy.Policy, auditLog *auditLog) *handler {
	return &handler{orchestrator: orchestrator, state: state, audit: audit, jobs: jobs, certs: certs, zombies: zombies, locks: locks, policy: p, auditLog: auditLog}
}

func (h *handler) routes(mux *http.ServeMux) {
	mountRoutes(mux,
		route{pattern: "/healthz", method: http.MethodGet, handler: h.health},
		route{pattern: "/readyz", method: http.MethodGet, handler: h.health},
		route{pattern: "/livez", method: http.MethodGet, handler: h.health},
		route{pattern: "/erasure-request", method: http.MethodPost, handler: requireRole(h.createErasureRequest, RoleComplianceOfficer, RoleSystemAdmin)},
		route{pattern: "/erasure-request/workflows", method: http.MethodGet, handler: requireRole(h.listWorkflows, RoleComplianceOfficer, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin)},
		route{pattern: "/erasure-request/", handler: h.erasureRequestResource},
		route{pattern: "/admin/zombie-sweep", method: http.MethodPost, handler: requireRole(h.zombieSweep, RoleSystemAdmin)},
		route{pattern: "/admin/audit", method: http.MethodGet, handler: requireRole(h.adminAudit, RoleSystemAdmin, RoleAuditor)},
	)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createErasureRequest implements POST /erasure-request (§6).
func (h *handler) createErasureRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string   `json:"requestId"`
		UserID    string   `json:"userId"`
		Emails    []string `json:"emails"`
		Phones    []string `json:"phones"`
		Aliases   []string `json:"aliases"`
	}
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("requestId is required"))
		return
	}

	canonicalBody, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if existing, found, err := h.locks.DedupeRequest(r.Context(), canonicalBody, body.RequestID, body.RequestID); err != nil {
		writeEngineError(w, err)
		return
	} else if found {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":              "duplicate erasure request",
			"existingWorkflowId": existing.WorkflowID,
		})
		return
	}
	if err := h.locks.AcquireUserLock(r.Context(), body.UserID, body.RequestID, body.RequestID); err != nil {
		writeEngineError(w, err)
		return
	}

	s, err := h.orchestrator.CreateWorkflow(r.Context(), engine.CreateWorkflowRequest{
		RequestID: body.RequestID,
		UserID:    body.UserID,
		Emails:    body.Emails,
		Phones:    body.Phones,
		Aliases:   body.Aliases,
	})
	if err != nil {
		_ = h.locks.ReleaseUserLock(r.Context(), body.UserID)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"requestId":  s.RequestID,
		"workflowId": s.WorkflowID,
		"createdAt":  s.CreatedAt,
		"userId":     body.UserID,
		"emails":     body.Emails,
		"phones":     body.Phones,
		"aliases":    body.Aliases,
	})
}

// listWorkflows implements GET /erasure-request/workflows?status=&limit=
// (§6, supplemented — the distilled spec names per-workflow lookup only;
// an operator console needs a listing surface too).
func (h *handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	statusFilter := workflow.Status(strings.TrimSpace(r.URL.Query().Get("status")))

	ids, err := h.state.ListWorkflowIDs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	out := make([]workflow.State, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		s, err := h.state.Get(r.Context(), id)
		if err != nil {
			continue
		}
		if statusFilter != "" && s.Status != statusFilter {
			continue
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// erasureRequestResource dispatches /erasure-request/{id}[/status|/certificate|/audit|/override].
func (h *handler) erasureRequestResource(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/erasure-request"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	workflowID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "", "status":
		requireRole(h.getStatus(workflowID), RoleComplianceOfficer, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin)(w, r)
	case "certificate":
		requireRole(h.getCertificate(workflowID), RoleComplianceOfficer, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin)(w, r)
	case "audit":
		requireRole(h.getAudit(workflowID), RoleComplianceOfficer, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin)(w, r)
	case "override":
		requireRole(h.postOverride(workflowID), RoleLegalCounsel, RoleSystemAdmin)(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// statusResponse is §6's status projection: the workflow's terminal
// fields plus a derived progress block and the live background job
// listing, rather than the raw WorkflowState.
type statusResponse struct {
	WorkflowID     string                  `json:"workflowId"`
	RequestID      string                  `json:"requestId"`
	Status         workflow.Status         `json:"status"`
	CurrentPhase   workflow.Phase          `json:"currentPhase"`
	Progress       workflow.Progress       `json:"progress"`
	BackgroundJobs map[string]workflow.Job `json:"backgroundJobs"`
	PIIFindings    []workflow.PIIFinding   `json:"piiFindings"`
	LegalHolds     []workflow.LegalHold    `json:"legalHolds"`
	CreatedAt      time.Time               `json:"createdAt"`
	LastUpdated    time.Time               `json:"lastUpdated"`
	CompletedAt    *time.Time              `json:"completedAt,omitempty"`
	CertificateID  string                  `json:"certificateId,omitempty"`
}

func (h *handler) getStatus(workflowID string) http.HandlerFunc {
	return withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		s, err := h.state.Get(r.Context(), workflowID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		jobs, err := h.jobs.ListJobs(r.Context(), workflowID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			WorkflowID:     s.WorkflowID,
			RequestID:      s.RequestID,
			Status:         s.Status,
			CurrentPhase:   s.CurrentPhase,
			Progress:       s.ComputeProgress(),
			BackgroundJobs: jobs,
			PIIFindings:    s.PIIFindings,
			LegalHolds:     s.LegalHolds,
			CreatedAt:      s.CreatedAt,
			LastUpdated:    s.LastUpdated,
			CompletedAt:    s.CompletedAt,
			CertificateID:  s.CertificateID,
		})
	})
}

// getCertificate implements GET /erasure-request/:id/certificate (§6):
// only available once the workflow has reached a terminal completed state.
func (h *handler) getCertificate(workflowID string) http.HandlerFunc {
	return withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		s, err := h.state.Get(r.Context(), workflowID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if s.Status != workflow.StatusCompleted && s.Status != workflow.StatusCompletedWithExceptions {
			writeError(w, http.StatusConflict, fmt.Errorf("certificate not available: workflow status is %s", s.Status))
			return
		}
		if s.CertificateID == "" {
			writeError(w, http.StatusConflict, fmt.Errorf("certificate not yet issued for workflow %s", workflowID))
			return
		}
		cert, err := h.certs.Get(r.Context(), s.CertificateID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cert)
	})
}

// getAudit implements GET /erasure-request/:id/audit (§6, supplemented):
// exposes the hash-chained AuditTrail for regulator/auditor review.
func (h *handler) getAudit(workflowID string) http.HandlerFunc {
	return withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		events, err := h.audit.FromState(r.Context(), workflowID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		ok, err := h.audit.Verify(r.Context(), workflowID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "chainValid": ok})
	})
}

// postOverride implements POST /erasure-request/:id/override (§6/§7).
func (h *handler) postOverride(workflowID string) http.HandlerFunc {
	return withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action     string     `json:"action"`
			Reason     string     `json:"reason"`
			LegalBasis string     `json:"legalBasis"`
			Systems    []string   `json:"systems"`
			Evidence   string     `json:"evidence"`
		}
		if err := decodeJSON(r.Body, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req := engine.OverrideRequest{
			Action:     engine.OverrideAction(body.Action),
			Reason:     body.Reason,
			LegalBasis: body.LegalBasis,
			Systems:    body.Systems,
			Evidence:   body.Evidence,
			ApprovedBy: engine.ApprovedBy{
				UserID: userFromCtx(r.Context()),
				Role:   roleFromCtx(r.Context()),
			},
		}
		s, err := h.orchestrator.Override(r.Context(), workflowID, req)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	})
}

// zombieSweep implements POST /admin/zombie-sweep (§6, supplemented): an
// on-demand trigger for the daily ZombieScheduler.RunOnce pass, useful for
// operator-initiated re-checks outside the cron cadence.
func (h *handler) zombieSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.zombies.RunOnce(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "zombie sweep triggered"})
}

// adminAudit implements GET /admin/audit?limit= — the HTTP access log,
// distinct from a single workflow's domain AuditTrail.
func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.auditLog == nil {
		writeJSON(w, http.StatusOK, []auditEntry{})
		return
	}
	writeJSON(w, http.StatusOK, h.auditLog.listLimit(limit))
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, engineerrors.HTTPStatus(err), err)
}
