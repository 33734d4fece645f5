package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/erasure-engine/engine/domain/policy"
	"github.com/erasure-engine/engine/domain/workflow"
	"github.com/erasure-engine/engine/infrastructure/metrics"
)

// zombieCheckSpec runs once a day; ZombieScheduler itself decides, per
// workflow, whether policy.ZombieCheckInterval has actually elapsed
// since completion, so the cron cadence only bounds how promptly a
// newly-eligible workflow gets picked up.
const zombieCheckSpec = "0 3 * * *"

// ZombieScheduler implements §4.13: periodically re-invokes Delete
// against every completed workflow's systems, and opens a child
// workflow when any system still reports residual data. The child
// workflow covers the policy's full RequiredSystems/ParallelSystems,
// not only the systems that reported residual data.
type ZombieScheduler struct {
	policy policy.Policy
	state  *StateManager
	audit  *AuditTrail
	orch   *Orchestrator
	cron   *cron.Cron
	metric *metrics.Metrics
}

// NewZombieScheduler wires a ZombieScheduler but does not start it;
// call Start to register the daily cron entry.
func NewZombieScheduler(p policy.Policy, state *StateManager, audit *AuditTrail, orch *Orchestrator, metric *metrics.Metrics) *ZombieScheduler {
	return &ZombieScheduler{
		policy: p,
		state:  state,
		audit:  audit,
		orch:   orch,
		cron:   cron.New(),
		metric: metric,
	}
}

// Start registers the daily sweep and begins the cron scheduler's own
// goroutine. Stop must be called to release it.
func (z *ZombieScheduler) Start(ctx context.Context) error {
	_, err := z.cron.AddFunc(zombieCheckSpec, func() {
		if err := z.RunOnce(ctx); err != nil {
			// A single bad rescan must not kill the recurring entry;
			// the next tick retries independently.
			return
		}
	})
	if err != nil {
		return fmt.Errorf("engine: register zombie check cron: %w", err)
	}
	z.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight run to finish.
func (z *ZombieScheduler) Stop() {
	<-z.cron.Stop().Done()
}

// RunOnce scans every workflow once, re-invoking Delete for each
// completed workflow whose ZombieCheckInterval has elapsed since
// CompletedAt. It is exported so tests and an operator-triggered
// endpoint can invoke a sweep without waiting for the cron tick.
func (z *ZombieScheduler) RunOnce(ctx context.Context) error {
	ids, err := z.state.ListWorkflowIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := z.checkWorkflow(ctx, id); err != nil {
			continue
		}
	}
	return nil
}

func (z *ZombieScheduler) checkWorkflow(ctx context.Context, workflowID string) error {
	s, err := z.state.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if !eligibleForZombieCheck(s, z.policy.ZombieCheckInterval) {
		return nil
	}

	residual := make([]string, 0)
	for sys, step := range s.Steps {
		if step.Status != workflow.StepDeleted {
			continue
		}
		system, ok := z.orch.systems[sys]
		if !ok {
			continue
		}
		result, err := system.Delete(ctx, s.UserIdentifiers)
		if err != nil || result.ResidualDataFound {
			residual = append(residual, sys)
			if z.metric != nil {
				z.metric.RecordZombieDetection(sys)
			}
		}
	}

	if len(residual) == 0 {
		return nil
	}

	if _, err := z.audit.Append(ctx, workflowID, "zombie-data-detected", map[string]interface{}{"systems": residual}); err != nil {
		return err
	}

	_, err = z.orch.CreateWorkflow(ctx, CreateWorkflowRequest{
		RequestID:        workflowID + "-zombie",
		UserID:           s.UserIdentifiers.UserID,
		Emails:           s.UserIdentifiers.Emails,
		Phones:           s.UserIdentifiers.Phones,
		Aliases:          s.UserIdentifiers.Aliases,
		ParentWorkflowID: workflowID,
	})
	return err
}

func eligibleForZombieCheck(s workflow.State, interval time.Duration) bool {
	if !s.Status.IsTerminal() || s.CompletedAt == nil {
		return false
	}
	return now().Sub(*s.CompletedAt) >= interval
}
