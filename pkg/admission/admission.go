// Package admission enforces per-organization execution quotas.
//
// Decisions are delegated to the store's atomic check-and-increment and
// every decision is appended to the quota audit trail. The controller is
// called twice per execution: synchronously at enqueue time and again on
// dequeue to guard against cold replays.
package admission

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

// Controller makes and audits admission decisions
type Controller struct {
	store storage.Store
}

// NewController builds an admission controller over store
func NewController(store storage.Store) *Controller {
	return &Controller{store: store}
}

// Admit checks and reserves a slot for one execution. Rejections carry
// KindQuotaExceeded; the caller marks the execution rate_limited.
func (c *Controller) Admit(ctx context.Context, orgID string) (*storage.AdmissionDecision, error) {
	org, err := c.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	limits := org.Plan
	if limits == nil {
		limits = &types.PlanLimits{}
	}

	decision, err := c.store.Admit(ctx, orgID, limits)
	if err != nil {
		return nil, err
	}

	if decision.Admitted {
		metrics.AdmissionDecisions.WithLabelValues("admitted").Inc()
		return decision, nil
	}

	metrics.AdmissionDecisions.WithLabelValues(decision.Reason).Inc()
	c.appendAudit(ctx, orgID, decision)
	log.WithOrganizationID(orgID).Warn().
		Str("reason", decision.Reason).
		Int("observed", decision.ObservedValue).
		Int("limit", decision.LimitValue).
		Msg("execution rejected by admission")
	return decision, errs.New(errs.KindQuotaExceeded, decision.Reason)
}

// Release returns a concurrency slot when an execution finishes
func (c *Controller) Release(ctx context.Context, orgID string) {
	if err := c.store.ReleaseExecution(ctx, orgID); err != nil {
		log.WithOrganizationID(orgID).Error().Err(err).Msg("failed to release execution slot")
	}
}

func (c *Controller) appendAudit(ctx context.Context, orgID string, d *storage.AdmissionDecision) {
	windowStart := d.WindowStart
	err := c.store.AppendQuotaAudit(ctx, &types.QuotaAuditEvent{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		EventType:      d.Reason,
		LimitValue:     d.LimitValue,
		ObservedValue:  d.ObservedValue,
		WindowCount:    d.WindowCount,
		WindowStart:    &windowStart,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.WithOrganizationID(orgID).Error().Err(err).Msg("failed to append quota audit")
	}
}
