package workflow

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ReleaseInput struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required,max=128"`
	Override       bool   `json:"override"`
	OverrideReason string `json:"override_reason" binding:"max=2000"`
}

// ReleaseDeliverables records the release of a work order's deliverables
// after re-running the billing gate at the RELEASE stage. A repeated
// idempotency key returns the original row unchanged and created is false.
func (e *Engine) ReleaseDeliverables(ctx context.Context, workOrderId uuid.UUID, input ReleaseInput) (release *models.DeliverableRelease, created bool, err error) {
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return nil, false, utils.NewValidationError("idempotency_key_required", "idempotency_key is required")
	}
	if len(key) > 128 {
		return nil, false, utils.NewValidationError("invalid_idempotency_key", "idempotency_key is longer than 128 characters")
	}
	override := Override{Requested: input.Override, Reason: input.OverrideReason}

	// the row lock below is what serializes releases; this only keeps
	// concurrent retries from queueing on it
	if lock, lockErr := config.ObtainBestEffortLock(ctx, "release:"+workOrderId.String(), 15*time.Second); lockErr == nil && lock != nil {
		defer func() { _ = lock.Release(context.Background()) }()
	}

	err = e.mutate(ctx, "ReleaseDeliverables", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		existing, err := models.FindRelease(tx, wo.ID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			release = existing
			return nil
		}
		if err := requireReleasable(wo); err != nil {
			return err
		}
		pack, err := models.LatestCompletedPack(tx, wo.ID)
		if err != nil {
			return err
		}

		gate, err := e.billingGateFor(ctx, wo, BillingStageRelease)
		if err != nil {
			return err
		}
		overridden, err := enforceGates(tx, wo, actor, "release", override, billingOutcome(gate))
		if err != nil {
			return err
		}

		row := newReleaseRow(wo, key, gate, actor, overridden, override, pack)
		if err := tx.Create(row).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewConflictError("release_conflict", "a release with this idempotency key is being recorded; retry")
			}
			return err
		}
		release, created = row, true
		return models.RecordEvent(tx, wo, models.EventDeliverablesReleased, map[string]any{
			"release_id":          row.ID,
			"idempotency_key":     key,
			"billing_gate_result": row.BillingGateResult,
			"billing_mode":        row.BillingMode,
			"report_pack_id":      row.ReportPackId,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return release, created, nil
}

func newReleaseRow(wo *models.WorkOrder, key string, gate BillingGate, actor utils.Actor, overridden bool, override Override, pack *models.ReportPack) *models.DeliverableRelease {
	row := &models.DeliverableRelease{
		WorkOrderId:       wo.ID,
		IdempotencyKey:    key,
		BillingGateResult: models.BillingGateResultAllowed,
		BillingMode:       string(gate.Mode),
		GateReason:        gate.Reason,
		ActorId:           actor.Id,
		ActorName:         actor.Name,
	}
	if overridden {
		row.BillingGateResult = models.BillingGateResultOverridden
		row.OverrideReason = stringPtr(strings.TrimSpace(override.Reason))
	}
	if pack != nil {
		row.ReportPackId = &pack.ID
	}
	return row
}

func requireReleasable(wo *models.WorkOrder) error {
	switch wo.Status {
	case models.WorkOrderStatusCompleted:
		return nil
	case models.WorkOrderStatusReadyForRender, models.WorkOrderStatusRendering:
		if config.AllowReleaseBeforeCompletion() {
			return nil
		}
	case models.WorkOrderStatusCancelled, models.WorkOrderStatusFailed:
		return requireNotTerminal(wo)
	}
	return utils.NewPreconditionFailed("work_order_not_completed", "deliverables are released once rendering has completed", map[string]any{
		"status": wo.Status,
	})
}

// ListReleases reads the release ledger of a work order.
func (e *Engine) ListReleases(ctx context.Context, workOrderId uuid.UUID) ([]*models.DeliverableRelease, error) {
	if _, err := models.GetWorkOrder(ctx, e.DB, workOrderId); err != nil {
		return nil, err
	}
	return models.ListReleases(ctx, e.DB, workOrderId)
}
