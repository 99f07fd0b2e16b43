package workflow

import (
	"context"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CancelReasonWorkOrderCancelled = "work_order_cancelled"
	CancelReasonWorkOrderFailed    = "work_order_failed"
)

type TransitionInput struct {
	Target         string `json:"target" binding:"required"`
	Note           string `json:"note" binding:"max=2000"`
	Override       bool   `json:"override"`
	OverrideReason string `json:"override_reason" binding:"max=2000"`
}

type TransitionResult struct {
	WorkOrder  *models.WorkOrder  `json:"work_order"`
	From       string             `json:"from"`
	Overridden bool               `json:"overridden"`
	Pack       *models.ReportPack `json:"pack,omitempty"`
}

// Transition moves a work order along a caller-visible edge. Entering
// READY_FOR_RENDER passes the readiness and render-stage billing gates and
// queues the pack for the latest snapshot in the same transaction. Entering
// CANCELLED or FAILED propagates to open jobs.
func (e *Engine) Transition(ctx context.Context, workOrderId uuid.UUID, input TransitionInput) (*TransitionResult, error) {
	to, err := models.ParseWorkOrderStatus(input.Target)
	if err != nil {
		return nil, utils.NewValidationError("invalid_status", err.Error())
	}
	override := Override{Requested: input.Override, Reason: input.OverrideReason}
	note := strings.TrimSpace(input.Note)

	res := &TransitionResult{}
	err = e.mutate(ctx, "Transition", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		from := wo.Status
		if err := requireNotTerminal(wo); err != nil {
			return err
		}
		if !models.CanTransition(from, to) {
			return invalidTransition(from, to)
		}
		if !models.IsCallerTransition(from, to) {
			return utils.NewValidationError("system_transition", fmt.Sprintf("%s -> %s is driven by the render pipeline", from, to)).
				WithDetail("allowed", models.NextStatuses(from))
		}

		var snapshot *models.ContractSnapshot
		overridden := false
		if to == models.WorkOrderStatusReadyForRender {
			var err error
			snapshot, err = models.LatestSnapshot(ctx, tx, wo.ID)
			if err != nil {
				return err
			}
			if snapshot == nil {
				return errContractMissing(wo)
			}
			readiness, err := readinessFor(ctx, tx, wo)
			if err != nil {
				return err
			}
			billing, err := e.billingGateFor(ctx, wo, BillingStageRender)
			if err != nil {
				return err
			}
			operation := fmt.Sprintf("transition:%s->%s", from, to)
			overridden, err = enforceGates(tx, wo, actor, operation, override, readinessOutcome(readiness), billingOutcome(billing))
			if err != nil {
				return err
			}
			if overridden && note == "" {
				note = "override: " + strings.TrimSpace(override.Reason)
			}
		}

		if err := models.ChangeStatus(tx, wo, to, actor, note, overridden); err != nil {
			return err
		}
		res.From = string(from)
		res.Overridden = overridden
		res.WorkOrder = wo

		switch to {
		case models.WorkOrderStatusReadyForRender:
			pack, _, err := createOrReusePack(ctx, tx, wo, snapshot, actor)
			if err != nil {
				return err
			}
			res.Pack = pack
		case models.WorkOrderStatusCancelled:
			return cancelOpenJobs(tx, wo.ID, CancelReasonWorkOrderCancelled)
		case models.WorkOrderStatusFailed:
			return cancelOpenJobs(tx, wo.ID, CancelReasonWorkOrderFailed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func invalidTransition(from, to models.WorkOrderStatus) error {
	return utils.NewValidationError("invalid_transition", fmt.Sprintf("cannot move from %s to %s", from, to)).
		WithDetail("from", from).
		WithDetail("to", to).
		WithDetail("allowed", models.NextStatuses(from))
}

func cancelOpenJobs(tx *gorm.DB, workOrderId uuid.UUID, reason string) error {
	if err := models.CancelEnrichmentJobs(tx, workOrderId, reason); err != nil {
		return err
	}
	return models.CancelGenerationJobs(tx, workOrderId, reason)
}

// systemTransition is used by the render pipeline for edges callers cannot request.
func systemTransition(tx *gorm.DB, wo *models.WorkOrder, to models.WorkOrderStatus, note string) error {
	if !models.CanTransition(wo.Status, to) {
		return invalidTransition(wo.Status, to)
	}
	return models.ChangeStatus(tx, wo, to, utils.Actor{Id: utils.SystemActorId, Name: "System"}, note, false)
}
