package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
)

// GetEventStatus reports how far a work order's events got through publishing.
func (e *Engine) GetEventStatus(ctx context.Context, workOrderId uuid.UUID) (*models.EventPublishStatus, error) {
	if _, err := models.GetWorkOrder(ctx, e.DB, workOrderId); err != nil {
		return nil, err
	}
	return models.GetEventPublishStatus(ctx, e.DB, workOrderId)
}

// ReplayEvents requeues FAILED and DEAD events of a work order. Admin only.
func (e *Engine) ReplayEvents(ctx context.Context, workOrderId uuid.UUID) (*models.EventPublishStatus, error) {
	if !utils.IsAdminContext(ctx) {
		return nil, utils.NewPreconditionFailed("admin_required", "replaying events requires an admin token", nil)
	}
	if _, err := models.GetWorkOrder(ctx, e.DB, workOrderId); err != nil {
		return nil, err
	}
	n, err := models.ReplayWorkOrderEvents(ctx, e.DB, workOrderId)
	if err != nil {
		return nil, err
	}
	e.Logger.WithField("work_order_id", workOrderId.String()).Infof("requeued %d events", n)
	return models.GetEventPublishStatus(ctx, e.DB, workOrderId)
}
