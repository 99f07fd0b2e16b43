package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
)

type WorkOrderDetail struct {
	WorkOrder        *models.WorkOrder                `json:"work_order"`
	LatestSnapshot   *models.ContractSnapshot         `json:"latest_snapshot"`
	SnapshotVersions []int                            `json:"snapshot_versions"`
	Evidence         []*models.EvidenceItem           `json:"evidence"`
	FieldLinks       []*models.FieldEvidenceLink      `json:"field_links"`
	Readiness        *models.ReadinessResult          `json:"readiness"`
	ReadinessError   *utils.Error                     `json:"readiness_error,omitempty"`
	EnrichmentJobs   []*models.EnrichmentJob          `json:"enrichment_jobs"`
	Packs            []*models.ReportPack             `json:"packs"`
	History          []*models.WorkOrderStatusHistory `json:"history"`
	GateOverrides    []*models.GateOverride           `json:"gate_overrides"`
	Releases         []*models.DeliverableRelease     `json:"releases"`
	NextStatuses     []models.WorkOrderStatus         `json:"next_statuses"`
}

func (e *Engine) CreateWorkOrder(ctx context.Context, input *models.NewWorkOrder) (wo *models.WorkOrder, err error) {
	ctx, span := e.startSpan(ctx, "CreateWorkOrder", uuid.Nil)
	defer func() { endSpan(span, err) }()
	return models.CreateWorkOrder(ctx, e.DB, input)
}

// GetWorkOrderDetail reads everything a caller needs to drive a work order.
// A readiness precondition (no profile configured) is reported inline.
func (e *Engine) GetWorkOrderDetail(ctx context.Context, workOrderId uuid.UUID) (detail *WorkOrderDetail, err error) {
	ctx, span := e.startSpan(ctx, "GetWorkOrderDetail", workOrderId)
	defer func() { endSpan(span, err) }()

	wo, err := models.GetWorkOrder(ctx, e.DB, workOrderId)
	if err != nil {
		return nil, err
	}
	detail = &WorkOrderDetail{WorkOrder: wo, NextStatuses: models.NextStatuses(wo.Status)}
	if detail.LatestSnapshot, err = models.LatestSnapshot(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.SnapshotVersions, err = models.SnapshotVersions(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.Evidence, err = models.ListEvidence(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.LatestSnapshot != nil {
		if detail.FieldLinks, err = models.ListFieldLinks(ctx, e.DB, wo.ID, detail.LatestSnapshot.Version); err != nil {
			return nil, err
		}
	}
	readiness, err := readinessFor(ctx, e.DB, wo)
	var typed *utils.Error
	switch {
	case err == nil:
		detail.Readiness = &readiness
	case errors.As(err, &typed) && typed.Kind == utils.KindPreconditionFailed:
		detail.ReadinessError = typed
	default:
		return nil, err
	}
	if detail.EnrichmentJobs, err = models.ListEnrichmentJobs(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.Packs, err = models.ListReportPacks(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.History, err = models.ListStatusHistory(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.GateOverrides, err = models.ListGateOverrides(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	if detail.Releases, err = models.ListReleases(ctx, e.DB, wo.ID); err != nil {
		return nil, err
	}
	return detail, nil
}

func (e *Engine) ListWorkOrders(ctx context.Context, filter models.WorkOrderFilter) ([]*models.WorkOrder, error) {
	return models.ListWorkOrders(ctx, e.DB, filter)
}

func (e *Engine) ListEvidenceProfiles(ctx context.Context, reportType, bankType string) ([]*models.EvidenceProfile, error) {
	return models.ListEvidenceProfiles(ctx, e.DB, reportType, bankType)
}
