package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/repogen/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ComputeReadiness scores the work order's evidence against its profile.
func (e *Engine) ComputeReadiness(ctx context.Context, workOrderId uuid.UUID) (res models.ReadinessResult, err error) {
	ctx, span := e.startSpan(ctx, "ComputeReadiness", workOrderId)
	defer func() { endSpan(span, err) }()

	wo, err := models.GetWorkOrder(ctx, e.DB, workOrderId)
	if err != nil {
		return models.ReadinessResult{}, err
	}
	return readinessFor(ctx, e.DB, wo)
}

// readinessFor gathers readiness inputs through db, which may be a locked tx.
func readinessFor(ctx context.Context, db *gorm.DB, wo *models.WorkOrder) (models.ReadinessResult, error) {
	profile, err := models.ResolveEvidenceProfile(ctx, db, wo.ReportType, wo.BankType)
	if err != nil {
		return models.ReadinessResult{}, err
	}
	evidence, err := models.ListEvidence(ctx, db, wo.ID)
	if err != nil {
		return models.ReadinessResult{}, err
	}
	extracted, err := models.ExtractedEvidenceIds(ctx, db, wo.ID)
	if err != nil {
		return models.ReadinessResult{}, err
	}
	in := models.ReadinessInput{
		WorkOrderId: wo.ID,
		Profile:     profile,
		Evidence:    evidence,
		Extracted:   extracted,
	}
	latest, err := models.LatestSnapshot(ctx, db, wo.ID)
	if err != nil {
		return models.ReadinessResult{}, err
	}
	if latest != nil {
		in.SnapshotVersion = latest.Version
		if in.FieldLinks, err = models.ListFieldLinks(ctx, db, wo.ID, latest.Version); err != nil {
			return models.ReadinessResult{}, err
		}
	}
	return models.ComputeReadiness(in), nil
}
