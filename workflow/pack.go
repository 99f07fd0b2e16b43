package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateOrReusePack returns the usable pack for (work order, version), or
// creates one with a QUEUED generation job over the canonical bundle.
// created reports whether a new pack was made.
func (e *Engine) CreateOrReusePack(ctx context.Context, workOrderId uuid.UUID, snapshotVersion int) (pack *models.ReportPack, created bool, err error) {
	if snapshotVersion <= 0 {
		return nil, false, utils.NewValidationError("invalid_snapshot_version", "snapshot_version must be positive")
	}
	err = e.mutate(ctx, "CreateOrReusePack", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		if err := requireNotTerminal(wo); err != nil {
			return err
		}
		existing, err := models.FindActivePack(tx, wo.ID, snapshotVersion)
		if err != nil {
			return err
		}
		if existing != nil {
			pack = existing
			return nil
		}
		if wo.Status != models.WorkOrderStatusReadyForRender && wo.Status != models.WorkOrderStatusRendering {
			return utils.NewPreconditionFailed("work_order_not_ready", "packs are generated once the work order is ready for render", map[string]any{
				"status": wo.Status,
			})
		}
		snapshot, err := models.GetSnapshotByVersion(ctx, tx, wo.ID, snapshotVersion)
		if err != nil {
			return err
		}
		pack, created, err = createOrReusePack(ctx, tx, wo, snapshot, actor)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return pack, created, nil
}

// createOrReusePack runs inside a transaction holding the work order lock.
func createOrReusePack(ctx context.Context, tx *gorm.DB, wo *models.WorkOrder, snapshot *models.ContractSnapshot, actor utils.Actor) (*models.ReportPack, bool, error) {
	existing, err := models.FindActivePack(tx, wo.ID, snapshot.Version)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	bundle, err := buildBundle(ctx, tx, wo, snapshot)
	if err != nil {
		return nil, false, err
	}
	raw, digest, err := bundle.Canonical()
	if err != nil {
		return nil, false, err
	}

	pack := &models.ReportPack{
		WorkOrderId:     wo.ID,
		SnapshotId:      snapshot.ID,
		SnapshotVersion: snapshot.Version,
		ActiveKey:       stringPtr(models.PackActiveKey(wo.ID, snapshot.Version)),
		CreatedBy:       actor.Id,
		Artifacts:       []models.Artifact{},
	}
	if err := tx.Omit("Job", "Artifacts").Create(pack).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, false, utils.NewConflictError("pack_conflict", "a pack for this snapshot version is being created")
		}
		return nil, false, err
	}
	job := &models.GenerationJob{
		ReportPackId: pack.ID,
		WorkOrderId:  wo.ID,
		Status:       models.GenerationJobStatusQueued,
		TemplateKey:  wo.TemplateKey,
		Bundle:       raw,
		BundleDigest: digest,
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, false, err
	}
	pack.Job = job

	err = models.RecordEvent(tx, wo, models.EventPackQueued, map[string]any{
		"report_pack_id":    pack.ID,
		"generation_job_id": job.ID,
		"snapshot_version":  snapshot.Version,
		"bundle_digest":     digest,
	})
	if err != nil {
		return nil, false, err
	}
	return pack, true, nil
}

// GetReportPack reads a pack with its job and artifacts.
func (e *Engine) GetReportPack(ctx context.Context, packId uuid.UUID) (*models.ReportPack, error) {
	pack, err := models.GetReportPack(ctx, e.DB, packId)
	if err != nil {
		return nil, err
	}
	if _, err := models.GetWorkOrder(ctx, e.DB, pack.WorkOrderId); err != nil {
		// packs carry no tenant column; the owning work order does
		return nil, utils.NewNotFound("report_pack")
	}
	return pack, nil
}
