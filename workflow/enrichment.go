package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EnqueueInput struct {
	EvidenceItemId string `json:"evidence_item_id" binding:"required,uuid"`
	// Kind defaults to OCR_FIELDS.
	Kind string `json:"kind"`
}

// EnqueueOCR queues an extraction job for one evidence item. While a job for
// (work order, item, kind) is QUEUED or RUNNING the same job is returned.
func (e *Engine) EnqueueOCR(ctx context.Context, workOrderId uuid.UUID, input EnqueueInput) (job *models.EnrichmentJob, created bool, err error) {
	itemId, err := utils.ParseId("evidence_item_id", input.EvidenceItemId)
	if err != nil {
		return nil, false, err
	}
	kind := models.JobKindOCRFields
	if input.Kind != "" {
		if kind, err = models.ParseJobKind(input.Kind); err != nil {
			return nil, false, utils.NewValidationError("invalid_job_kind", err.Error())
		}
	}

	err = e.mutate(ctx, "EnqueueOCR", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		if err := requireNotTerminal(wo); err != nil {
			return err
		}
		items, err := models.GetEvidenceItems(ctx, tx, []uuid.UUID{itemId})
		if err != nil {
			return err
		}
		item, ok := items[itemId]
		if !ok {
			return utils.NewNotFound("evidence_item")
		}
		if item.WorkOrderId != wo.ID {
			return crossWorkOrderError("evidence item", itemId)
		}
		if !kind.Accepts(item.Kind.Type()) {
			return utils.NewValidationError("job_kind_not_applicable", kind.String()+" does not apply to "+string(item.Kind.Type())+" evidence")
		}

		key := models.EnrichmentActiveKey(wo.ID, item.ID, kind)
		existing, err := models.FindActiveEnrichmentJob(tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			job = existing
			return nil
		}
		job = &models.EnrichmentJob{
			WorkOrderId:    wo.ID,
			EvidenceItemId: item.ID,
			Kind:           kind,
			Status:         models.EnrichmentJobStatusQueued,
			ActiveKey:      stringPtr(key),
			CreatedBy:      actor.Id,
		}
		if err := tx.Create(job).Error; err != nil {
			if isDuplicateKeyErr(err) {
				job, err = models.FindActiveEnrichmentJob(tx, key)
				if err == nil && job == nil {
					err = utils.NewConflictError("enrichment_job_conflict", "enrichment job changed concurrently; retry")
				}
				return err
			}
			return err
		}
		created = true
		return models.RecordEvent(tx, wo, models.EventEnrichmentQueued, map[string]any{
			"enrichment_job_id": job.ID,
			"evidence_item_id":  item.ID,
			"kind":              kind.String(),
		})
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// GetEnrichmentJob reads a job, scoped through its work order's tenant.
func (e *Engine) GetEnrichmentJob(ctx context.Context, jobId uuid.UUID) (*models.EnrichmentJob, error) {
	job, err := models.GetEnrichmentJob(ctx, e.DB, jobId)
	if err != nil {
		return nil, err
	}
	if _, err := models.GetWorkOrder(ctx, e.DB, job.WorkOrderId); err != nil {
		return nil, utils.NewNotFound("enrichment_job")
	}
	return job, nil
}

// WaitForEnrichmentJob polls until the job is terminal or wait elapses.
// pending is true when the deadline passed first.
func (e *Engine) WaitForEnrichmentJob(ctx context.Context, jobId uuid.UUID, wait time.Duration) (*models.EnrichmentJob, bool, error) {
	return pollUntil(ctx, wait, func(ctx context.Context) (*models.EnrichmentJob, error) {
		return e.GetEnrichmentJob(ctx, jobId)
	}, func(j *models.EnrichmentJob) bool {
		return j.Status.IsTerminal()
	})
}

// WaitForReportPack polls until the pack's job is terminal or wait elapses.
func (e *Engine) WaitForReportPack(ctx context.Context, packId uuid.UUID, wait time.Duration) (*models.ReportPack, bool, error) {
	return pollUntil(ctx, wait, func(ctx context.Context) (*models.ReportPack, error) {
		return e.GetReportPack(ctx, packId)
	}, func(p *models.ReportPack) bool {
		return p.Job == nil || p.Job.Status.IsTerminal()
	})
}
