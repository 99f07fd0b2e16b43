package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RenderOutcome is what the renderer reported for one generation job, by
// polling or by callback.
type RenderOutcome struct {
	Status      models.GenerationJobStatus
	Artifacts   []RenderedArtifact
	Reason      string
	ExternalRef string
}

// RenderDispatcher submits QUEUED generation jobs to the renderer and polls
// them to a final state. It is the only writer of RUNNING jobs apart from
// the callback handler, and both finish through CompleteGenerationJob.
type RenderDispatcher struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Renderer Renderer
	WorkerID string

	BatchSize    int
	PollInterval time.Duration
	// StatusInterval spaces renderer status checks for one job.
	StatusInterval time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	RenderTimeout  time.Duration
}

func NewRenderDispatcher(db *gorm.DB, logger *logrus.Logger, renderer Renderer) *RenderDispatcher {
	return &RenderDispatcher{
		DB:             db,
		Logger:         logger,
		Renderer:       renderer,
		WorkerID:       "render-" + uuid.NewString(),
		BatchSize:      utils.IntFromEnv("RENDER_BATCH_SIZE", 10),
		PollInterval:   utils.DurationFromEnv("RENDER_POLL_INTERVAL", time.Second),
		StatusInterval: utils.DurationFromEnv("RENDER_STATUS_INTERVAL", 5*time.Second),
		LockTimeout:    utils.DurationFromEnv("RENDER_LOCK_TIMEOUT", 2*time.Minute),
		MaxAttempts:    utils.IntFromEnv("RENDER_MAX_ATTEMPTS", 5),
		RenderTimeout:  utils.DurationFromEnv("RENDER_TIMEOUT", 30*time.Minute),
	}
}

func (d *RenderDispatcher) Run(ctx context.Context) {
	ctx = utils.SystemContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *RenderDispatcher) log() *logrus.Entry {
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{"field": "RenderDispatcher", "worker_id": d.WorkerID})
}

func (d *RenderDispatcher) dispatchOnce(ctx context.Context) {
	ids, err := d.queuedJobIds(ctx)
	if err != nil {
		d.log().WithError(err).Error("list queued generation jobs failed")
	}
	for _, id := range ids {
		job, err := d.claim(ctx, id)
		if err != nil {
			d.log().WithError(err).WithField("generation_job_id", id.String()).Error("claim generation job failed")
			continue
		}
		if job != nil {
			d.submit(ctx, job)
		}
	}

	due, err := d.claimDue(ctx)
	if err != nil {
		d.log().WithError(err).Error("claim due generation jobs failed")
	}
	for i := range due {
		if due[i].ExternalRef == nil {
			d.submit(ctx, &due[i])
			continue
		}
		d.poll(ctx, &due[i])
	}
}

func (d *RenderDispatcher) queuedJobIds(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := d.DB.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("status = ?", models.GenerationJobStatusQueued).
		Order("created_at ASC").
		Limit(d.BatchSize).
		Pluck("id", &ids).Error
	return ids, err
}

// claim moves one QUEUED job to RUNNING and its work order from
// READY_FOR_RENDER to RENDERING, in one transaction under the work order lock.
// It returns nil when another dispatcher got there first.
func (d *RenderDispatcher) claim(ctx context.Context, jobId uuid.UUID) (*models.GenerationJob, error) {
	var claimed *models.GenerationJob
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workOrderId uuid.UUID
		if err := tx.Model(&models.GenerationJob{}).Where("id = ?", jobId).Pluck("work_order_id", &workOrderId).Error; err != nil {
			return err
		}
		wo, err := models.LockWorkOrder(tx, workOrderId)
		if err != nil {
			return err
		}
		var job models.GenerationJob
		err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND status = ?", jobId, models.GenerationJobStatusQueued).
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch wo.Status {
		case models.WorkOrderStatusReadyForRender:
			if err := systemTransition(tx, wo, models.WorkOrderStatusRendering, "render started"); err != nil {
				return err
			}
		case models.WorkOrderStatusRendering:
		default:
			// the work order moved on without cancelling this job
			reason := "work order is " + string(wo.Status)
			return finishGenerationJob(tx, wo, &job, RenderOutcome{Status: models.GenerationJobStatusCancelled, Reason: reason})
		}

		now := time.Now().UTC()
		next := now.Add(d.StatusInterval)
		err = tx.Model(&models.GenerationJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":       models.GenerationJobStatusRunning,
			"locked_at":    &now,
			"locked_by":    d.WorkerID,
			"attempts":     gorm.Expr("attempts + 1"),
			"next_poll_at": &next,
		}).Error
		if err != nil {
			return err
		}
		job.Status = models.GenerationJobStatusRunning
		job.Attempts++
		claimed = &job
		return nil
	})
	return claimed, err
}

// claimDue leases RUNNING jobs whose next status check is due, or whose
// lease went stale before submission.
func (d *RenderDispatcher) claimDue(ctx context.Context) ([]models.GenerationJob, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	var due []models.GenerationJob
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("status = ? AND cancel_requested = ?", models.GenerationJobStatusRunning, false).
			Where("(external_ref IS NOT NULL AND (next_poll_at IS NULL OR next_poll_at <= ?)) OR (external_ref IS NULL AND (locked_at IS NULL OR locked_at <= ?))", now, staleBefore).
			Order("next_poll_at ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil || len(due) == 0 {
			return err
		}
		ids := make([]uuid.UUID, 0, len(due))
		for _, j := range due {
			ids = append(ids, j.ID)
		}
		next := now.Add(d.StatusInterval)
		return tx.Model(&models.GenerationJob{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"locked_at":    &now,
			"locked_by":    d.WorkerID,
			"next_poll_at": &next,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	// cancelled RUNNING jobs are finished without asking the renderer
	var cancelled []uuid.UUID
	err = d.DB.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("status = ? AND cancel_requested = ?", models.GenerationJobStatusRunning, true).
		Limit(d.BatchSize).
		Pluck("id", &cancelled).Error
	if err != nil {
		return due, err
	}
	for _, id := range cancelled {
		if _, err := CompleteGenerationJob(ctx, d.DB, id, RenderOutcome{Status: models.GenerationJobStatusCancelled}); err != nil {
			d.log().WithError(err).WithField("generation_job_id", id.String()).Error("cancel generation job failed")
		}
	}
	return due, nil
}

func (d *RenderDispatcher) submit(ctx context.Context, job *models.GenerationJob) {
	logger := d.log().WithFields(logrus.Fields{
		"generation_job_id": job.ID.String(),
		"work_order_id":     job.WorkOrderId.String(),
		"attempt":           job.Attempts,
	})
	if d.Renderer == nil {
		logger.Error("renderer is not configured")
		return
	}
	renderId, err := d.Renderer.Submit(ctx, job.ID.String(), job.TemplateKey, job.Bundle)
	if err != nil {
		if utils.KindOf(err) == utils.KindDependencyUnavailable && (d.MaxAttempts <= 0 || job.Attempts < d.MaxAttempts) {
			d.bumpAttempt(ctx, job.ID)
			logger.WithError(err).Warn("renderer unavailable, submission will be retried")
			return
		}
		d.fail(ctx, job.ID, "render submission failed: "+err.Error(), logger)
		return
	}
	now := time.Now().UTC()
	next := now.Add(d.StatusInterval)
	err = d.DB.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND status = ?", job.ID, models.GenerationJobStatusRunning).
		Updates(map[string]interface{}{
			"external_ref": renderId,
			"submitted_at": &now,
			"next_poll_at": &next,
		}).Error
	if err != nil {
		logger.WithError(err).Error("record render submission failed")
		return
	}
	logger.WithField("render_id", renderId).Info("render submitted")
}

// bumpAttempt counts a failed submission and lets the lease go stale so the
// job is retried after LockTimeout.
func (d *RenderDispatcher) bumpAttempt(ctx context.Context, jobId uuid.UUID) {
	_ = d.DB.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ?", jobId).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

func (d *RenderDispatcher) poll(ctx context.Context, job *models.GenerationJob) {
	logger := d.log().WithFields(logrus.Fields{
		"generation_job_id": job.ID.String(),
		"work_order_id":     job.WorkOrderId.String(),
		"render_id":         *job.ExternalRef,
	})
	status, err := d.Renderer.Status(ctx, *job.ExternalRef)
	if err != nil {
		if errors.Is(err, errNotFound) {
			d.fail(ctx, job.ID, "renderer lost render "+*job.ExternalRef, logger)
			return
		}
		logger.WithError(err).Warn("render status check failed")
		return
	}
	if !status.Finished() {
		if job.SubmittedAt != nil && d.RenderTimeout > 0 && time.Since(*job.SubmittedAt) > d.RenderTimeout {
			d.fail(ctx, job.ID, fmt.Sprintf("render still %s after %s", status.State, d.RenderTimeout), logger)
		}
		return
	}
	outcome := RenderOutcome{ExternalRef: *job.ExternalRef, Artifacts: status.Artifacts, Reason: status.Error}
	if status.State == RenderCompleted {
		outcome.Status = models.GenerationJobStatusCompleted
	} else {
		outcome.Status = models.GenerationJobStatusFailed
	}
	if _, err := CompleteGenerationJob(ctx, d.DB, job.ID, outcome); err != nil {
		logger.WithError(err).Error("complete generation job failed")
	}
}

func (d *RenderDispatcher) fail(ctx context.Context, jobId uuid.UUID, reason string, logger *logrus.Entry) {
	_, err := CompleteGenerationJob(ctx, d.DB, jobId, RenderOutcome{Status: models.GenerationJobStatusFailed, Reason: reason})
	if err != nil {
		logger.WithError(err).Error("fail generation job failed")
		return
	}
	logger.Warn(reason)
}

// CompleteGenerationJob is the one completion path for generation jobs. It
// locks the work order, then the job; a job already in a final state is left
// alone and applied is false, which makes redelivered callbacks harmless.
func CompleteGenerationJob(ctx context.Context, db *gorm.DB, jobId uuid.UUID, outcome RenderOutcome) (applied bool, err error) {
	ctx = utils.SystemContext(ctx)
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workOrderId uuid.UUID
		if err := tx.Model(&models.GenerationJob{}).Where("id = ?", jobId).Pluck("work_order_id", &workOrderId).Error; err != nil {
			return err
		}
		if workOrderId == uuid.Nil {
			return utils.NewNotFound("generation_job")
		}
		wo, err := models.LockWorkOrder(tx, workOrderId)
		if err != nil {
			return err
		}
		var job models.GenerationJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobId).Take(&job).Error; err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		if outcome.ExternalRef != "" && job.ExternalRef != nil && *job.ExternalRef != outcome.ExternalRef {
			return utils.NewValidationError("render_ref_mismatch", "render id does not match the job's submission").
				WithDetail("expected", *job.ExternalRef).
				WithDetail("got", outcome.ExternalRef)
		}
		applied = true
		return finishGenerationJob(tx, wo, &job, outcome)
	})
	return applied, err
}

// finishGenerationJob writes a final job state with the work order locked.
// A pending cancellation wins over whatever the renderer said, and only a
// completed job gets artifacts.
func finishGenerationJob(tx *gorm.DB, wo *models.WorkOrder, job *models.GenerationJob, outcome RenderOutcome) error {
	status := outcome.Status
	reason := strings.TrimSpace(outcome.Reason)
	if job.CancelRequested || wo.Status == models.WorkOrderStatusCancelled || wo.Status == models.WorkOrderStatusFailed {
		status = models.GenerationJobStatusCancelled
		if reason == "" || outcome.Status != models.GenerationJobStatusCancelled {
			reason = CancelReasonWorkOrderCancelled
			if wo.Status == models.WorkOrderStatusFailed {
				reason = CancelReasonWorkOrderFailed
			}
		}
	}
	if status == models.GenerationJobStatusCompleted && len(outcome.Artifacts) == 0 {
		status, reason = models.GenerationJobStatusFailed, "renderer reported no artifacts"
	}
	if status == models.GenerationJobStatusFailed && reason == "" {
		reason = "render failed"
	}

	artifactCount := 0
	if status == models.GenerationJobStatusCompleted {
		rows := make([]models.Artifact, 0, len(outcome.Artifacts))
		for _, a := range outcome.Artifacts {
			if strings.TrimSpace(a.StorageRef) == "" {
				return utils.NewValidationError("invalid_artifact", "artifact storage_ref is required")
			}
			rows = append(rows, models.Artifact{
				ReportPackId:    job.ReportPackId,
				GenerationJobId: job.ID,
				FileKind:        strings.ToUpper(strings.TrimSpace(a.FileKind)),
				StorageRef:      strings.TrimSpace(a.StorageRef),
				ContentType:     a.ContentType,
				Checksum:        a.Checksum,
			})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return err
		}
		artifactCount = len(rows)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"finished_at":  &now,
		"locked_at":    nil,
		"locked_by":    nil,
		"next_poll_at": nil,
	}
	if reason != "" && status != models.GenerationJobStatusCompleted {
		updates["error_reason"] = reason
	}
	if outcome.ExternalRef != "" && job.ExternalRef == nil {
		updates["external_ref"] = outcome.ExternalRef
	}
	if err := tx.Model(&models.GenerationJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return err
	}
	job.Status = status

	if status != models.GenerationJobStatusCompleted {
		if err := models.ReleasePackKey(tx, job.ReportPackId); err != nil {
			return err
		}
	}

	if wo.Status == models.WorkOrderStatusRendering {
		var open int64
		err := tx.Model(&models.GenerationJob{}).
			Where("work_order_id = ? AND id <> ? AND status IN ?", wo.ID, job.ID,
				[]models.GenerationJobStatus{models.GenerationJobStatusQueued, models.GenerationJobStatusRunning}).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open == 0 {
			switch status {
			case models.GenerationJobStatusCompleted:
				err = systemTransition(tx, wo, models.WorkOrderStatusCompleted, "render completed")
			default:
				err = systemTransition(tx, wo, models.WorkOrderStatusReadyForRender, "render "+strings.ToLower(string(status))+": "+reason)
			}
			if err != nil {
				return err
			}
		}
	}

	eventType := models.EventPackCompleted
	if status != models.GenerationJobStatusCompleted {
		eventType = models.EventPackFailed
	}
	return models.RecordEvent(tx, wo, eventType, map[string]any{
		"report_pack_id":    job.ReportPackId,
		"generation_job_id": job.ID,
		"status":            status,
		"error_reason":      reason,
		"artifact_count":    artifactCount,
	})
}
