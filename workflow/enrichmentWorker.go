package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnrichmentWorker owns enrichment job status once a job exists. Instances
// claim QUEUED jobs with SKIP LOCKED, so any number can run side by side.
type EnrichmentWorker struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Extractor Extractor
	Store     utils.ObjectStore
	WorkerID  string

	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	// LockTimeout is how long a RUNNING job may go without a heartbeat before
	// another worker reclaims it.
	LockTimeout      time.Duration
	MaxAttempts      int
	TaskPollInterval time.Duration
	TaskTimeout      time.Duration
	SignedURLTTL     time.Duration
}

func NewEnrichmentWorker(db *gorm.DB, logger *logrus.Logger) *EnrichmentWorker {
	return &EnrichmentWorker{
		DB:               db,
		Logger:           logger,
		Extractor:        NewHTTPExtractorFromEnv(),
		WorkerID:         "enrichment-" + uuid.NewString(),
		Concurrency:      utils.IntFromEnv("ENRICHMENT_CONCURRENCY", 4),
		BatchSize:        utils.IntFromEnv("ENRICHMENT_BATCH_SIZE", 8),
		PollInterval:     utils.DurationFromEnv("ENRICHMENT_POLL_INTERVAL", 2*time.Second),
		LockTimeout:      utils.DurationFromEnv("ENRICHMENT_LOCK_TIMEOUT", 2*time.Minute),
		MaxAttempts:      utils.IntFromEnv("ENRICHMENT_MAX_ATTEMPTS", 3),
		TaskPollInterval: utils.DurationFromEnv("EXTRACTOR_POLL_INTERVAL", 3*time.Second),
		TaskTimeout:      utils.DurationFromEnv("EXTRACTOR_TASK_TIMEOUT", 10*time.Minute),
		SignedURLTTL:     utils.DurationFromEnv("EXTRACTOR_SIGNED_URL_TTL", 30*time.Minute),
	}
}

// Run claims and processes jobs until ctx is done. At most Concurrency jobs
// are in flight, and the worker claims only as many as it has idle slots.
func (w *EnrichmentWorker) Run(ctx context.Context) {
	ctx = utils.SystemContext(ctx)
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	finished := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	idle := concurrency
	for {
		if ctx.Err() != nil {
			return
		}
		if idle > 0 {
			claimed, err := w.claim(ctx, idle)
			if err != nil {
				w.log().WithError(err).WithField("worker_id", w.WorkerID).Error("enrichment claim failed")
			}
			for _, job := range claimed {
				idle--
				wg.Add(1)
				go func(job models.EnrichmentJob) {
					defer wg.Done()
					w.process(ctx, job)
					finished <- struct{}{}
				}(job)
			}
			if len(claimed) > 0 && idle > 0 {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-finished:
			idle++
		case <-time.After(w.PollInterval):
		}
	}
}

func (w *EnrichmentWorker) log() *logrus.Logger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}

// claim moves up to limit jobs to RUNNING. Stale RUNNING jobs are reclaimed;
// jobs out of attempts fail, and flagged ones are cancelled instead.
func (w *EnrichmentWorker) claim(ctx context.Context, limit int) ([]models.EnrichmentJob, error) {
	if w.BatchSize > 0 && w.BatchSize < limit {
		limit = w.BatchSize
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-w.LockTimeout)
	var (
		candidates []models.EnrichmentJob
		claimed    []models.EnrichmentJob
	)
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("status = ? OR (status = ? AND (locked_at IS NULL OR locked_at <= ?))",
				models.EnrichmentJobStatusQueued, models.EnrichmentJobStatusRunning, staleBefore).
			Order("created_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		for i := range candidates {
			job := candidates[i]
			if job.CancelRequested {
				if err := finishEnrichmentJob(tx, &job, models.EnrichmentJobStatusCancelled, nil, CancelReasonWorkOrderCancelled); err != nil {
					return err
				}
				continue
			}
			if w.MaxAttempts > 0 && job.Attempts >= w.MaxAttempts {
				msg := fmt.Sprintf("max attempts exceeded (%d)", w.MaxAttempts)
				if err := finishEnrichmentJob(tx, &job, models.EnrichmentJobStatusFailed, nil, msg); err != nil {
					return err
				}
				continue
			}
			updates := map[string]interface{}{
				"status":    models.EnrichmentJobStatusRunning,
				"locked_at": &now,
				"locked_by": w.WorkerID,
				"attempts":  gorm.Expr("attempts + 1"),
			}
			if job.StartedAt == nil {
				updates["started_at"] = &now
			}
			if err := tx.Model(&models.EnrichmentJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
				return err
			}
			job.Status = models.EnrichmentJobStatusRunning
			job.Attempts++
			job.LockedBy = &w.WorkerID
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (w *EnrichmentWorker) process(ctx context.Context, job models.EnrichmentJob) {
	logger := w.log().WithFields(logrus.Fields{
		"field":             "EnrichmentWorker",
		"enrichment_job_id": job.ID.String(),
		"work_order_id":     job.WorkOrderId.String(),
		"kind":              job.Kind.String(),
		"attempt":           job.Attempts,
	})
	status, taskId, err := w.extract(ctx, &job)
	switch {
	case errors.Is(err, errJobCancelled):
		err = w.finish(ctx, job.ID, models.EnrichmentJobStatusCancelled, nil, CancelReasonWorkOrderCancelled)
	case err != nil && utils.KindOf(err) == utils.KindDependencyUnavailable:
		// left RUNNING; reclaimed after LockTimeout and counted as another attempt
		logger.WithError(err).Warn("extractor unavailable, job will be retried")
		return
	case err != nil:
		err = w.finish(ctx, job.ID, models.EnrichmentJobStatusFailed, nil, err.Error())
	case status.State == ExtractionFailed:
		reason := status.Error
		if reason == "" {
			reason = "extraction failed"
		}
		err = w.finish(ctx, job.ID, models.EnrichmentJobStatusFailed, nil, reason)
	default:
		var result []byte
		if result, err = extractionResult(taskId, status); err == nil {
			err = w.finish(ctx, job.ID, models.EnrichmentJobStatusDone, result, "")
		}
	}
	if err != nil {
		logger.WithError(err).Error("enrichment job could not be finished")
	}
}

var errJobCancelled = errors.New("job cancelled")

// extract submits the item (unless a previous attempt already did) and polls
// the task to a final state, heartbeating the job lock as it goes.
func (w *EnrichmentWorker) extract(ctx context.Context, job *models.EnrichmentJob) (ExtractionStatus, string, error) {
	if w.Extractor == nil {
		return ExtractionStatus{}, "", utils.NewDependencyUnavailable("extractor", errors.New("extractor is not configured"))
	}
	taskId := ""
	if job.ExternalRef != nil {
		taskId = *job.ExternalRef
	}
	if taskId == "" {
		items, err := models.GetEvidenceItems(ctx, w.DB, []uuid.UUID{job.EvidenceItemId})
		if err != nil {
			return ExtractionStatus{}, "", err
		}
		item, ok := items[job.EvidenceItemId]
		if !ok {
			return ExtractionStatus{}, "", utils.NewJobFailed("evidence_item_missing", "evidence item no longer exists")
		}
		store := w.Store
		if store == nil {
			if store, err = utils.GetObjectStore(ctx); err != nil {
				return ExtractionStatus{}, "", err
			}
		}
		signed, err := store.SignedURL(ctx, item.FileRef, w.SignedURLTTL)
		if err != nil {
			return ExtractionStatus{}, "", utils.NewDependencyUnavailable("storage", err)
		}
		taskId, err = w.Extractor.Submit(ctx, signed, job.ID.String(), job.Kind.String())
		if err != nil {
			return ExtractionStatus{}, "", err
		}
		err = w.DB.WithContext(ctx).Model(&models.EnrichmentJob{}).
			Where("id = ? AND locked_by = ?", job.ID, w.WorkerID).
			Update("external_ref", taskId).Error
		if err != nil {
			return ExtractionStatus{}, "", err
		}
	}

	deadline := time.Now().Add(w.TaskTimeout)
	for {
		status, err := w.Extractor.Status(ctx, taskId)
		if err != nil {
			return ExtractionStatus{}, taskId, err
		}
		if status.Finished() {
			return status, taskId, nil
		}
		cancelled, err := w.heartbeat(ctx, job.ID)
		if err != nil {
			return ExtractionStatus{}, taskId, err
		}
		if cancelled {
			return ExtractionStatus{}, taskId, errJobCancelled
		}
		if time.Now().After(deadline) {
			return ExtractionStatus{}, taskId, utils.NewJobFailed("extraction_timeout", fmt.Sprintf("extraction still %s after %s", status.State, w.TaskTimeout))
		}
		select {
		case <-ctx.Done():
			return ExtractionStatus{}, taskId, utils.NewDependencyUnavailable("extractor", ctx.Err())
		case <-time.After(w.TaskPollInterval):
		}
	}
}

// heartbeat refreshes locked_at and reports whether cancellation was requested.
func (w *EnrichmentWorker) heartbeat(ctx context.Context, jobId uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	db := w.DB.WithContext(ctx)
	if err := db.Model(&models.EnrichmentJob{}).
		Where("id = ? AND locked_by = ?", jobId, w.WorkerID).
		Update("locked_at", &now).Error; err != nil {
		return false, err
	}
	var job models.EnrichmentJob
	if err := db.Select("id", "cancel_requested", "status").Where("id = ?", jobId).Take(&job).Error; err != nil {
		return false, err
	}
	return job.CancelRequested || job.Status == models.EnrichmentJobStatusCancelled, nil
}

func (w *EnrichmentWorker) finish(ctx context.Context, jobId uuid.UUID, status models.EnrichmentJobStatus, result []byte, reason string) error {
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.EnrichmentJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobId).Take(&job).Error; err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		return finishEnrichmentJob(tx, &job, status, result, reason)
	})
}

// finishEnrichmentJob writes the terminal state of a locked job and frees its
// active key. A cancellation request wins over a successful result.
func finishEnrichmentJob(tx *gorm.DB, job *models.EnrichmentJob, status models.EnrichmentJobStatus, result []byte, reason string) error {
	if job.CancelRequested && status == models.EnrichmentJobStatusDone {
		status, result, reason = models.EnrichmentJobStatusCancelled, nil, CancelReasonWorkOrderCancelled
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      status,
		"active_key":  nil,
		"finished_at": &now,
		"locked_at":   nil,
		"locked_by":   nil,
	}
	if result != nil {
		updates["result"] = datatypes.JSON(result)
	}
	if reason != "" {
		updates["error_reason"] = reason
	}
	if err := tx.Model(&models.EnrichmentJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return err
	}
	job.Status = status

	wo, err := models.GetWorkOrder(tx.Statement.Context, tx, job.WorkOrderId)
	if err != nil {
		return err
	}
	return models.RecordEvent(tx, wo, models.EventEnrichmentFinished, map[string]any{
		"enrichment_job_id": job.ID,
		"evidence_item_id":  job.EvidenceItemId,
		"kind":              job.Kind.String(),
		"status":            status,
		"error_reason":      reason,
	})
}
