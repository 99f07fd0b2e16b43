package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EnrichmentJobStatus string

const (
	EnrichmentJobStatusQueued    EnrichmentJobStatus = "QUEUED"
	EnrichmentJobStatusRunning   EnrichmentJobStatus = "RUNNING"
	EnrichmentJobStatusDone      EnrichmentJobStatus = "DONE"
	EnrichmentJobStatusFailed    EnrichmentJobStatus = "FAILED"
	EnrichmentJobStatusCancelled EnrichmentJobStatus = "CANCELLED"
)

func (s EnrichmentJobStatus) IsTerminal() bool {
	return s == EnrichmentJobStatusDone || s == EnrichmentJobStatusFailed || s == EnrichmentJobStatusCancelled
}

// EnrichmentJob is one extraction task against one evidence item. Once
// created, only the enrichment worker (and work order cancellation) writes
// its status.
//
// ActiveKey holds "work_order:item:kind" while the job is QUEUED or RUNNING
// and is cleared when it finishes; its unique index makes enqueue idempotent.
type EnrichmentJob struct {
	ID              uuid.UUID           `gorm:"type:char(36);primaryKey" json:"id"`
	WorkOrderId     uuid.UUID           `gorm:"type:char(36);index;not null" json:"work_order_id"`
	EvidenceItemId  uuid.UUID           `gorm:"type:char(36);index;not null" json:"evidence_item_id"`
	Kind            JobKind             `gorm:"type:varchar(30);not null" json:"kind"`
	Status          EnrichmentJobStatus `gorm:"size:20;not null;index:idx_enrichment_claim,priority:1" json:"status"`
	ActiveKey       *string             `gorm:"size:120;uniqueIndex" json:"-"`
	Result          datatypes.JSON      `json:"result,omitempty"`
	ErrorReason     *string             `gorm:"type:text" json:"error_reason,omitempty"`
	Attempts        int                 `gorm:"not null;default:0" json:"attempts"`
	CancelRequested bool                `gorm:"not null;default:false" json:"cancel_requested"`
	ExternalRef     *string             `gorm:"size:255" json:"external_ref,omitempty"`
	LockedAt        *time.Time          `gorm:"index" json:"-"`
	LockedBy        *string             `gorm:"size:100" json:"-"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	CreatedBy       string              `gorm:"size:100" json:"created_by"`
	CreatedAt       time.Time           `gorm:"autoCreateTime;index:idx_enrichment_claim,priority:2" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *EnrichmentJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

func EnrichmentActiveKey(workOrderId, evidenceItemId uuid.UUID, kind JobKind) string {
	return fmt.Sprintf("%s:%s:%s", workOrderId, evidenceItemId, kind)
}

// FindActiveEnrichmentJob returns the QUEUED/RUNNING job holding key, if any.
func FindActiveEnrichmentJob(tx *gorm.DB, key string) (*EnrichmentJob, error) {
	var job EnrichmentJob
	err := tx.Where("active_key = ?", key).Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func GetEnrichmentJob(ctx context.Context, db *gorm.DB, id uuid.UUID) (*EnrichmentJob, error) {
	return utils.FetchModel[EnrichmentJob](ctx, db, "enrichment_job", id)
}

func ListEnrichmentJobs(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]*EnrichmentJob, error) {
	var jobs []*EnrichmentJob
	err := db.WithContext(ctx).Where("work_order_id = ?", workOrderId).Order("created_at, id").Find(&jobs).Error
	return jobs, err
}

func sourceOfTruthKindNames() []string {
	out := []string{}
	for _, k := range jobKinds {
		if k.IsSourceOfTruth() {
			out = append(out, k.String())
		}
	}
	return out
}

// ExtractedEvidenceIds returns the evidence items of a work order that have a
// DONE job of a source-of-truth kind.
func ExtractedEvidenceIds(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) (map[uuid.UUID]bool, error) {
	var ids []uuid.UUID
	err := db.WithContext(ctx).Model(&EnrichmentJob{}).
		Where("work_order_id = ? AND status = ? AND kind IN ?", workOrderId, EnrichmentJobStatusDone, sourceOfTruthKindNames()).
		Distinct().
		Pluck("evidence_item_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// CountOpenEnrichmentJobs counts QUEUED/RUNNING jobs per work order.
func CountOpenEnrichmentJobs(ctx context.Context, db *gorm.DB, workOrderIds []uuid.UUID) (map[uuid.UUID]int, error) {
	type row struct {
		WorkOrderId uuid.UUID
		N           int
	}
	out := make(map[uuid.UUID]int, len(workOrderIds))
	if len(workOrderIds) == 0 {
		return out, nil
	}
	var rows []row
	err := db.WithContext(ctx).Model(&EnrichmentJob{}).
		Select("work_order_id, COUNT(*) AS n").
		Where("work_order_id IN ? AND status IN ?", workOrderIds, []EnrichmentJobStatus{EnrichmentJobStatusQueued, EnrichmentJobStatusRunning}).
		Group("work_order_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.WorkOrderId] = r.N
	}
	return out, nil
}

// CancelEnrichmentJobs propagates a work order cancellation: queued jobs are
// cancelled outright, running jobs are flagged for the worker.
func CancelEnrichmentJobs(tx *gorm.DB, workOrderId uuid.UUID, reason string) error {
	now := time.Now().UTC()
	err := tx.Model(&EnrichmentJob{}).
		Where("work_order_id = ? AND status = ?", workOrderId, EnrichmentJobStatusQueued).
		Updates(map[string]interface{}{
			"status":       EnrichmentJobStatusCancelled,
			"error_reason": reason,
			"active_key":   nil,
			"finished_at":  &now,
		}).Error
	if err != nil {
		return err
	}
	return tx.Model(&EnrichmentJob{}).
		Where("work_order_id = ? AND status = ?", workOrderId, EnrichmentJobStatusRunning).
		Update("cancel_requested", true).Error
}
