package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GenerationJobStatus string

const (
	GenerationJobStatusQueued    GenerationJobStatus = "QUEUED"
	GenerationJobStatusRunning   GenerationJobStatus = "RUNNING"
	GenerationJobStatusCompleted GenerationJobStatus = "COMPLETED"
	GenerationJobStatusFailed    GenerationJobStatus = "FAILED"
	GenerationJobStatusCancelled GenerationJobStatus = "CANCELLED"
)

func (s GenerationJobStatus) IsTerminal() bool {
	return s == GenerationJobStatusCompleted || s == GenerationJobStatusFailed || s == GenerationJobStatusCancelled
}

// ReportPack groups the artifacts rendered for one snapshot version.
// ActiveKey ("work_order:version") is held while the pack's job has not
// failed or been cancelled, so at most one usable pack exists per version.
type ReportPack struct {
	ID              uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	WorkOrderId     uuid.UUID      `gorm:"type:char(36);index;not null" json:"work_order_id"`
	SnapshotId      uuid.UUID      `gorm:"type:char(36);not null" json:"snapshot_id"`
	SnapshotVersion int            `gorm:"not null" json:"snapshot_version"`
	ActiveKey       *string        `gorm:"size:60;uniqueIndex" json:"-"`
	CreatedBy       string         `gorm:"size:100" json:"created_by"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	Job             *GenerationJob `gorm:"foreignKey:ReportPackId" json:"job,omitempty"`
	Artifacts       []Artifact     `gorm:"foreignKey:ReportPackId" json:"artifacts"`
}

// GenerationJob renders a pack from the canonical export bundle captured at
// queue time.
type GenerationJob struct {
	ID              uuid.UUID           `gorm:"type:char(36);primaryKey" json:"id"`
	ReportPackId    uuid.UUID           `gorm:"type:char(36);uniqueIndex;not null" json:"report_pack_id"`
	WorkOrderId     uuid.UUID           `gorm:"type:char(36);index;not null" json:"work_order_id"`
	Status          GenerationJobStatus `gorm:"size:20;not null;index:idx_generation_claim,priority:1" json:"status"`
	TemplateKey     string              `gorm:"size:100" json:"template_key"`
	Bundle          []byte              `gorm:"type:longblob;not null" json:"-"`
	BundleDigest    string              `gorm:"size:64;not null" json:"bundle_digest"`
	ExternalRef     *string             `gorm:"size:255;index" json:"external_ref,omitempty"`
	Attempts        int                 `gorm:"not null;default:0" json:"attempts"`
	CancelRequested bool                `gorm:"not null;default:false" json:"cancel_requested"`
	ErrorReason     *string             `gorm:"type:text" json:"error_reason,omitempty"`
	NextPollAt      *time.Time          `gorm:"index:idx_generation_claim,priority:2" json:"-"`
	LockedAt        *time.Time          `json:"-"`
	LockedBy        *string             `gorm:"size:100" json:"-"`
	SubmittedAt     *time.Time          `json:"submitted_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// Artifact is one rendered file. Only the generation completion handler
// inserts artifacts.
type Artifact struct {
	ID              int       `gorm:"primary_key" json:"id"`
	ReportPackId    uuid.UUID `gorm:"type:char(36);not null;uniqueIndex:uniq_artifact_ref,priority:1" json:"report_pack_id"`
	GenerationJobId uuid.UUID `gorm:"type:char(36);not null" json:"generation_job_id"`
	FileKind        string    `gorm:"size:30;not null" json:"file_kind"`
	StorageRef      string    `gorm:"size:512;not null;uniqueIndex:uniq_artifact_ref,priority:2" json:"storage_ref"`
	ContentType     string    `gorm:"size:100" json:"content_type"`
	Checksum        string    `gorm:"size:128" json:"checksum"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (p *ReportPack) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (j *GenerationJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

func PackActiveKey(workOrderId uuid.UUID, snapshotVersion int) string {
	return fmt.Sprintf("%s:%d", workOrderId, snapshotVersion)
}

func preloadPack(db *gorm.DB) *gorm.DB {
	return db.Preload("Job").Preload("Artifacts", func(q *gorm.DB) *gorm.DB { return q.Order("id") })
}

// FindActivePack returns the usable pack for (work order, version), if any.
func FindActivePack(tx *gorm.DB, workOrderId uuid.UUID, snapshotVersion int) (*ReportPack, error) {
	var pack ReportPack
	err := preloadPack(tx).Where("active_key = ?", PackActiveKey(workOrderId, snapshotVersion)).Take(&pack).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pack, nil
}

func GetReportPack(ctx context.Context, db *gorm.DB, id uuid.UUID) (*ReportPack, error) {
	return utils.FetchModel[ReportPack](ctx, db, "report_pack", id, "Job", "Artifacts")
}

func ListReportPacks(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]*ReportPack, error) {
	var packs []*ReportPack
	err := preloadPack(db.WithContext(ctx)).
		Where("work_order_id = ?", workOrderId).
		Order("created_at, id").
		Find(&packs).Error
	return packs, err
}

// LatestCompletedPack is the most recent pack whose job completed.
func LatestCompletedPack(tx *gorm.DB, workOrderId uuid.UUID) (*ReportPack, error) {
	var pack ReportPack
	err := preloadPack(tx).
		Joins("JOIN generation_jobs ON generation_jobs.report_pack_id = report_packs.id").
		Where("report_packs.work_order_id = ? AND generation_jobs.status = ?", workOrderId, GenerationJobStatusCompleted).
		Order("report_packs.snapshot_version DESC, generation_jobs.finished_at DESC").
		Take(&pack).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pack, nil
}

// CountOpenGenerationJobs counts QUEUED/RUNNING render jobs per work order.
func CountOpenGenerationJobs(ctx context.Context, db *gorm.DB, workOrderIds []uuid.UUID) (map[uuid.UUID]int, error) {
	type row struct {
		WorkOrderId uuid.UUID
		N           int
	}
	out := make(map[uuid.UUID]int, len(workOrderIds))
	if len(workOrderIds) == 0 {
		return out, nil
	}
	var rows []row
	err := db.WithContext(ctx).Model(&GenerationJob{}).
		Select("work_order_id, COUNT(*) AS n").
		Where("work_order_id IN ? AND status IN ?", workOrderIds, []GenerationJobStatus{GenerationJobStatusQueued, GenerationJobStatusRunning}).
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

// CancelGenerationJobs propagates a work order cancellation to its render jobs.
func CancelGenerationJobs(tx *gorm.DB, workOrderId uuid.UUID, reason string) error {
	now := time.Now().UTC()
	var queuedPackIds []uuid.UUID
	err := tx.Model(&GenerationJob{}).
		Where("work_order_id = ? AND status = ?", workOrderId, GenerationJobStatusQueued).
		Pluck("report_pack_id", &queuedPackIds).Error
	if err != nil {
		return err
	}
	if len(queuedPackIds) > 0 {
		err = tx.Model(&GenerationJob{}).
			Where("report_pack_id IN ? AND status = ?", queuedPackIds, GenerationJobStatusQueued).
			Updates(map[string]interface{}{
				"status":       GenerationJobStatusCancelled,
				"error_reason": reason,
				"finished_at":  &now,
			}).Error
		if err != nil {
			return err
		}
		if err := ReleasePackKey(tx, queuedPackIds...); err != nil {
			return err
		}
	}
	return tx.Model(&GenerationJob{}).
		Where("work_order_id = ? AND status = ?", workOrderId, GenerationJobStatusRunning).
		Update("cancel_requested", true).Error
}

// ReleasePackKey frees the (work order, version) slot so a new pack can be created.
func ReleasePackKey(tx *gorm.DB, packIds ...uuid.UUID) error {
	if len(packIds) == 0 {
		return nil
	}
	return tx.Model(&ReportPack{}).Where("id IN ?", packIds).Update("active_key", nil).Error
}
