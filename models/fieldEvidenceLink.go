package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FieldEvidenceLink records which evidence item backs a contract field in one
// snapshot version.
type FieldEvidenceLink struct {
	ID              int             `gorm:"primary_key" json:"id"`
	WorkOrderId     uuid.UUID       `gorm:"type:char(36);index:idx_link_version,priority:1;not null" json:"work_order_id"`
	SnapshotId      uuid.UUID       `gorm:"type:char(36);not null;uniqueIndex:uniq_field_link,priority:1" json:"snapshot_id"`
	SnapshotVersion int             `gorm:"not null;index:idx_link_version,priority:2" json:"snapshot_version"`
	FieldPath       string          `gorm:"size:200;not null;uniqueIndex:uniq_field_link,priority:2" json:"field_path"`
	EvidenceItemId  uuid.UUID       `gorm:"type:char(36);not null;uniqueIndex:uniq_field_link,priority:3" json:"evidence_item_id"`
	Confidence      decimal.Decimal `gorm:"type:decimal(4,3);not null" json:"confidence"`
	CreatedBy       string          `gorm:"size:100" json:"created_by"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewFieldLink struct {
	FieldPath      string           `json:"field_path" binding:"required,max=200"`
	EvidenceItemId string           `json:"evidence_item_id" binding:"required,uuid"`
	Confidence     *decimal.Decimal `json:"confidence"`
}

// ListFieldLinks returns the links for one snapshot version of a work order.
func ListFieldLinks(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID, version int) ([]*FieldEvidenceLink, error) {
	var links []*FieldEvidenceLink
	err := db.WithContext(ctx).
		Where("work_order_id = ? AND snapshot_version = ?", workOrderId, version).
		Order("field_path, evidence_item_id").
		Find(&links).Error
	return links, err
}
