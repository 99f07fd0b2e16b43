package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BillingGateResult string

const (
	BillingGateResultAllowed    BillingGateResult = "ALLOWED"
	BillingGateResultOverridden BillingGateResult = "OVERRIDDEN"
)

// DeliverableRelease is the release ledger of record. Rows are never updated;
// (work order, idempotency key) is unique.
type DeliverableRelease struct {
	ID                uuid.UUID         `gorm:"type:char(36);primaryKey" json:"id"`
	WorkOrderId       uuid.UUID         `gorm:"type:char(36);not null;uniqueIndex:uniq_release_key,priority:1" json:"work_order_id"`
	IdempotencyKey    string            `gorm:"size:128;not null;uniqueIndex:uniq_release_key,priority:2" json:"idempotency_key"`
	BillingGateResult BillingGateResult `gorm:"size:20;not null" json:"billing_gate_result"`
	BillingMode       string            `gorm:"size:20" json:"billing_mode"`
	GateReason        string            `gorm:"size:255" json:"gate_reason"`
	OverrideReason    *string           `gorm:"type:text" json:"override_reason,omitempty"`
	ReportPackId      *uuid.UUID        `gorm:"type:char(36)" json:"report_pack_id,omitempty"`
	ActorId           string            `gorm:"size:100;not null" json:"actor_id"`
	ActorName         string            `gorm:"size:100" json:"actor_name"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

func (r *DeliverableRelease) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *DeliverableRelease) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("deliverable releases are append-only")
}

func FindRelease(tx *gorm.DB, workOrderId uuid.UUID, idempotencyKey string) (*DeliverableRelease, error) {
	var r DeliverableRelease
	err := tx.Where("work_order_id = ? AND idempotency_key = ?", workOrderId, idempotencyKey).Take(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func ListReleases(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]*DeliverableRelease, error) {
	var rows []*DeliverableRelease
	err := db.WithContext(ctx).Where("work_order_id = ?", workOrderId).Order("created_at, id").Find(&rows).Error
	return rows, err
}
