package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type GateName string

const (
	GateReadiness GateName = "READINESS"
	GateBilling   GateName = "BILLING"
)

// GateOverride audits one bypassed soft gate.
type GateOverride struct {
	ID          int            `gorm:"primary_key" json:"id"`
	WorkOrderId uuid.UUID      `gorm:"type:char(36);index;not null" json:"work_order_id"`
	Gate        GateName       `gorm:"size:20;not null" json:"gate"`
	Operation   string         `gorm:"size:60;not null" json:"operation"`
	Reason      string         `gorm:"type:text;not null" json:"reason"`
	Details     datatypes.JSON `json:"details"`
	ActorId     string         `gorm:"size:100;not null" json:"actor_id"`
	ActorName   string         `gorm:"size:100" json:"actor_name"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func ListGateOverrides(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]*GateOverride, error) {
	var rows []*GateOverride
	err := db.WithContext(ctx).Where("work_order_id = ?", workOrderId).Order("id").Find(&rows).Error
	return rows, err
}
