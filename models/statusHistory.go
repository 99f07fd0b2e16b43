package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkOrderStatusHistory is the append-only audit trail of status changes.
type WorkOrderStatusHistory struct {
	ID          int             `gorm:"primary_key" json:"id"`
	WorkOrderId uuid.UUID       `gorm:"type:char(36);index;not null" json:"work_order_id"`
	FromStatus  WorkOrderStatus `gorm:"size:30" json:"from_status"`
	ToStatus    WorkOrderStatus `gorm:"size:30;not null" json:"to_status"`
	ActorId     string          `gorm:"size:100;not null" json:"actor_id"`
	ActorName   string          `gorm:"size:100" json:"actor_name"`
	Note        string          `gorm:"type:text" json:"note"`
	Overridden  bool            `gorm:"not null;default:false" json:"overridden"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (WorkOrderStatusHistory) TableName() string { return "work_order_status_history" }

func AppendStatusHistory(tx *gorm.DB, wo *WorkOrder, from, to WorkOrderStatus, actor utils.Actor, note string, overridden bool) error {
	row := WorkOrderStatusHistory{
		WorkOrderId: wo.ID,
		FromStatus:  from,
		ToStatus:    to,
		ActorId:     actor.Id,
		ActorName:   actor.Name,
		Note:        note,
		Overridden:  overridden,
	}
	return tx.Create(&row).Error
}

// ChangeStatus moves a locked work order to `to`, writing exactly one history
// row and a status_changed event. Callers must have checked the edge.
func ChangeStatus(tx *gorm.DB, wo *WorkOrder, to WorkOrderStatus, actor utils.Actor, note string, overridden bool) error {
	from := wo.Status
	if err := setWorkOrderStatus(tx, wo, to); err != nil {
		return err
	}
	if err := AppendStatusHistory(tx, wo, from, to, actor, note, overridden); err != nil {
		return err
	}
	return RecordEvent(tx, wo, EventStatusChanged, map[string]any{
		"from":       from,
		"to":         to,
		"overridden": overridden,
		"note":       note,
	})
}

func ListStatusHistory(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]*WorkOrderStatusHistory, error) {
	var rows []*WorkOrderStatusHistory
	err := db.WithContext(ctx).Where("work_order_id = ?", workOrderId).Order("id").Find(&rows).Error
	return rows, err
}
