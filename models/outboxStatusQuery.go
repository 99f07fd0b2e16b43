package models

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventPublishStatus counts a work order's outbox rows per publish status
// and carries the most recent publish error, if any.
type EventPublishStatus struct {
	WorkOrderId      uuid.UUID      `json:"work_order_id"`
	Counts           map[string]int `json:"counts"`
	LastPublishError *string        `json:"last_publish_error"`
}

func GetEventPublishStatus(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) (*EventPublishStatus, error) {
	var rows []struct {
		PublishStatus string
		N             int
	}
	if err := db.WithContext(ctx).
		Model(&WorkOrderEvent{}).
		Select("publish_status, COUNT(*) AS n").
		Where("work_order_id = ?", workOrderId).
		Group("publish_status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	status := &EventPublishStatus{WorkOrderId: workOrderId, Counts: map[string]int{}}
	for _, r := range rows {
		status.Counts[r.PublishStatus] = r.N
	}

	var last WorkOrderEvent
	err := db.WithContext(ctx).
		Where("work_order_id = ? AND last_publish_error IS NOT NULL", workOrderId).
		Order("id DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return nil, err
	}
	if last.ID != 0 {
		status.LastPublishError = last.LastPublishError
	}
	return status, nil
}
