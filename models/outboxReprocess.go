package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReplayWorkOrderEvents puts a work order's FAILED and DEAD events back in
// the dispatch queue with a fresh attempt budget. It returns how many rows moved.
func ReplayWorkOrderEvents(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&WorkOrderEvent{}).
		Where("work_order_id = ? AND publish_status IN ?", workOrderId, []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	return res.RowsAffected, res.Error
}
