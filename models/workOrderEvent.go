package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkOrderEvent is the transactional outbox: rows are written inside the
// mutating transaction and published to Pub/Sub by the event dispatcher after commit.
type WorkOrderEvent struct {
	ID            int            `gorm:"primary_key;index:idx_event_dispatch,priority:3" json:"id"`
	EventId       uuid.UUID      `gorm:"type:char(36);uniqueIndex;not null" json:"event_id"`
	TenantId      string         `gorm:"size:64;index;not null" json:"tenant_id"`
	WorkOrderId   uuid.UUID      `gorm:"type:char(36);index;not null" json:"work_order_id"`
	EventType     EventType      `gorm:"size:50;not null" json:"event_type"`
	Payload       datatypes.JSON `json:"payload"`
	CorrelationId string         `gorm:"size:64;index" json:"correlation_id"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_event_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_event_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordEvent writes an outbox row in the caller's transaction. It does not publish.
func RecordEvent(tx *gorm.DB, wo *WorkOrder, eventType EventType, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := WorkOrderEvent{
		EventId:       uuid.New(),
		TenantId:      wo.TenantId,
		WorkOrderId:   wo.ID,
		EventType:     eventType,
		Payload:       datatypes.JSON(b),
		CorrelationId: correlationIdFromContextOrNew(tx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&event).Error
}

func correlationIdFromContextOrNew(tx *gorm.DB) string {
	if tx != nil && tx.Statement != nil && tx.Statement.Context != nil {
		if v, ok := utils.GetCorrelationIdFromContext(tx.Statement.Context); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func (e WorkOrderEvent) ToPubSubMessage() config.PubSubMessage {
	return config.PubSubMessage{
		EventId:       e.EventId.String(),
		TenantId:      e.TenantId,
		WorkOrderId:   e.WorkOrderId.String(),
		EventType:     string(e.EventType),
		OccurredAt:    e.CreatedAt,
		Payload:       json.RawMessage(e.Payload),
		CorrelationId: e.CorrelationId,
	}
}
