package models

import (
	"time"

	"github.com/google/uuid"
)

type CallbackDeliveryStatus string

const (
	CallbackDeliveryReceived CallbackDeliveryStatus = "RECEIVED"
	CallbackDeliveryApplied  CallbackDeliveryStatus = "APPLIED"
	CallbackDeliveryFailed   CallbackDeliveryStatus = "FAILED"
)

// CallbackDelivery is the inbox of collaborator push notifications. One row
// per (source, delivery id); a redelivery of an APPLIED row is acknowledged
// without touching job state.
type CallbackDelivery struct {
	ID         int                    `gorm:"primary_key" json:"id"`
	Source     string                 `gorm:"size:32;not null;uniqueIndex:uniq_callback_delivery,priority:1" json:"source"`
	DeliveryId string                 `gorm:"size:255;not null;uniqueIndex:uniq_callback_delivery,priority:2" json:"delivery_id"`
	JobId      uuid.UUID              `gorm:"type:char(36);index;not null" json:"job_id"`
	State      string                 `gorm:"size:20;not null" json:"state"`
	Status     CallbackDeliveryStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts   int                    `gorm:"not null;default:1" json:"attempts"`
	LastError  *string                `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}
