package models

// Outbox publish statuses for WorkOrderEvent.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type EventType string

const (
	EventWorkOrderCreated     EventType = "work_order.created"
	EventContractPatched      EventType = "contract.patched"
	EventEvidenceLinked       EventType = "evidence.linked"
	EventFieldsLinked         EventType = "field_links.created"
	EventStatusChanged        EventType = "work_order.status_changed"
	EventGateOverridden       EventType = "gate.overridden"
	EventEnrichmentQueued     EventType = "enrichment.queued"
	EventEnrichmentFinished   EventType = "enrichment.finished"
	EventPackQueued           EventType = "pack.queued"
	EventPackCompleted        EventType = "pack.completed"
	EventPackFailed           EventType = "pack.failed"
	EventDeliverablesReleased EventType = "deliverables.released"
)
