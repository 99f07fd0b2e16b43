package models

import (
	"fmt"
	"strings"
)

type WorkOrderStatus string

const (
	WorkOrderStatusDraft           WorkOrderStatus = "DRAFT"
	WorkOrderStatusEvidencePending WorkOrderStatus = "EVIDENCE_PENDING"
	WorkOrderStatusDataPending     WorkOrderStatus = "DATA_PENDING"
	WorkOrderStatusReadyForRender  WorkOrderStatus = "READY_FOR_RENDER"
	WorkOrderStatusRendering       WorkOrderStatus = "RENDERING"
	WorkOrderStatusCompleted       WorkOrderStatus = "COMPLETED"
	WorkOrderStatusCancelled       WorkOrderStatus = "CANCELLED"
	WorkOrderStatusFailed          WorkOrderStatus = "FAILED"
)

var allWorkOrderStatuses = []WorkOrderStatus{
	WorkOrderStatusDraft,
	WorkOrderStatusEvidencePending,
	WorkOrderStatusDataPending,
	WorkOrderStatusReadyForRender,
	WorkOrderStatusRendering,
	WorkOrderStatusCompleted,
	WorkOrderStatusCancelled,
	WorkOrderStatusFailed,
}

type transitionRule struct {
	// system transitions are driven by the generation job, never by callers.
	system bool
}

// forward edges of the lifecycle. CANCELLED and FAILED are added for every
// non-terminal state in CanTransition.
var workOrderTransitions = map[WorkOrderStatus]map[WorkOrderStatus]transitionRule{
	WorkOrderStatusDraft:           {WorkOrderStatusEvidencePending: {}},
	WorkOrderStatusEvidencePending: {WorkOrderStatusDataPending: {}},
	WorkOrderStatusDataPending:     {WorkOrderStatusReadyForRender: {}},
	WorkOrderStatusReadyForRender:  {WorkOrderStatusRendering: {system: true}},
	WorkOrderStatusRendering: {
		WorkOrderStatusCompleted:      {system: true},
		WorkOrderStatusReadyForRender: {system: true},
	},
}

func ParseWorkOrderStatus(s string) (WorkOrderStatus, error) {
	st := WorkOrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, candidate := range allWorkOrderStatuses {
		if candidate == st {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown work order status %q", s)
}

func (s WorkOrderStatus) IsTerminal() bool {
	return s == WorkOrderStatusCompleted || s == WorkOrderStatusCancelled || s == WorkOrderStatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph,
// regardless of who asks.
func CanTransition(from, to WorkOrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == WorkOrderStatusCancelled || to == WorkOrderStatusFailed {
		return true
	}
	_, ok := workOrderTransitions[from][to]
	return ok
}

// IsCallerTransition reports whether an API caller may request from -> to.
// Render-driven edges are reserved for the generation pipeline.
func IsCallerTransition(from, to WorkOrderStatus) bool {
	if !CanTransition(from, to) {
		return false
	}
	rule, ok := workOrderTransitions[from][to]
	return !ok || !rule.system
}

// NextStatuses lists the edges available to callers from s, in lifecycle order.
func NextStatuses(s WorkOrderStatus) []WorkOrderStatus {
	out := []WorkOrderStatus{}
	for _, to := range allWorkOrderStatuses {
		if IsCallerTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}
