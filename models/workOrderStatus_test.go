package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to WorkOrderStatus
		want     bool
	}{
		{WorkOrderStatusDraft, WorkOrderStatusEvidencePending, true},
		{WorkOrderStatusEvidencePending, WorkOrderStatusDataPending, true},
		{WorkOrderStatusDataPending, WorkOrderStatusReadyForRender, true},
		{WorkOrderStatusReadyForRender, WorkOrderStatusRendering, true},
		{WorkOrderStatusRendering, WorkOrderStatusCompleted, true},
		{WorkOrderStatusRendering, WorkOrderStatusReadyForRender, true},
		{WorkOrderStatusDraft, WorkOrderStatusDataPending, false},
		{WorkOrderStatusDataPending, WorkOrderStatusEvidencePending, false},
		{WorkOrderStatusReadyForRender, WorkOrderStatusCompleted, false},
		{WorkOrderStatusDraft, WorkOrderStatusCancelled, true},
		{WorkOrderStatusRendering, WorkOrderStatusFailed, true},
		{WorkOrderStatusCompleted, WorkOrderStatusCancelled, false},
		{WorkOrderStatusCancelled, WorkOrderStatusFailed, false},
		{WorkOrderStatusFailed, WorkOrderStatusDraft, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCallerTransitionsExcludeRenderEdges(t *testing.T) {
	assert.False(t, IsCallerTransition(WorkOrderStatusReadyForRender, WorkOrderStatusRendering))
	assert.False(t, IsCallerTransition(WorkOrderStatusRendering, WorkOrderStatusCompleted))
	assert.False(t, IsCallerTransition(WorkOrderStatusRendering, WorkOrderStatusReadyForRender))
	assert.True(t, IsCallerTransition(WorkOrderStatusRendering, WorkOrderStatusCancelled))
	assert.True(t, IsCallerTransition(WorkOrderStatusDataPending, WorkOrderStatusReadyForRender))
}

func TestNextStatuses(t *testing.T) {
	assert.Equal(t, []WorkOrderStatus{WorkOrderStatusEvidencePending, WorkOrderStatusCancelled, WorkOrderStatusFailed}, NextStatuses(WorkOrderStatusDraft))
	assert.Equal(t, []WorkOrderStatus{WorkOrderStatusCancelled, WorkOrderStatusFailed}, NextStatuses(WorkOrderStatusReadyForRender))
	assert.Empty(t, NextStatuses(WorkOrderStatusCompleted))
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, from := range allWorkOrderStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allWorkOrderStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseWorkOrderStatus(t *testing.T) {
	st, err := ParseWorkOrderStatus(" ready_for_render ")
	require.NoError(t, err)
	assert.Equal(t, WorkOrderStatusReadyForRender, st)

	_, err = ParseWorkOrderStatus("ARCHIVED")
	assert.Error(t, err)
}
