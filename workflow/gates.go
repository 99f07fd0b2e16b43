package workflow

import (
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	CodeReadinessGateBlocked   = "readiness_gate_blocked"
	CodeBillingGateBlocked     = "billing_gate_blocked"
	CodeOverrideReasonRequired = "override_reason_required"
)

// Override is a caller's request to bypass blocked soft gates.
type Override struct {
	Requested bool
	Reason    string
}

func (o Override) validate() error {
	if o.Requested && strings.TrimSpace(o.Reason) == "" {
		return utils.NewValidationError(CodeOverrideReasonRequired, "override requires a non-empty reason")
	}
	return nil
}

// GateOutcome is one evaluated soft gate.
type GateOutcome struct {
	Gate    models.GateName
	Blocked bool
	// Overridable is false for hard denials (unknown billing mode).
	Overridable bool
	Code        string
	Message     string
	Details     map[string]any
}

func readinessOutcome(r models.ReadinessResult) GateOutcome {
	return GateOutcome{
		Gate:        models.GateReadiness,
		Blocked:     !r.Ready,
		Overridable: true,
		Code:        CodeReadinessGateBlocked,
		Message:     "evidence readiness is below the profile threshold",
		Details:     r.BlockingDetails(),
	}
}

func billingOutcome(g BillingGate) GateOutcome {
	return GateOutcome{
		Gate:        models.GateBilling,
		Blocked:     !g.Allowed,
		Overridable: g.Decision == BillingDecisionOverrideRequired,
		Code:        CodeBillingGateBlocked,
		Message:     "billing gate blocked: " + g.Reason,
		Details: map[string]any{
			"stage":    g.Stage,
			"mode":     g.Mode,
			"decision": g.Decision,
			"reason":   g.Reason,
		},
	}
}

// enforceGates is the single place soft gates are applied. A blocked gate
// fails the operation unless the caller overrides it, in which case every
// bypassed gate gets a GateOverride row and a gate.overridden event in tx.
// It reports whether anything was bypassed. The override reason is only
// checked when there is something to bypass.
func enforceGates(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor, operation string, override Override, outcomes ...GateOutcome) (bool, error) {
	var blocked []GateOutcome
	for _, o := range outcomes {
		if !o.Blocked {
			continue
		}
		if !o.Overridable {
			return false, gateError(o, false)
		}
		blocked = append(blocked, o)
	}
	if len(blocked) == 0 {
		return false, nil
	}
	if !override.Requested {
		err := gateError(blocked[0], true)
		if len(blocked) > 1 {
			gates := make([]models.GateName, 0, len(blocked))
			for _, b := range blocked {
				gates = append(gates, b.Gate)
			}
			err.WithDetail("blocked_gates", gates)
		}
		return false, err
	}
	if err := override.validate(); err != nil {
		return false, err
	}

	reason := strings.TrimSpace(override.Reason)
	for _, b := range blocked {
		details, err := json.Marshal(b.Details)
		if err != nil {
			return false, err
		}
		row := models.GateOverride{
			WorkOrderId: wo.ID,
			Gate:        b.Gate,
			Operation:   operation,
			Reason:      reason,
			Details:     datatypes.JSON(details),
			ActorId:     actor.Id,
			ActorName:   actor.Name,
		}
		if err := tx.Create(&row).Error; err != nil {
			return false, err
		}
		err = models.RecordEvent(tx, wo, models.EventGateOverridden, map[string]any{
			"gate":      b.Gate,
			"operation": operation,
			"reason":    reason,
			"details":   b.Details,
		})
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func gateError(o GateOutcome, overridable bool) *utils.Error {
	details := make(map[string]any, len(o.Details)+2)
	for k, v := range o.Details {
		details[k] = v
	}
	details["gate"] = o.Gate
	details["overridable"] = overridable
	return utils.NewPreconditionFailed(o.Code, o.Message, details)
}
