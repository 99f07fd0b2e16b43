package workflow

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/rules"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/gorm"
)

//go:embed schemas/contract.schema.json
var contractSchemaJSON []byte

const contractSchemaURL = "https://repogen.local/schemas/contract.schema.json"

var (
	contractSchema     *jsonschema.Schema
	contractSchemaErr  error
	contractSchemaOnce sync.Once
)

func loadContractSchema() (*jsonschema.Schema, error) {
	contractSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(contractSchemaURL, bytes.NewReader(contractSchemaJSON)); err != nil {
			contractSchemaErr = fmt.Errorf("contract schema load failed: %w", err)
			return
		}
		contractSchema, contractSchemaErr = c.Compile(contractSchemaURL)
	})
	return contractSchema, contractSchemaErr
}

// ValidateContractDocument checks a patch or a merged payload against the
// contract schema.
func ValidateContractDocument(doc map[string]any) error {
	schema, err := loadContractSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		ve := utils.NewValidationError("invalid_contract", "contract failed schema validation")
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			var causes []map[string]string
			for _, c := range verr.BasicOutput().Errors {
				if c.Error == "" || c.InstanceLocation == "" {
					continue
				}
				causes = append(causes, map[string]string{"path": c.InstanceLocation, "error": c.Error})
			}
			ve.WithDetail("errors", causes)
		} else {
			ve.WithDetail("errors", err.Error())
		}
		return ve
	}
	return nil
}

type PatchContractInput struct {
	// RulesetVersion falls back to the previous snapshot's ruleset, then to the latest registered.
	RulesetVersion  string         `json:"ruleset_version"`
	Patch           map[string]any `json:"patch" binding:"required"`
	ExpectedVersion *int           `json:"expected_version" binding:"omitempty,min=0"`
}

// PatchContract appends version N+1 = merge(version N, patch) with freshly
// derived values. ExpectedVersion, when given, must equal the current version.
func (e *Engine) PatchContract(ctx context.Context, workOrderId uuid.UUID, input PatchContractInput) (*models.ContractSnapshot, error) {
	if len(input.Patch) == 0 {
		return nil, utils.NewValidationError("empty_patch", "patch must contain at least one field")
	}
	if err := ValidateContractDocument(input.Patch); err != nil {
		return nil, err
	}
	var requested *rules.Ruleset
	if input.RulesetVersion != "" {
		rs, err := e.Rules.Get(input.RulesetVersion)
		if err != nil {
			return nil, err
		}
		requested = rs
	}

	var snapshot *models.ContractSnapshot
	err := e.mutate(ctx, "PatchContract", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		if err := requireNotTerminal(wo); err != nil {
			return err
		}
		prev, err := models.LatestSnapshot(ctx, tx, wo.ID)
		if err != nil {
			return err
		}
		merged, version, err := nextContractPayload(prev, input.Patch)
		if err != nil {
			return err
		}
		current := version - 1
		if input.ExpectedVersion != nil && *input.ExpectedVersion != current {
			return utils.NewConflictError("snapshot_version_conflict", "contract was modified concurrently; re-read and retry").
				WithDetail("expected_version", *input.ExpectedVersion).
				WithDetail("current_version", current)
		}

		ruleset := requested
		if ruleset == nil && prev != nil {
			if ruleset, err = e.Rules.Get(prev.RulesetVersion); err != nil {
				ruleset = nil
			}
		}
		if ruleset == nil {
			ruleset = e.Rules.Latest()
		}

		if err := ValidateContractDocument(merged); err != nil {
			return err
		}
		derived, err := ruleset.Derive(merged)
		if err != nil {
			return err
		}
		payloadJSON, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		derivedJSON, err := json.Marshal(derived)
		if err != nil {
			return err
		}

		snapshot = &models.ContractSnapshot{
			WorkOrderId:    wo.ID,
			Version:        version,
			RulesetVersion: ruleset.Name,
			Payload:        payloadJSON,
			Derived:        derivedJSON,
			CreatedBy:      actor.Id,
		}
		if err := tx.Create(snapshot).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewConflictError("snapshot_version_conflict", "snapshot version already exists").
					WithDetail("version", version)
			}
			return err
		}
		return models.RecordEvent(tx, wo, models.EventContractPatched, map[string]any{
			"snapshot_id":     snapshot.ID,
			"version":         snapshot.Version,
			"ruleset_version": snapshot.RulesetVersion,
			"patched_keys":    utils.SortedKeys(input.Patch),
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// nextContractPayload merges patch onto the payload of prev, the latest
// snapshot or nil, and returns the version the new snapshot takes.
func nextContractPayload(prev *models.ContractSnapshot, patch map[string]any) (map[string]any, int, error) {
	if prev == nil {
		return utils.DeepMerge(map[string]any{}, patch), 1, nil
	}
	base, err := prev.PayloadMap()
	if err != nil {
		return nil, 0, err
	}
	return utils.DeepMerge(base, patch), prev.Version + 1, nil
}
