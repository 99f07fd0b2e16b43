package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxEvidencePerRequest   = 200
	maxFieldLinksPerRequest = 500
)

var fieldPathPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

func crossWorkOrderError(what string, id uuid.UUID) error {
	return utils.NewValidationError("cross_work_order_reference", what+" belongs to another work order").
		WithDetail("id", id.String())
}

type parsedEvidence struct {
	input      models.NewEvidenceItem
	kind       models.EvidenceKind
	supersedes *uuid.UUID
}

// LinkEvidence attaches items to a work order. Re-linking the same
// (file_ref, evidence_type) returns the existing item instead of a duplicate.
// The result is in input order.
func (e *Engine) LinkEvidence(ctx context.Context, workOrderId uuid.UUID, items []models.NewEvidenceItem) ([]*models.EvidenceItem, error) {
	if len(items) == 0 {
		return nil, utils.NewValidationError("no_evidence_items", "at least one evidence item is required")
	}
	if len(items) > maxEvidencePerRequest {
		return nil, utils.NewValidationError("too_many_evidence_items", fmt.Sprintf("at most %d items per request", maxEvidencePerRequest))
	}
	parsed := make([]parsedEvidence, 0, len(items))
	for i := range items {
		in := items[i]
		kind, supersedes, err := in.Parse()
		if err != nil {
			if ue, ok := err.(*utils.Error); ok {
				ue.WithDetail("index", i)
			}
			return nil, err
		}
		parsed = append(parsed, parsedEvidence{input: in, kind: kind, supersedes: supersedes})
	}
	if err := e.checkEvidenceFiles(ctx, parsed); err != nil {
		return nil, err
	}

	out := make([]*models.EvidenceItem, 0, len(parsed))
	err := e.mutate(ctx, "LinkEvidence", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		if err := requireNotTerminal(wo); err != nil {
			return err
		}
		nextOrder, err := models.NextAnnexureOrder(tx, wo.ID)
		if err != nil {
			return err
		}
		var created []uuid.UUID
		for _, p := range parsed {
			existing, err := models.FindEvidenceByIdentity(tx, wo.ID, p.input.FileRef, p.kind.Type())
			if err != nil {
				return err
			}
			if existing != nil {
				out = append(out, existing)
				continue
			}
			if p.supersedes != nil {
				if err := e.checkSupersedes(ctx, tx, wo, *p.supersedes); err != nil {
					return err
				}
			}
			order := nextOrder
			if p.input.AnnexureOrder != nil {
				order = *p.input.AnnexureOrder
			}
			if order >= nextOrder {
				nextOrder = order + 1
			}
			tags := p.input.Tags
			if tags == nil {
				tags = map[string]string{}
			}
			item := &models.EvidenceItem{
				WorkOrderId:   wo.ID,
				Kind:          p.kind,
				FileRef:       p.input.FileRef,
				Tags:          datatypes.NewJSONType(tags),
				AnnexureOrder: order,
				SupersedesId:  p.supersedes,
				CreatedBy:     actor.Id,
			}
			if err := tx.Create(item).Error; err != nil {
				return err
			}
			created = append(created, item.ID)
			out = append(out, item)
		}
		if len(created) == 0 {
			return nil
		}
		return models.RecordEvent(tx, wo, models.EventEvidenceLinked, map[string]any{
			"created_ids": created,
			"reused":      len(parsed) - len(created),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) checkSupersedes(ctx context.Context, tx *gorm.DB, wo *models.WorkOrder, id uuid.UUID) error {
	found, err := models.GetEvidenceItems(ctx, tx, []uuid.UUID{id})
	if err != nil {
		return err
	}
	prior, ok := found[id]
	if !ok {
		return utils.NewValidationError("unknown_supersedes_id", "superseded evidence item does not exist").
			WithDetail("id", id.String())
	}
	if prior.WorkOrderId != wo.ID {
		return crossWorkOrderError("superseded evidence item", id)
	}
	return nil
}

// checkEvidenceFiles verifies file refs exist when STRICT_EVIDENCE_FILE_CHECK
// is on. It runs before the transaction so no row lock is held over network calls.
func (e *Engine) checkEvidenceFiles(ctx context.Context, parsed []parsedEvidence) error {
	if !config.StrictEvidenceFileCheck() {
		return nil
	}
	store, err := e.objectStore(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, p := range parsed {
		ok, err := store.Exists(ctx, p.input.FileRef)
		if err != nil {
			if utils.KindOf(err) != "" {
				return err
			}
			return utils.NewDependencyUnavailable("storage", err)
		}
		if !ok {
			missing = append(missing, p.input.FileRef)
		}
	}
	if len(missing) > 0 {
		return utils.NewValidationError("evidence_file_missing", "file_ref does not exist in storage").
			WithDetail("file_refs", missing)
	}
	return nil
}

type LinkFieldsInput struct {
	SnapshotId string                `json:"snapshot_id" binding:"required,uuid"`
	Links      []models.NewFieldLink `json:"links" binding:"required,min=1,dive"`
}

type parsedLink struct {
	path       string
	evidenceId uuid.UUID
	confidence decimal.Decimal
}

// LinkFields records which evidence backs which contract fields of a
// snapshot. The snapshot and every item must belong to the work order.
// Re-linking an existing (field, item) pair updates its confidence.
func (e *Engine) LinkFields(ctx context.Context, workOrderId uuid.UUID, input LinkFieldsInput) ([]*models.FieldEvidenceLink, error) {
	snapshotId, err := utils.ParseId("snapshot_id", input.SnapshotId)
	if err != nil {
		return nil, err
	}
	if len(input.Links) == 0 {
		return nil, utils.NewValidationError("no_field_links", "at least one link is required")
	}
	if len(input.Links) > maxFieldLinksPerRequest {
		return nil, utils.NewValidationError("too_many_field_links", fmt.Sprintf("at most %d links per request", maxFieldLinksPerRequest))
	}
	one := decimal.NewFromInt(1)
	links := make([]parsedLink, 0, len(input.Links))
	for i, l := range input.Links {
		path := strings.TrimSpace(l.FieldPath)
		if !fieldPathPattern.MatchString(path) {
			return nil, utils.NewValidationError("invalid_field_path", fmt.Sprintf("field_path %q is not a dotted lowercase path", l.FieldPath)).
				WithDetail("index", i)
		}
		evidenceId, err := utils.ParseId("evidence_item_id", l.EvidenceItemId)
		if err != nil {
			return nil, err
		}
		confidence := one
		if l.Confidence != nil {
			confidence = *l.Confidence
		}
		if confidence.IsNegative() || confidence.GreaterThan(one) {
			return nil, utils.NewValidationError("invalid_confidence", "confidence must be between 0 and 1").
				WithDetail("index", i)
		}
		links = append(links, parsedLink{path: path, evidenceId: evidenceId, confidence: confidence.Round(3)})
	}

	var result []*models.FieldEvidenceLink
	err = e.mutate(ctx, "LinkFields", workOrderId, func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error {
		if err := requireNotTerminal(wo); err != nil {
			return err
		}
		snapshot, err := models.GetSnapshot(ctx, tx, snapshotId)
		if err != nil {
			return err
		}
		if snapshot.WorkOrderId != wo.ID {
			return crossWorkOrderError("snapshot", snapshotId)
		}
		ids := make([]uuid.UUID, 0, len(links))
		for _, l := range links {
			ids = append(ids, l.evidenceId)
		}
		items, err := models.GetEvidenceItems(ctx, tx, utils.UniqueSlice(ids))
		if err != nil {
			return err
		}
		rows := make([]*models.FieldEvidenceLink, 0, len(links))
		for _, l := range links {
			item, ok := items[l.evidenceId]
			if !ok {
				return utils.NewNotFound("evidence_item").WithDetail("id", l.evidenceId.String())
			}
			if item.WorkOrderId != wo.ID {
				return crossWorkOrderError("evidence item", l.evidenceId)
			}
			rows = append(rows, &models.FieldEvidenceLink{
				WorkOrderId:     wo.ID,
				SnapshotId:      snapshot.ID,
				SnapshotVersion: snapshot.Version,
				FieldPath:       l.path,
				EvidenceItemId:  l.evidenceId,
				Confidence:      l.confidence,
				CreatedBy:       actor.Id,
			})
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "snapshot_id"}, {Name: "field_path"}, {Name: "evidence_item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"confidence"}),
		}).Create(&rows).Error
		if err != nil {
			return err
		}

		all, err := models.ListFieldLinks(ctx, tx, wo.ID, snapshot.Version)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(links))
		for _, l := range links {
			wanted[l.path+"|"+l.evidenceId.String()] = true
		}
		for _, row := range all {
			if row.SnapshotId == snapshot.ID && wanted[row.FieldPath+"|"+row.EvidenceItemId.String()] {
				result = append(result, row)
			}
		}
		paths := make([]string, 0, len(links))
		for _, l := range links {
			paths = append(paths, l.path)
		}
		return models.RecordEvent(tx, wo, models.EventFieldsLinked, map[string]any{
			"snapshot_id":      snapshot.ID,
			"snapshot_version": snapshot.Version,
			"field_paths":      utils.UniqueSlice(paths),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
