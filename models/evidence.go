package models

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EvidenceItem is one piece of supporting material. Items are never updated;
// a replacement item points at the one it supersedes.
type EvidenceItem struct {
	ID            uuid.UUID                             `gorm:"type:char(36);primaryKey" json:"id"`
	WorkOrderId   uuid.UUID                             `gorm:"type:char(36);not null;uniqueIndex:uniq_evidence_identity,priority:1" json:"work_order_id"`
	Kind          EvidenceKind                          `gorm:"type:varchar(96);not null" json:"kind"`
	EvidenceType  EvidenceType                          `gorm:"size:30;not null;uniqueIndex:uniq_evidence_identity,priority:3" json:"evidence_type"`
	FileRef       string                                `gorm:"size:512;not null;uniqueIndex:uniq_evidence_identity,priority:2" json:"file_ref"`
	Tags          datatypes.JSONType[map[string]string] `json:"tags"`
	AnnexureOrder int                                   `gorm:"not null;default:0" json:"annexure_order"`
	SupersedesId  *uuid.UUID                            `gorm:"type:char(36);index" json:"supersedes_id"`
	CreatedBy     string                                `gorm:"size:100" json:"created_by"`
	CreatedAt     time.Time                             `gorm:"autoCreateTime" json:"created_at"`
}

type NewEvidenceItem struct {
	EvidenceType  string            `json:"evidence_type" binding:"required"`
	DocType       string            `json:"doc_type" binding:"required"`
	FileRef       string            `json:"file_ref" binding:"required,max=512"`
	Tags          map[string]string `json:"tags"`
	AnnexureOrder *int              `json:"annexure_order" binding:"omitempty,min=0"`
	SupersedesId  string            `json:"supersedes_id" binding:"omitempty,uuid"`
}

func (e *EvidenceItem) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Kind.IsZero() {
		return errors.New("evidence kind is required")
	}
	e.EvidenceType = e.Kind.Type()
	return nil
}

func (e *EvidenceItem) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("evidence items are immutable")
}

// Parse validates the input into an evidence kind and normalized fields.
func (input *NewEvidenceItem) Parse() (EvidenceKind, *uuid.UUID, error) {
	kind, err := ParseEvidenceKind(input.EvidenceType, input.DocType)
	if err != nil {
		return EvidenceKind{}, nil, utils.NewValidationError("invalid_evidence_kind", err.Error())
	}
	input.FileRef = strings.TrimSpace(input.FileRef)
	if input.FileRef == "" {
		return EvidenceKind{}, nil, utils.NewValidationError("invalid_file_ref", "file_ref is required")
	}
	var supersedes *uuid.UUID
	if s := strings.TrimSpace(input.SupersedesId); s != "" {
		id, err := utils.ParseId("supersedes_id", s)
		if err != nil {
			return EvidenceKind{}, nil, err
		}
		supersedes = &id
	}
	return kind, supersedes, nil
}

// FindEvidenceByIdentity looks up the item a re-link would duplicate.
func FindEvidenceByIdentity(tx *gorm.DB, workOrderId uuid.UUID, fileRef string, evidenceType EvidenceType) (*EvidenceItem, error) {
	var item EvidenceItem
	err := tx.Where("work_order_id = ? AND file_ref = ? AND evidence_type = ?", workOrderId, fileRef, evidenceType).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// ListEvidence returns every item of a work order in annexure order.
func ListEvidence(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]*EvidenceItem, error) {
	var items []*EvidenceItem
	err := db.WithContext(ctx).
		Where("work_order_id = ?", workOrderId).
		Order("annexure_order, id").
		Find(&items).Error
	return items, err
}

// GetEvidenceItems loads items by id, keyed by id.
func GetEvidenceItems(ctx context.Context, db *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]*EvidenceItem, error) {
	out := make(map[uuid.UUID]*EvidenceItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var items []*EvidenceItem
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

// ActiveEvidence drops items that a later item supersedes and returns the
// rest in annexure order (ties by id).
func ActiveEvidence(items []*EvidenceItem) []*EvidenceItem {
	superseded := make(map[uuid.UUID]bool)
	for _, it := range items {
		if it.SupersedesId != nil {
			superseded[*it.SupersedesId] = true
		}
	}
	out := make([]*EvidenceItem, 0, len(items))
	for _, it := range items {
		if !superseded[it.ID] {
			out = append(out, it)
		}
	}
	SortEvidence(out)
	return out
}

func SortEvidence(items []*EvidenceItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].AnnexureOrder != items[j].AnnexureOrder {
			return items[i].AnnexureOrder < items[j].AnnexureOrder
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

// NextAnnexureOrder is one past the highest order used on the work order.
func NextAnnexureOrder(tx *gorm.DB, workOrderId uuid.UUID) (int, error) {
	var max *int
	err := tx.Model(&EvidenceItem{}).
		Where("work_order_id = ?", workOrderId).
		Select("MAX(annexure_order)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}
