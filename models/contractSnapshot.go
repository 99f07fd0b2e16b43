package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ContractSnapshot is one immutable version of a work order's structured
// contract. Rows are only ever inserted.
type ContractSnapshot struct {
	ID             uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	WorkOrderId    uuid.UUID      `gorm:"type:char(36);not null;uniqueIndex:uniq_snapshot_version,priority:1" json:"work_order_id"`
	Version        int            `gorm:"not null;uniqueIndex:uniq_snapshot_version,priority:2" json:"version"`
	RulesetVersion string         `gorm:"size:20;not null" json:"ruleset_version"`
	Payload        datatypes.JSON `gorm:"not null" json:"payload"`
	Derived        datatypes.JSON `json:"derived"`
	CreatedBy      string         `gorm:"size:100" json:"created_by"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (s *ContractSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (s *ContractSnapshot) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("contract snapshots are immutable")
}

// PayloadMap decodes the payload with numbers kept as json.Number.
func (s *ContractSnapshot) PayloadMap() (map[string]any, error) {
	return utils.DecodeObject(s.Payload)
}

func (s *ContractSnapshot) DerivedMap() (map[string]any, error) {
	return utils.DecodeObject(s.Derived)
}

// LatestSnapshots returns the max-version snapshot per work order. It is the
// only query that resolves current contract state; work orders without a
// snapshot are absent from the map.
func LatestSnapshots(ctx context.Context, db *gorm.DB, workOrderIds []uuid.UUID) (map[uuid.UUID]*ContractSnapshot, error) {
	out := make(map[uuid.UUID]*ContractSnapshot, len(workOrderIds))
	if len(workOrderIds) == 0 {
		return out, nil
	}
	latest := db.Model(&ContractSnapshot{}).
		Select("work_order_id, MAX(version) AS version").
		Where("work_order_id IN ?", workOrderIds).
		Group("work_order_id")

	var rows []*ContractSnapshot
	err := db.WithContext(ctx).
		Table("contract_snapshots AS s").
		Select("s.*").
		Joins("JOIN (?) AS m ON m.work_order_id = s.work_order_id AND m.version = s.version", latest).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.WorkOrderId] = r
	}
	return out, nil
}

// LatestSnapshot returns the current snapshot, or nil when the work order has
// never been patched.
func LatestSnapshot(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) (*ContractSnapshot, error) {
	m, err := LatestSnapshots(ctx, db, []uuid.UUID{workOrderId})
	if err != nil {
		return nil, err
	}
	return m[workOrderId], nil
}

func GetSnapshot(ctx context.Context, db *gorm.DB, id uuid.UUID) (*ContractSnapshot, error) {
	return utils.FetchModel[ContractSnapshot](ctx, db, "snapshot", id)
}

func GetSnapshotByVersion(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID, version int) (*ContractSnapshot, error) {
	var s ContractSnapshot
	err := db.WithContext(ctx).Where("work_order_id = ? AND version = ?", workOrderId, version).Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFound("snapshot")
		}
		return nil, err
	}
	return &s, nil
}

// SnapshotVersions lists version numbers for a work order, oldest first.
func SnapshotVersions(ctx context.Context, db *gorm.DB, workOrderId uuid.UUID) ([]int, error) {
	var versions []int
	err := db.WithContext(ctx).Model(&ContractSnapshot{}).
		Where("work_order_id = ?", workOrderId).
		Order("version").
		Pluck("version", &versions).Error
	return versions, err
}
