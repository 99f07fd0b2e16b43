package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type WorkOrder struct {
	ID               uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	TenantId         string          `gorm:"size:64;index;not null" json:"tenant_id"`
	SourceType       string          `gorm:"size:50;not null" json:"source_type"`
	ReportType       string          `gorm:"size:50;index;not null" json:"report_type"`
	BankType         string          `gorm:"size:50;not null" json:"bank_type"`
	BankRef          string          `gorm:"size:100" json:"bank_ref"`
	BranchRef        string          `gorm:"size:100" json:"branch_ref"`
	ClientRef        string          `gorm:"size:100" json:"client_ref"`
	BillingAccountId string          `gorm:"size:100;not null" json:"billing_account_id"`
	TemplateKey      string          `gorm:"size:100" json:"template_key"`
	Status           WorkOrderStatus `gorm:"size:30;index;not null" json:"status"`
	CreatedBy        string          `gorm:"size:100" json:"created_by"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWorkOrder struct {
	SourceType       string `json:"source_type" binding:"required,max=50"`
	ReportType       string `json:"report_type" binding:"required,max=50"`
	BankType         string `json:"bank_type" binding:"required,max=50"`
	BankRef          string `json:"bank_ref" binding:"max=100"`
	BranchRef        string `json:"branch_ref" binding:"max=100"`
	ClientRef        string `json:"client_ref" binding:"max=100"`
	BillingAccountId string `json:"billing_account_id" binding:"required,max=100"`
	TemplateKey      string `json:"template_key" binding:"max=100"`
}

func (w *WorkOrder) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = WorkOrderStatusDraft
	}
	return nil
}

func (input *NewWorkOrder) normalize() {
	input.SourceType = strings.ToUpper(strings.TrimSpace(input.SourceType))
	input.ReportType = strings.ToUpper(strings.TrimSpace(input.ReportType))
	input.BankType = strings.ToUpper(strings.TrimSpace(input.BankType))
	input.BankRef = strings.TrimSpace(input.BankRef)
	input.BranchRef = strings.TrimSpace(input.BranchRef)
	input.ClientRef = strings.TrimSpace(input.ClientRef)
	input.BillingAccountId = strings.TrimSpace(input.BillingAccountId)
	input.TemplateKey = strings.TrimSpace(input.TemplateKey)
}

// CreateWorkOrder inserts a DRAFT work order with its first history row and
// a work_order.created event, all in one transaction.
func CreateWorkOrder(ctx context.Context, db *gorm.DB, input *NewWorkOrder) (*WorkOrder, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, utils.NewValidationError("tenant_required", "tenant id is required")
	}
	actor, ok := utils.GetActorFromContext(ctx)
	if !ok {
		return nil, utils.NewValidationError("actor_required", "actor id is required")
	}
	input.normalize()
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	workOrder := WorkOrder{
		TenantId:         tenantId,
		SourceType:       input.SourceType,
		ReportType:       input.ReportType,
		BankType:         input.BankType,
		BankRef:          input.BankRef,
		BranchRef:        input.BranchRef,
		ClientRef:        input.ClientRef,
		BillingAccountId: input.BillingAccountId,
		TemplateKey:      input.TemplateKey,
		Status:           WorkOrderStatusDraft,
		CreatedBy:        actor.Id,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&workOrder).Error; err != nil {
			return err
		}
		if err := AppendStatusHistory(tx, &workOrder, "", WorkOrderStatusDraft, actor, "created", false); err != nil {
			return err
		}
		return RecordEvent(tx, &workOrder, EventWorkOrderCreated, map[string]any{
			"report_type": workOrder.ReportType,
			"bank_type":   workOrder.BankType,
		})
	})
	if err != nil {
		return nil, err
	}
	return &workOrder, nil
}

func GetWorkOrder(ctx context.Context, db *gorm.DB, id uuid.UUID) (*WorkOrder, error) {
	return utils.FetchModel[WorkOrder](ctx, db, "work_order", id)
}

// LockWorkOrder re-reads the work order inside tx with a row lock. Every
// mutation starts here so it validates against fresh state.
func LockWorkOrder(tx *gorm.DB, id uuid.UUID) (*WorkOrder, error) {
	return utils.FetchModelForUpdate[WorkOrder](tx, "work_order", id)
}

type WorkOrderFilter struct {
	Status     WorkOrderStatus
	ReportType string
	Limit      int
	Offset     int
}

func ListWorkOrders(ctx context.Context, db *gorm.DB, filter WorkOrderFilter) ([]*WorkOrder, error) {
	q := db.WithContext(ctx).Model(&WorkOrder{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ReportType != "" {
		q = q.Where("report_type = ?", strings.ToUpper(filter.ReportType))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var results []*WorkOrder
	err := q.Order("created_at DESC, id").Limit(limit).Offset(filter.Offset).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetWorkOrdersByIds batch-loads work orders, keyed by id.
func GetWorkOrdersByIds(ctx context.Context, db *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]*WorkOrder, error) {
	out := make(map[uuid.UUID]*WorkOrder, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*WorkOrder
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// setWorkOrderStatus updates status on the locked row.
func setWorkOrderStatus(tx *gorm.DB, wo *WorkOrder, to WorkOrderStatus) error {
	res := tx.Model(&WorkOrder{}).Where("id = ? AND status = ?", wo.ID, wo.Status).Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errors.New("work order status changed concurrently")
	}
	wo.Status = to
	return nil
}
