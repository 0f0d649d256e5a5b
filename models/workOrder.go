package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// WorkOrder is the aggregate root of the report pipeline. One work order has
// many append-only contract snapshots, at most one report pack, and any
// number of release attempts (at most one successful).
type WorkOrder struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OrgId        string          `gorm:"size:64;index;not null" json:"org_id"`
	AssignmentId int             `gorm:"index;not null" json:"assignment_id"`
	ReportType   ReportType      `gorm:"size:50;not null" json:"report_type"`
	BankType     BankType        `gorm:"size:30;not null;default:'UNKNOWN'" json:"bank_type"`
	ValueSlab    ValueSlab       `gorm:"size:20;not null;default:'UNKNOWN'" json:"value_slab"`
	Status       WorkOrderStatus `gorm:"size:30;not null;default:'DRAFT';index" json:"status"`

	EvidenceProfileId *int `gorm:"index" json:"evidence_profile_id"`
	ReportPackId      *int `gorm:"index" json:"report_pack_id"`

	// billing fields; mode cache short-circuits mode derivation on release
	CreditReservationId *string      `gorm:"size:100" json:"credit_reservation_id"`
	ServiceInvoiceId    *string      `gorm:"size:100" json:"service_invoice_id"`
	BillingModeCache    *BillingMode `gorm:"size:20" json:"billing_mode_cache"`
	// BillingHooksJson is a side-channel updated on every release attempt.
	BillingHooksJson string `gorm:"type:text" json:"billing_hooks_json"`

	CreatedBy string    `gorm:"size:100" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWorkOrder struct {
	AssignmentId  int        `json:"assignment_id" binding:"required"`
	ReportType    ReportType `json:"report_type" binding:"required"`
	BankType      BankType   `json:"bank_type"`
	BorrowerPhone string     `json:"borrower_phone"`
}

// BillingHooks is the release side-channel cached on the work order.
type BillingHooks struct {
	LastGateResult   ReleaseStatus `json:"last_gate_result,omitempty"`
	LastReleaseId    int           `json:"last_release_id,omitempty"`
	LastAttemptAt    *time.Time    `json:"last_attempt_at,omitempty"`
	AttemptCount     int           `json:"attempt_count"`
	ConsumedLedgerId string        `json:"consumed_ledger_id,omitempty"`
}

func CreateWorkOrder(tx *gorm.DB, ctx context.Context, orgId string, input *NewWorkOrder, createdBy string) (*WorkOrder, error) {
	if !input.ReportType.IsValid() {
		return nil, errors.New("invalid report type")
	}
	bankType := input.BankType
	if bankType == "" {
		bankType = BankTypeUnknown
	}
	if !bankType.IsValid() {
		return nil, errors.New("invalid bank type")
	}

	workOrder := WorkOrder{
		OrgId:        orgId,
		AssignmentId: input.AssignmentId,
		ReportType:   input.ReportType,
		BankType:     bankType,
		ValueSlab:    ValueSlabUnknown,
		Status:       WorkOrderStatusDraft,
		CreatedBy:    createdBy,
	}
	if err := tx.WithContext(ctx).Create(&workOrder).Error; err != nil {
		return nil, err
	}

	// the contract starts empty and is patched incrementally by operators
	contract := EmptyContract(input.ReportType, createdBy)
	contract.Party.BorrowerPhone = input.BorrowerPhone
	if _, err := AppendContractSnapshot(tx, ctx, orgId, workOrder.ID, contract, ReadinessSummary{}, createdBy); err != nil {
		return nil, err
	}

	return &workOrder, nil
}

func GetWorkOrder(ctx context.Context, orgId string, id int) (*WorkOrder, error) {
	db := config.GetDB()
	var workOrder WorkOrder
	if err := db.WithContext(ctx).Where("org_id = ? AND id = ?", orgId, id).
		First(&workOrder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &workOrder, nil
}

// TransitionWorkOrderStatus enforces the closed status machine.
func TransitionWorkOrderStatus(tx *gorm.DB, ctx context.Context, orgId string, id int, next WorkOrderStatus) error {
	if !next.IsValid() {
		return fmt.Errorf("invalid work order status %q", next)
	}
	var workOrder WorkOrder
	if err := tx.WithContext(ctx).Where("org_id = ? AND id = ?", orgId, id).
		First(&workOrder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if workOrder.Status == next {
		return nil
	}
	if !workOrder.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, workOrder.Status, next)
	}
	return tx.WithContext(ctx).Model(&WorkOrder{}).
		Where("org_id = ? AND id = ?", orgId, id).
		Update("status", next).Error
}

// SetEvidenceProfileIfUnset persists the resolved profile id once; a work
// order already carrying a profile keeps it.
func SetEvidenceProfileIfUnset(tx *gorm.DB, ctx context.Context, orgId string, workOrderId int, profileId int) error {
	return tx.WithContext(ctx).Model(&WorkOrder{}).
		Where("org_id = ? AND id = ? AND evidence_profile_id IS NULL", orgId, workOrderId).
		Update("evidence_profile_id", profileId).Error
}

func LinkReportPack(tx *gorm.DB, ctx context.Context, orgId string, workOrderId int, packId int) error {
	return tx.WithContext(ctx).Model(&WorkOrder{}).
		Where("org_id = ? AND id = ?", orgId, workOrderId).
		Update("report_pack_id", packId).Error
}

func UpdateBillingHooks(tx *gorm.DB, ctx context.Context, orgId string, workOrderId int, hooks BillingHooks) error {
	hooksJson, err := utils.MarshalToJSON(hooks)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&WorkOrder{}).
		Where("org_id = ? AND id = ?", orgId, workOrderId).
		Update("billing_hooks_json", hooksJson).Error
}

func (w *WorkOrder) GetBillingHooks() BillingHooks {
	var hooks BillingHooks
	if w.BillingHooksJson == "" {
		return hooks
	}
	_ = utils.UnmarshalFromJSON([]byte(w.BillingHooksJson), &hooks)
	return hooks
}

// DeriveBillingMode resolves the mode in precedence order: explicit cache,
// credit reservation presence, service invoice presence, POSTPAID default.
func (w *WorkOrder) DeriveBillingMode() BillingMode {
	if w.BillingModeCache != nil && *w.BillingModeCache != "" {
		return *w.BillingModeCache
	}
	if w.CreditReservationId != nil && *w.CreditReservationId != "" {
		return BillingModeCredit
	}
	if w.ServiceInvoiceId != nil && *w.ServiceInvoiceId != "" {
		return BillingModePostpaid
	}
	return BillingModePostpaid
}
