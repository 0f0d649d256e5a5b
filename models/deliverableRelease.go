package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// DeliverableRelease records one release attempt (successful or blocked).
// Rows are immutable once written. The (org_id, idempotency_key) unique
// constraint makes retried client requests safe; the nullable success_key
// column enforces at most one successful release per (work order, pack) even
// when concurrent callers use distinct idempotency keys.
type DeliverableRelease struct {
	ID             int           `gorm:"primary_key" json:"id"`
	OrgId          string        `gorm:"size:64;not null;index:uniq_release_idem,unique,priority:1" json:"org_id"`
	WorkOrderId    int           `gorm:"index;not null" json:"work_order_id"`
	ReportPackId   int           `gorm:"index;not null" json:"report_pack_id"`
	IdempotencyKey string        `gorm:"size:255;not null;index:uniq_release_idem,unique,priority:2" json:"idempotency_key"`
	GateResult     ReleaseStatus `gorm:"size:20;not null;index" json:"gate_result"`
	BillingMode    BillingMode   `gorm:"size:20;not null" json:"billing_mode"`

	// SuccessKey is set only when GateResult is successful; NULLs never
	// collide, so blocked attempts can pile up freely.
	SuccessKey *string `gorm:"size:100;index:uniq_release_success,unique" json:"-"`

	OverrideReason   *string `gorm:"type:text" json:"override_reason"`
	ConsumedLedgerId *string `gorm:"size:100" json:"consumed_ledger_id"`
	InvoiceId        *string `gorm:"size:100" json:"invoice_id"`
	BlockedReason    *string `gorm:"type:text" json:"blocked_reason"`

	ReleasedBy string    `gorm:"size:100" json:"released_by"`
	RequestId  string    `gorm:"size:100" json:"request_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ReleaseSuccessKey is the value stored in success_key for a successful
// release of the given (work order, pack) pair.
func ReleaseSuccessKey(workOrderId int, packId int) string {
	return fmt.Sprintf("wo:%d:pack:%d", workOrderId, packId)
}

func GetReleaseByIdempotencyKey(tx *gorm.DB, ctx context.Context, orgId string, idempotencyKey string) (*DeliverableRelease, error) {
	var release DeliverableRelease
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgId, idempotencyKey).
		First(&release).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &release, nil
}

// GetSuccessfulRelease returns the existing non-blocked terminal release for
// a (work order, pack) pair, if any.
func GetSuccessfulRelease(tx *gorm.DB, ctx context.Context, orgId string, workOrderId int, packId int) (*DeliverableRelease, error) {
	var release DeliverableRelease
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND success_key = ?", orgId, ReleaseSuccessKey(workOrderId, packId)).
		First(&release).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &release, nil
}
