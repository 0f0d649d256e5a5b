package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
)

const (
	blockedReasonReservationMissing = "credit reservation missing"
	blockedReasonConsumptionFailed  = "credit consumption failed"
	blockedReasonInvoiceUnpaid      = "service invoice unpaid"
	blockedReasonInvoiceMissing     = "service invoice missing"

	overrideReasonReservationMissing = "credit reservation missing, overridden"
)

// errConcurrentRelease tags the reconciliation log line written when a
// release attempt consumed credits but lost the success_key race.
var errConcurrentRelease = errors.New("concurrent release won the success key")

type ReleaseRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	Override       bool   `json:"override"`
	OverrideReason string `json:"override_reason"`
	RequestId      string `json:"-"`
}

type ReleaseResult struct {
	Release    *models.DeliverableRelease `json:"release"`
	Blocked    bool                       `json:"blocked"`
	Idempotent bool                       `json:"idempotent"`
}

// GateDecision is the pure outcome of the gate matrix; consumption and
// persistence happen around it.
type GateDecision struct {
	Result         models.ReleaseStatus
	OverrideReason *string
	BlockedReason  *string
	ConsumeCredit  bool
}

// EvaluateReleaseGate is the billing gate matrix. Override always
// short-circuits credit consumption; a billing outage shows up here as a nil
// invoice and degrades toward BLOCKED.
func EvaluateReleaseGate(mode models.BillingMode, hasReservation bool, invoice *ServiceInvoice, override bool, overrideReason string) GateDecision {
	if mode == models.BillingModeCredit {
		if hasReservation {
			if override {
				return GateDecision{Result: models.ReleaseStatusOverride, OverrideReason: &overrideReason}
			}
			return GateDecision{Result: models.ReleaseStatusCreditConsumed, ConsumeCredit: true}
		}
		if override {
			reason := overrideReasonReservationMissing
			return GateDecision{Result: models.ReleaseStatusOverride, OverrideReason: &reason}
		}
		reason := blockedReasonReservationMissing
		return GateDecision{Result: models.ReleaseStatusBlocked, BlockedReason: &reason}
	}

	if invoice != nil {
		if invoice.IsPaid {
			return GateDecision{Result: models.ReleaseStatusPaid}
		}
		if override {
			return GateDecision{Result: models.ReleaseStatusOverride, OverrideReason: &overrideReason}
		}
		reason := blockedReasonInvoiceUnpaid
		return GateDecision{Result: models.ReleaseStatusBlocked, BlockedReason: &reason}
	}
	if override {
		return GateDecision{Result: models.ReleaseStatusOverride, OverrideReason: &overrideReason}
	}
	reason := blockedReasonInvoiceMissing
	return GateDecision{Result: models.ReleaseStatusBlocked, BlockedReason: &reason}
}

// ReleaseDeliverables runs one release attempt for a work order's pack.
// Retried client requests replay by idempotency key; a pack that already
// reached a successful result is returned as-is instead of re-releasing.
func ReleaseDeliverables(ctx context.Context, stores PipelineStores, billing BillingService, workOrderId int, actor string, req ReleaseRequest) (*ReleaseResult, error) {
	logger := config.GetLogger()

	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, NewValidationError("organization missing from context")
	}
	if req.IdempotencyKey == "" {
		return nil, NewValidationError("idempotency key is required")
	}
	if req.Override && req.OverrideReason == "" {
		return nil, NewValidationError("override requires an override reason")
	}

	if existing, err := stores.Releases().ByIdempotencyKey(ctx, orgId, req.IdempotencyKey); err == nil {
		return &ReleaseResult{Release: existing, Blocked: existing.GateResult == models.ReleaseStatusBlocked, Idempotent: true}, nil
	} else if !IsNotFoundError(err) {
		return nil, err
	}

	workOrder, err := stores.WorkOrders().Get(ctx, orgId, workOrderId)
	if err != nil {
		return nil, err
	}
	if workOrder.ReportPackId == nil {
		return nil, NewValidationError("work order %d has no report pack", workOrderId)
	}
	packId := *workOrder.ReportPackId

	job, err := stores.Jobs().ForPack(ctx, orgId, packId)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, NewValidationError("report pack %d has no generation job", packId)
		}
		return nil, err
	}
	if job.Status != models.GenerationJobStatusCompleted {
		return nil, NewValidationError("generation job for pack %d is %s, must be %s", packId, job.Status, models.GenerationJobStatusCompleted)
	}

	// one successful release per (work order, pack)
	if prior, err := stores.Releases().Successful(ctx, orgId, workOrderId, packId); err == nil {
		return &ReleaseResult{Release: prior, Blocked: false, Idempotent: true}, nil
	} else if !IsNotFoundError(err) {
		return nil, err
	}

	mode := workOrder.DeriveBillingMode()
	hasReservation := workOrder.CreditReservationId != nil && *workOrder.CreditReservationId != ""

	var invoice *ServiceInvoice
	if mode == models.BillingModePostpaid && workOrder.ServiceInvoiceId != nil && *workOrder.ServiceInvoiceId != "" {
		invoice, err = billing.GetServiceInvoice(ctx, orgId, *workOrder.ServiceInvoiceId)
		if err != nil {
			// billing outage degrades toward BLOCKED, never crashes the flow
			config.LogError(logger, "releaseGateWorkflow.go", "ReleaseDeliverables", "billing invoice lookup", *workOrder.ServiceInvoiceId, err)
			invoice = nil
		}
	}

	decision := EvaluateReleaseGate(mode, hasReservation, invoice, req.Override, req.OverrideReason)

	var consumedLedgerId *string
	if decision.ConsumeCredit {
		consumption, err := billing.ConsumeCredits(ctx, *workOrder.CreditReservationId, req.IdempotencyKey)
		if err != nil {
			config.LogError(logger, "releaseGateWorkflow.go", "ReleaseDeliverables", "credit consumption", *workOrder.CreditReservationId, err)
			reason := blockedReasonConsumptionFailed
			decision = GateDecision{Result: models.ReleaseStatusBlocked, BlockedReason: &reason}
		} else {
			consumedLedgerId = &consumption.LedgerId
		}
	}

	// success_key backs the one-successful-release invariant with a unique
	// constraint; blocked attempts leave it NULL
	var successKey *string
	if decision.Result.IsSuccessful() {
		key := models.ReleaseSuccessKey(workOrderId, packId)
		successKey = &key
	}

	release := &models.DeliverableRelease{
		OrgId:            orgId,
		WorkOrderId:      workOrderId,
		ReportPackId:     packId,
		IdempotencyKey:   req.IdempotencyKey,
		GateResult:       decision.Result,
		SuccessKey:       successKey,
		BillingMode:      mode,
		OverrideReason:   decision.OverrideReason,
		ConsumedLedgerId: consumedLedgerId,
		InvoiceId:        workOrder.ServiceInvoiceId,
		BlockedReason:    decision.BlockedReason,
		ReleasedBy:       actor,
		RequestId:        req.RequestId,
	}

	var persisted *models.DeliverableRelease
	idempotent := false
	err = stores.Transact(ctx, func(tx PipelineStores) error {
		var created bool
		var err error
		persisted, created, err = tx.Releases().InsertOrFetch(ctx, release)
		if err != nil {
			return err
		}
		if !created {
			idempotent = true
			if consumedLedgerId != nil && persisted.ID != 0 && (persisted.ConsumedLedgerId == nil || *persisted.ConsumedLedgerId != *consumedLedgerId) {
				// lost the success_key race after consuming; flag the ledger
				// entry for reconciliation
				config.LogError(logger, "releaseGateWorkflow.go", "ReleaseDeliverables", "orphaned credit consumption",
					*consumedLedgerId, errConcurrentRelease)
			}
			return nil
		}

		hooks := workOrder.GetBillingHooks()
		now := time.Now().UTC()
		hooks.LastGateResult = persisted.GateResult
		hooks.LastReleaseId = persisted.ID
		hooks.LastAttemptAt = &now
		hooks.AttemptCount++
		if consumedLedgerId != nil {
			hooks.ConsumedLedgerId = *consumedLedgerId
		}
		if err := tx.WorkOrders().UpdateBillingHooks(ctx, orgId, workOrderId, hooks); err != nil {
			return err
		}

		tx.Audit().Note(ctx, orgId, "DELIVERABLE_RELEASE", persisted.ID, "deliverable_release",
			nil, persisted, fmt.Sprintf("release attempt for work order %d pack %d: %s", workOrderId, packId, persisted.GateResult), req.RequestId)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !idempotent {
		usage := UsageEvent{
			OrgId:       orgId,
			WorkOrderId: workOrderId,
			PackId:      packId,
			EventType:   "deliverable_release_attempt",
			GateResult:  persisted.GateResult,
			BillingMode: mode,
			OccurredAt:  time.Now().UTC(),
			RequestId:   req.RequestId,
		}
		if err := billing.IngestUsageEvent(ctx, usage); err != nil {
			config.LogError(logger, "releaseGateWorkflow.go", "ReleaseDeliverables", "usage event", workOrderId, err)
		}
	}

	return &ReleaseResult{
		Release:    persisted,
		Blocked:    persisted.GateResult == models.ReleaseStatusBlocked,
		Idempotent: idempotent,
	}, nil
}
