package models

import "errors"

type ReportType string

const (
	ReportTypeLandAndBuilding ReportType = "LAND_AND_BUILDING"
	ReportTypeFlat            ReportType = "FLAT"
	ReportTypePlot            ReportType = "PLOT"
	ReportTypeAgriLand        ReportType = "AGRI_LAND"
)

func (t ReportType) IsValid() bool {
	switch t {
	case ReportTypeLandAndBuilding, ReportTypeFlat, ReportTypePlot, ReportTypeAgriLand:
		return true
	default:
		return false
	}
}

type BankType string

const (
	BankTypeSBI         BankType = "SBI"
	BankTypePSU         BankType = "BOI_PSU"
	BankTypeCooperative BankType = "COOP"
	BankTypeAgri        BankType = "AGRI"
	BankTypeGeneric     BankType = "GENERIC"
	BankTypeUnknown     BankType = "UNKNOWN"
)

func (t BankType) IsValid() bool {
	switch t {
	case BankTypeSBI, BankTypePSU, BankTypeCooperative, BankTypeAgri, BankTypeGeneric, BankTypeUnknown:
		return true
	default:
		return false
	}
}

type ValueSlab string

const (
	ValueSlabUnknown ValueSlab = "UNKNOWN"
	ValueSlabLT5Cr   ValueSlab = "LT_5CR"
	ValueSlabGT5Cr   ValueSlab = "GT_5CR"
)

func (s ValueSlab) IsValid() bool {
	switch s {
	case ValueSlabUnknown, ValueSlabLT5Cr, ValueSlabGT5Cr:
		return true
	default:
		return false
	}
}

type TemplateSelector string

const (
	TemplateSelectorCoopGeneric TemplateSelector = "COOP_GENERIC"
	TemplateSelectorAgriGeneric TemplateSelector = "AGRI_GENERIC"
	TemplateSelectorSBIFormatA  TemplateSelector = "SBI_FORMAT_A"
	TemplateSelectorBOIPSU      TemplateSelector = "BOI_PSU_GENERIC"
	TemplateSelectorUnknown     TemplateSelector = "UNKNOWN"
)

type WorkOrderStatus string

const (
	WorkOrderStatusDraft           WorkOrderStatus = "DRAFT"
	WorkOrderStatusEvidencePending WorkOrderStatus = "EVIDENCE_PENDING"
	WorkOrderStatusDataPending     WorkOrderStatus = "DATA_PENDING"
	WorkOrderStatusReadyForRender  WorkOrderStatus = "READY_FOR_RENDER"
	WorkOrderStatusClosed          WorkOrderStatus = "CLOSED"
	WorkOrderStatusCancelled       WorkOrderStatus = "CANCELLED"
)

func (s WorkOrderStatus) IsValid() bool {
	switch s {
	case WorkOrderStatusDraft, WorkOrderStatusEvidencePending, WorkOrderStatusDataPending,
		WorkOrderStatusReadyForRender, WorkOrderStatusClosed, WorkOrderStatusCancelled:
		return true
	default:
		return false
	}
}

// allowed forward transitions; CANCELLED is reachable from any non-terminal status
var workOrderTransitions = map[WorkOrderStatus][]WorkOrderStatus{
	WorkOrderStatusDraft:           {WorkOrderStatusEvidencePending, WorkOrderStatusDataPending, WorkOrderStatusCancelled},
	WorkOrderStatusEvidencePending: {WorkOrderStatusDataPending, WorkOrderStatusReadyForRender, WorkOrderStatusCancelled},
	WorkOrderStatusDataPending:     {WorkOrderStatusEvidencePending, WorkOrderStatusReadyForRender, WorkOrderStatusCancelled},
	WorkOrderStatusReadyForRender:  {WorkOrderStatusClosed, WorkOrderStatusCancelled},
}

var ErrInvalidStatusTransition = errors.New("invalid work order status transition")

func (s WorkOrderStatus) CanTransitionTo(next WorkOrderStatus) bool {
	for _, allowed := range workOrderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type GenerationJobStatus string

const (
	GenerationJobStatusQueued     GenerationJobStatus = "QUEUED"
	GenerationJobStatusProcessing GenerationJobStatus = "PROCESSING"
	GenerationJobStatusCompleted  GenerationJobStatus = "COMPLETED"
	GenerationJobStatusFailed     GenerationJobStatus = "FAILED"
)

func (s GenerationJobStatus) IsValid() bool {
	switch s {
	case GenerationJobStatusQueued, GenerationJobStatusProcessing, GenerationJobStatusCompleted, GenerationJobStatusFailed:
		return true
	default:
		return false
	}
}

// ReleaseStatus values are persisted; do not rename.
type ReleaseStatus string

const (
	ReleaseStatusPaid           ReleaseStatus = "PAID"
	ReleaseStatusCreditConsumed ReleaseStatus = "CREDIT_CONSUMED"
	ReleaseStatusOverride       ReleaseStatus = "OVERRIDE"
	ReleaseStatusBlocked        ReleaseStatus = "BLOCKED"
)

// IsSuccessful reports whether a release reached a non-blocked terminal result.
// A (work order, pack) pair may carry at most one successful release.
func (s ReleaseStatus) IsSuccessful() bool {
	switch s {
	case ReleaseStatusPaid, ReleaseStatusCreditConsumed, ReleaseStatusOverride:
		return true
	default:
		return false
	}
}

type BillingMode string

const (
	BillingModeCredit   BillingMode = "CREDIT"
	BillingModePostpaid BillingMode = "POSTPAID"
)

type EvidenceType string

const (
	EvidenceTypePhoto      EvidenceType = "PHOTO"
	EvidenceTypeDocument   EvidenceType = "DOCUMENT"
	EvidenceTypeScreenshot EvidenceType = "SCREENSHOT"
	EvidenceTypeGeo        EvidenceType = "GEO"
)

func (t EvidenceType) IsValid() bool {
	switch t {
	case EvidenceTypePhoto, EvidenceTypeDocument, EvidenceTypeScreenshot, EvidenceTypeGeo:
		return true
	default:
		return false
	}
}

type WarningLevel string

const (
	WarningLevelInfo  WarningLevel = "info"
	WarningLevelWarn  WarningLevel = "warn"
	WarningLevelError WarningLevel = "error"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
	UserRoleCustom   UserRole = "C"
)
