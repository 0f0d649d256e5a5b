package workflow

import (
	"context"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/models"
)

// External collaborators consumed by the pipeline. The pipeline decides
// whether and what to hand off; transport, rendering, and ledger mechanics
// live behind these interfaces.

type ServiceInvoice struct {
	InvoiceId string `json:"invoice_id"`
	Status    string `json:"status"`
	IsPaid    bool   `json:"is_paid"`
}

type CreditConsumption struct {
	LedgerId string `json:"ledger_id"`
}

// UsageEvent is emitted to billing for metering on every release attempt,
// blocked ones included.
type UsageEvent struct {
	OrgId       string               `json:"org_id"`
	WorkOrderId int                  `json:"work_order_id"`
	PackId      int                  `json:"pack_id"`
	EventType   string               `json:"event_type"`
	GateResult  models.ReleaseStatus `json:"gate_result"`
	BillingMode models.BillingMode   `json:"billing_mode"`
	OccurredAt  time.Time            `json:"occurred_at"`
	RequestId   string               `json:"request_id"`
}

type BillingService interface {
	GetServiceInvoice(ctx context.Context, orgId string, invoiceId string) (*ServiceInvoice, error)
	ConsumeCredits(ctx context.Context, reservationId string, idempotencyKey string) (*CreditConsumption, error)
	IngestUsageEvent(ctx context.Context, event UsageEvent) error
}

// ExportBundle is the canonical render input. Its hash must be stable across
// repeated exports of the same snapshot, so the bundle carries no wall-clock
// fields.
type ExportBundle struct {
	OrgId           string                  `json:"org_id"`
	WorkOrderId     int                     `json:"work_order_id"`
	AssignmentId    int                     `json:"assignment_id"`
	ReportType      models.ReportType       `json:"report_type"`
	SnapshotVersion int                     `json:"snapshot_version"`
	Contract        models.Contract         `json:"contract"`
	Readiness       models.ReadinessSummary `json:"readiness"`
	Annexures       []AnnexurePosition      `json:"annexures,omitempty"`
}

type WorkOrderDetail struct {
	WorkOrder *models.WorkOrder       `json:"work_order"`
	Readiness models.ReadinessSummary `json:"readiness"`
	Checklist []ChecklistRow          `json:"checklist"`
}

type Exporter interface {
	ExportWorkOrder(ctx context.Context, orgId string, workOrderId int, snapshotVersion int) (*ExportBundle, error)
	GetWorkOrderDetail(ctx context.Context, orgId string, workOrderId int) (*WorkOrderDetail, error)
}

// AuditSink appends notes best-effort; implementations must swallow their own
// failures and never block the primary write.
type AuditSink interface {
	Note(ctx context.Context, orgId string, actionType string, refId int, refType string, before interface{}, after interface{}, description string, requestId string)
}

// QueueNotifier accepts the render handoff payload. The gorm-backed
// implementation writes a transactional outbox row; the dispatcher owns
// delivery.
type QueueNotifier interface {
	EnqueueRender(ctx context.Context, record *models.RenderQueueRecord) error
}
