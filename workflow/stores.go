package workflow

import (
	"context"

	"bitbucket.org/propfocus/appraisal_backend/models"
)

// Repository interfaces for the pack factory and release gate. Idempotency
// races surface as InsertOrFetch operations: callers never see duplicate-key
// errors, only the winning row plus a created flag. That keeps the retry
// logic portable across storage engines and makes the two state machines
// testable without a database.

type WorkOrderStore interface {
	Get(ctx context.Context, orgId string, id int) (*models.WorkOrder, error)
	LinkReportPack(ctx context.Context, orgId string, workOrderId int, packId int) error
	UpdateBillingHooks(ctx context.Context, orgId string, workOrderId int, hooks models.BillingHooks) error
}

type SnapshotStore interface {
	Latest(ctx context.Context, orgId string, workOrderId int) (*models.ContractSnapshot, error)
}

type PackStore interface {
	ForWorkOrder(ctx context.Context, orgId string, workOrderId int) (*models.ReportPack, error)
	NextVersion(ctx context.Context, templateKey string, assignmentId int) (int, error)
	// InsertOrFetch resolves uniqueness races on (template_key, assignment_id,
	// version): the loser gets the winner's row with created=false.
	InsertOrFetch(ctx context.Context, pack *models.ReportPack) (*models.ReportPack, bool, error)
}

type JobStore interface {
	ForPack(ctx context.Context, orgId string, packId int) (*models.GenerationJob, error)
	ByIdempotencyKey(ctx context.Context, orgId string, idempotencyKey string) (*models.GenerationJob, error)
	InsertOrFetch(ctx context.Context, job *models.GenerationJob) (*models.GenerationJob, bool, error)
}

type ReleaseStore interface {
	ByIdempotencyKey(ctx context.Context, orgId string, idempotencyKey string) (*models.DeliverableRelease, error)
	Successful(ctx context.Context, orgId string, workOrderId int, packId int) (*models.DeliverableRelease, error)
	InsertOrFetch(ctx context.Context, release *models.DeliverableRelease) (*models.DeliverableRelease, bool, error)
}

// PipelineStores bundles the repositories plus transactional scope. Transact
// runs fn against a store view bound to one transaction; in-memory test
// doubles run fn against themselves.
type PipelineStores interface {
	Transact(ctx context.Context, fn func(PipelineStores) error) error
	WorkOrders() WorkOrderStore
	Snapshots() SnapshotStore
	Packs() PackStore
	Jobs() JobStore
	Releases() ReleaseStore
	Queue() QueueNotifier
	Audit() AuditSink
}
