package workflow

import (
	"context"
	"errors"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// GormPipelineStores is the MySQL-backed store view. Transact rebinds the
// whole view to one gorm transaction so every repository call inside fn
// shares it. A nil db falls back to the shared connection, which lets the
// server wire routes before the database finished connecting.
type GormPipelineStores struct {
	db *gorm.DB
}

func NewGormPipelineStores(db *gorm.DB) *GormPipelineStores {
	return &GormPipelineStores{db: db}
}

func (s *GormPipelineStores) handle() *gorm.DB {
	if s.db != nil {
		return s.db
	}
	return config.GetDB()
}

func (s *GormPipelineStores) Transact(ctx context.Context, fn func(PipelineStores) error) error {
	return s.handle().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormPipelineStores{db: tx})
	})
}

func (s *GormPipelineStores) WorkOrders() WorkOrderStore { return &gormWorkOrderStore{db: s.handle()} }
func (s *GormPipelineStores) Snapshots() SnapshotStore   { return &gormSnapshotStore{db: s.handle()} }
func (s *GormPipelineStores) Packs() PackStore           { return &gormPackStore{db: s.handle()} }
func (s *GormPipelineStores) Jobs() JobStore             { return &gormJobStore{db: s.handle()} }
func (s *GormPipelineStores) Releases() ReleaseStore     { return &gormReleaseStore{db: s.handle()} }
func (s *GormPipelineStores) Queue() QueueNotifier       { return &gormQueueNotifier{db: s.handle()} }
func (s *GormPipelineStores) Audit() AuditSink           { return &gormAuditSink{db: s.handle()} }

func notFoundAs(err error, resource string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, utils.ErrorRecordNotFound) {
		return NewNotFoundError(resource)
	}
	return err
}

type gormWorkOrderStore struct {
	db *gorm.DB
}

func (s *gormWorkOrderStore) Get(ctx context.Context, orgId string, id int) (*models.WorkOrder, error) {
	var workOrder models.WorkOrder
	if err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgId, id).
		First(&workOrder).Error; err != nil {
		return nil, notFoundAs(err, "work order")
	}
	return &workOrder, nil
}

func (s *gormWorkOrderStore) LinkReportPack(ctx context.Context, orgId string, workOrderId int, packId int) error {
	return models.LinkReportPack(s.db, ctx, orgId, workOrderId, packId)
}

func (s *gormWorkOrderStore) UpdateBillingHooks(ctx context.Context, orgId string, workOrderId int, hooks models.BillingHooks) error {
	return models.UpdateBillingHooks(s.db, ctx, orgId, workOrderId, hooks)
}

type gormSnapshotStore struct {
	db *gorm.DB
}

func (s *gormSnapshotStore) Latest(ctx context.Context, orgId string, workOrderId int) (*models.ContractSnapshot, error) {
	var snapshot models.ContractSnapshot
	if err := s.db.WithContext(ctx).
		Where("org_id = ? AND work_order_id = ?", orgId, workOrderId).
		Order("version DESC").
		First(&snapshot).Error; err != nil {
		return nil, notFoundAs(err, "contract snapshot")
	}
	return &snapshot, nil
}

type gormPackStore struct {
	db *gorm.DB
}

func (s *gormPackStore) ForWorkOrder(ctx context.Context, orgId string, workOrderId int) (*models.ReportPack, error) {
	pack, err := models.GetReportPackForWorkOrder(s.db, ctx, orgId, workOrderId)
	if err != nil {
		return nil, notFoundAs(err, "report pack")
	}
	return pack, nil
}

func (s *gormPackStore) NextVersion(ctx context.Context, templateKey string, assignmentId int) (int, error) {
	return models.NextPackVersion(s.db, ctx, templateKey, assignmentId)
}

func (s *gormPackStore) InsertOrFetch(ctx context.Context, pack *models.ReportPack) (*models.ReportPack, bool, error) {
	err := s.db.WithContext(ctx).Create(pack).Error
	if err == nil {
		return pack, true, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, false, err
	}
	var existing models.ReportPack
	if err := s.db.WithContext(ctx).
		Where("template_key = ? AND assignment_id = ? AND version = ?", pack.TemplateKey, pack.AssignmentId, pack.Version).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

type gormJobStore struct {
	db *gorm.DB
}

func (s *gormJobStore) ForPack(ctx context.Context, orgId string, packId int) (*models.GenerationJob, error) {
	job, err := models.GetGenerationJobForPack(s.db, ctx, orgId, packId)
	if err != nil {
		return nil, notFoundAs(err, "generation job")
	}
	return job, nil
}

func (s *gormJobStore) ByIdempotencyKey(ctx context.Context, orgId string, idempotencyKey string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := s.db.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgId, idempotencyKey).
		First(&job).Error; err != nil {
		return nil, notFoundAs(err, "generation job")
	}
	return &job, nil
}

func (s *gormJobStore) InsertOrFetch(ctx context.Context, job *models.GenerationJob) (*models.GenerationJob, bool, error) {
	err := s.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, false, err
	}
	existing, fetchErr := s.ByIdempotencyKey(ctx, job.OrgId, job.IdempotencyKey)
	if fetchErr != nil {
		return nil, false, fetchErr
	}
	return existing, false, nil
}

type gormReleaseStore struct {
	db *gorm.DB
}

func (s *gormReleaseStore) ByIdempotencyKey(ctx context.Context, orgId string, idempotencyKey string) (*models.DeliverableRelease, error) {
	release, err := models.GetReleaseByIdempotencyKey(s.db, ctx, orgId, idempotencyKey)
	if err != nil {
		return nil, notFoundAs(err, "deliverable release")
	}
	return release, nil
}

func (s *gormReleaseStore) Successful(ctx context.Context, orgId string, workOrderId int, packId int) (*models.DeliverableRelease, error) {
	release, err := models.GetSuccessfulRelease(s.db, ctx, orgId, workOrderId, packId)
	if err != nil {
		return nil, notFoundAs(err, "deliverable release")
	}
	return release, nil
}

// InsertOrFetch resolves races on both unique keys: a retried request with
// the same idempotency key gets its own row back, and a concurrent request
// with a distinct key that lost the success_key race gets the winner's row.
func (s *gormReleaseStore) InsertOrFetch(ctx context.Context, release *models.DeliverableRelease) (*models.DeliverableRelease, bool, error) {
	err := s.db.WithContext(ctx).Create(release).Error
	if err == nil {
		return release, true, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, false, err
	}
	if existing, fetchErr := models.GetReleaseByIdempotencyKey(s.db, ctx, release.OrgId, release.IdempotencyKey); fetchErr == nil {
		return existing, false, nil
	} else if !errors.Is(fetchErr, utils.ErrorRecordNotFound) {
		return nil, false, fetchErr
	}
	if release.SuccessKey != nil {
		existing, fetchErr := models.GetSuccessfulRelease(s.db, ctx, release.OrgId, release.WorkOrderId, release.ReportPackId)
		if fetchErr != nil {
			return nil, false, fetchErr
		}
		return existing, false, nil
	}
	return nil, false, err
}

type gormQueueNotifier struct {
	db *gorm.DB
}

func (s *gormQueueNotifier) EnqueueRender(ctx context.Context, record *models.RenderQueueRecord) error {
	return models.EnqueueRenderJob(s.db, ctx, record)
}

type gormAuditSink struct {
	db *gorm.DB
}

func (s *gormAuditSink) Note(ctx context.Context, orgId string, actionType string, refId int, refType string, before interface{}, after interface{}, description string, requestId string) {
	models.WriteAuditNote(s.db, ctx, orgId, actionType, refId, refType, before, after, description, requestId)
}
