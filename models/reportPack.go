package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// ReportPack is created at most once per work order; uniqueness is enforced
// by the (template_key, assignment_id, version) key. The export bundle hash
// is captured at creation time and never rewritten.
type ReportPack struct {
	ID           int    `gorm:"primary_key" json:"id"`
	OrgId        string `gorm:"size:64;index;not null" json:"org_id"`
	WorkOrderId  int    `gorm:"index;not null" json:"work_order_id"`
	AssignmentId int    `gorm:"not null;index:uniq_pack_key,unique,priority:2" json:"assignment_id"`
	TemplateKey  string `gorm:"size:100;not null;index:uniq_pack_key,unique,priority:1" json:"template_key"`
	Version      int    `gorm:"not null;index:uniq_pack_key,unique,priority:3" json:"version"`

	ReportFamily     string `gorm:"size:50;not null" json:"report_family"`
	SnapshotVersion  int    `gorm:"not null" json:"snapshot_version"`
	ExportBundleHash string `gorm:"size:64;not null" json:"export_bundle_hash"`

	// DebugArtifactJson captures the export bundle and its hash for replay
	// debugging; rendering never reads it.
	DebugArtifactJson string `gorm:"type:longtext" json:"debug_artifact_json"`

	CreatedBy string    `gorm:"size:100" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GenerationJob tracks rendering of one pack; deduplicated by the
// (org_id, idempotency_key) unique constraint.
type GenerationJob struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	OrgId          string              `gorm:"size:64;not null;index:uniq_job_idem,unique,priority:1" json:"org_id"`
	ReportPackId   int                 `gorm:"index;not null" json:"report_pack_id"`
	WorkOrderId    int                 `gorm:"index;not null" json:"work_order_id"`
	IdempotencyKey string              `gorm:"size:255;not null;index:uniq_job_idem,unique,priority:2" json:"idempotency_key"`
	Status         GenerationJobStatus `gorm:"size:20;not null;default:'QUEUED';index" json:"status"`
	LastError      *string             `gorm:"type:text" json:"last_error"`
	StartedAt      *time.Time          `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetReportPackForWorkOrder(tx *gorm.DB, ctx context.Context, orgId string, workOrderId int) (*ReportPack, error) {
	var pack ReportPack
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND work_order_id = ?", orgId, workOrderId).
		Order("version DESC").
		First(&pack).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &pack, nil
}

func GetGenerationJobForPack(tx *gorm.DB, ctx context.Context, orgId string, packId int) (*GenerationJob, error) {
	var job GenerationJob
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND report_pack_id = ?", orgId, packId).
		Order("id DESC").
		First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

// NextPackVersion scopes versioning to (template_key, assignment_id).
func NextPackVersion(tx *gorm.DB, ctx context.Context, templateKey string, assignmentId int) (int, error) {
	var maxVersion int
	if err := tx.WithContext(ctx).Model(&ReportPack{}).
		Where("template_key = ? AND assignment_id = ?", templateKey, assignmentId).
		Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

// MarkGenerationJob moves a job through queued -> processing -> completed|failed.
// Backward transitions are ignored so replayed callbacks stay harmless.
func MarkGenerationJob(tx *gorm.DB, ctx context.Context, orgId string, jobId int, status GenerationJobStatus, jobErr *string) error {
	if !status.IsValid() {
		return errors.New("invalid generation job status")
	}
	updates := map[string]interface{}{"status": status, "last_error": jobErr}
	now := time.Now().UTC()
	switch status {
	case GenerationJobStatusProcessing:
		updates["started_at"] = &now
	case GenerationJobStatusCompleted, GenerationJobStatusFailed:
		updates["completed_at"] = &now
	}

	dbCtx := tx.WithContext(ctx).Model(&GenerationJob{}).
		Where("org_id = ? AND id = ?", orgId, jobId)
	switch status {
	case GenerationJobStatusProcessing:
		dbCtx = dbCtx.Where("status = ?", GenerationJobStatusQueued)
	case GenerationJobStatusCompleted, GenerationJobStatusFailed:
		dbCtx = dbCtx.Where("status IN ?", []GenerationJobStatus{GenerationJobStatusQueued, GenerationJobStatusProcessing})
	}
	return dbCtx.Updates(updates).Error
}
