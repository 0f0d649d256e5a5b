package models

import (
	"context"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for RenderQueueRecord.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// RenderQueueRecord implements the transactional outbox for render work:
// the record is written inside the caller's DB transaction, and publishing
// to Pub/Sub happens asynchronously after commit via the outbox dispatcher.
type RenderQueueRecord struct {
	ID               int    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	OrgId            string `gorm:"size:64;not null;index" json:"org_id"`
	WorkOrderId      int    `gorm:"index;not null" json:"work_order_id"`
	ReportPackId     int    `gorm:"not null" json:"report_pack_id"`
	GenerationJobId  int    `gorm:"not null" json:"generation_job_id"`
	TemplateKey      string `gorm:"size:100;not null" json:"template_key"`
	ReportFamily     string `gorm:"size:50;not null" json:"report_family"`
	SnapshotVersion  int    `gorm:"not null" json:"snapshot_version"`
	ExportBundleHash string `gorm:"size:64;not null" json:"export_bundle_hash"`
	IdempotencyKey   string `gorm:"size:255;not null;index" json:"idempotency_key"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueRenderJob writes the outbox record inside the caller's transaction.
// It does NOT publish; the dispatcher picks the row up after commit.
func EnqueueRenderJob(tx *gorm.DB, ctx context.Context, record *RenderQueueRecord) error {
	record.PublishStatus = OutboxPublishStatusPending
	record.CorrelationId = correlationIdFromContextOrNew(ctx)
	return tx.WithContext(ctx).Create(record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToRenderQueueMessage(record RenderQueueRecord) config.RenderQueueMessage {
	return config.RenderQueueMessage{
		ID:               record.ID,
		OrgId:            record.OrgId,
		WorkOrderId:      record.WorkOrderId,
		ReportPackId:     record.ReportPackId,
		GenerationJobId:  record.GenerationJobId,
		TemplateKey:      record.TemplateKey,
		ReportFamily:     record.ReportFamily,
		SnapshotVersion:  record.SnapshotVersion,
		ExportBundleHash: record.ExportBundleHash,
		IdempotencyKey:   record.IdempotencyKey,
		CorrelationId:    record.CorrelationId,
	}
}
