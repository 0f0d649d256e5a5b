package workflow

import (
	"context"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

const renderCallbackHandler = "render-callback"

// RenderCallback is the payload posted back by the render worker when a
// generation job finishes (or fails). MessageId dedupes replayed webhooks.
type RenderCallback struct {
	MessageId       string `json:"message_id" binding:"required"`
	GenerationJobId int    `json:"generation_job_id" binding:"required"`
	Success         bool   `json:"success"`
	Error           string `json:"error"`
}

// HandleRenderCallback applies a render result exactly once. Replays of the
// same message id are acknowledged without re-applying; a callback racing a
// concurrent delivery returns ErrIdempotencyInProgress so the webhook source
// retries.
func HandleRenderCallback(db *gorm.DB, ctx context.Context, callback RenderCallback) error {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return NewValidationError("organization missing from context")
	}
	if callback.MessageId == "" {
		return NewValidationError("message id is required")
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx, orgId, renderCallbackHandler, callback.MessageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		var job models.GenerationJob
		if err := tx.WithContext(ctx).
			Where("org_id = ? AND id = ?", orgId, callback.GenerationJobId).
			First(&job).Error; err != nil {
			_ = MarkIdempotencyFailed(tx, orgId, renderCallbackHandler, callback.MessageId, err)
			return notFoundAs(err, "generation job")
		}

		status := models.GenerationJobStatusCompleted
		var jobErr *string
		if !callback.Success {
			status = models.GenerationJobStatusFailed
			if callback.Error != "" {
				jobErr = &callback.Error
			}
		}
		if err := models.MarkGenerationJob(tx, ctx, orgId, job.ID, status, jobErr); err != nil {
			_ = MarkIdempotencyFailed(tx, orgId, renderCallbackHandler, callback.MessageId, err)
			return err
		}

		models.WriteAuditNote(tx, ctx, orgId, "RENDER_CALLBACK", job.ID, "generation_job",
			job.Status, status, "render callback applied", callback.MessageId)

		return MarkIdempotencySucceeded(tx, orgId, renderCallbackHandler, callback.MessageId)
	})
}
