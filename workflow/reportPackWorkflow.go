package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
)

type EnsureReportPackInput struct {
	WorkOrderId    int
	Actor          string
	RequestId      string
	IdempotencyKey string
}

type EnsureReportPackResult struct {
	Idempotent bool                  `json:"idempotent"`
	Pack       *models.ReportPack    `json:"pack"`
	Job        *models.GenerationJob `json:"job"`
	// RenderPayload is set only when the job was newly created; enqueuing it
	// is the caller's transaction, not this factory's.
	RenderPayload *models.RenderQueueRecord `json:"render_payload,omitempty"`
}

// EnsureReportPackForWorkOrder idempotently creates the report pack and its
// generation job for a ready work order. Safe to call arbitrarily often: a
// pack that already has a job short-circuits with no new writes, and
// uniqueness races are resolved by fetching the winner's rows.
func EnsureReportPackForWorkOrder(ctx context.Context, stores PipelineStores, exporter Exporter, input EnsureReportPackInput) (*EnsureReportPackResult, error) {
	var result *EnsureReportPackResult
	err := stores.Transact(ctx, func(tx PipelineStores) error {
		var err error
		result, err = ensureReportPack(ctx, tx, exporter, input)
		return err
	})
	return result, err
}

func ensureReportPack(ctx context.Context, tx PipelineStores, exporter Exporter, input EnsureReportPackInput) (*EnsureReportPackResult, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, NewValidationError("organization missing from context")
	}

	workOrder, err := tx.WorkOrders().Get(ctx, orgId, input.WorkOrderId)
	if err != nil {
		return nil, err
	}
	if workOrder.Status != models.WorkOrderStatusReadyForRender {
		return nil, NewValidationError("work order %d is %s, must be %s", workOrder.ID, workOrder.Status, models.WorkOrderStatusReadyForRender)
	}
	if workOrder.AssignmentId == 0 {
		return nil, NewValidationError("work order %d has no linked assignment", workOrder.ID)
	}

	snapshot, err := tx.Snapshots().Latest(ctx, orgId, workOrder.ID)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, NewValidationError("work order %d has no contract snapshot", workOrder.ID)
		}
		return nil, err
	}

	// existing pack with an existing job: fully idempotent, no writes
	existingPack, err := tx.Packs().ForWorkOrder(ctx, orgId, workOrder.ID)
	if err != nil && !IsNotFoundError(err) {
		return nil, err
	}
	if existingPack != nil {
		existingJob, err := tx.Jobs().ForPack(ctx, orgId, existingPack.ID)
		if err != nil && !IsNotFoundError(err) {
			return nil, err
		}
		if existingJob != nil {
			return &EnsureReportPackResult{Idempotent: true, Pack: existingPack, Job: existingJob}, nil
		}
	}

	contract, err := snapshot.GetContract()
	if err != nil {
		return nil, err
	}
	templateKey := DeriveTemplateKey(workOrder.ReportType, contract.Meta.TemplateSelector)
	reportFamily := DeriveReportFamily(contract.Meta.TemplateSelector, contract.Meta.BankType)

	pack := existingPack
	created := false
	if pack == nil {
		bundle, err := exporter.ExportWorkOrder(ctx, orgId, workOrder.ID, snapshot.Version)
		if err != nil {
			return nil, err
		}
		bundleHash, err := HashExportBundle(bundle)
		if err != nil {
			return nil, err
		}
		debugArtifact, err := utils.MarshalToJSON(map[string]interface{}{
			"export_bundle":      bundle,
			"export_bundle_hash": bundleHash,
		})
		if err != nil {
			return nil, err
		}

		version, err := tx.Packs().NextVersion(ctx, templateKey, workOrder.AssignmentId)
		if err != nil {
			return nil, err
		}
		pack, created, err = tx.Packs().InsertOrFetch(ctx, &models.ReportPack{
			OrgId:             orgId,
			WorkOrderId:       workOrder.ID,
			AssignmentId:      workOrder.AssignmentId,
			TemplateKey:       templateKey,
			Version:           version,
			ReportFamily:      reportFamily,
			SnapshotVersion:   snapshot.Version,
			ExportBundleHash:  bundleHash,
			DebugArtifactJson: debugArtifact,
			CreatedBy:         input.Actor,
		})
		if err != nil {
			return nil, err
		}
		if created {
			if err := tx.WorkOrders().LinkReportPack(ctx, orgId, workOrder.ID, pack.ID); err != nil {
				return nil, err
			}
			tx.Audit().Note(ctx, orgId, "REPORT_PACK_CREATED", pack.ID, "report_pack",
				nil, pack, fmt.Sprintf("report pack %s v%d created for work order %d", templateKey, pack.Version, workOrder.ID), input.RequestId)
		}
	}

	jobKey := input.IdempotencyKey
	if jobKey == "" {
		jobKey = DefaultJobIdempotencyKey(workOrder.ID, pack.SnapshotVersion)
	}
	if existing, err := tx.Jobs().ByIdempotencyKey(ctx, orgId, jobKey); err == nil {
		return &EnsureReportPackResult{Idempotent: true, Pack: pack, Job: existing}, nil
	} else if !IsNotFoundError(err) {
		return nil, err
	}

	job, jobCreated, err := tx.Jobs().InsertOrFetch(ctx, &models.GenerationJob{
		OrgId:          orgId,
		ReportPackId:   pack.ID,
		WorkOrderId:    workOrder.ID,
		IdempotencyKey: jobKey,
		Status:         models.GenerationJobStatusQueued,
	})
	if err != nil {
		return nil, err
	}
	if !jobCreated {
		return &EnsureReportPackResult{Idempotent: true, Pack: pack, Job: job}, nil
	}

	tx.Audit().Note(ctx, orgId, "GENERATION_JOB_QUEUED", job.ID, "generation_job",
		nil, job, fmt.Sprintf("generation job queued for pack %d", pack.ID), input.RequestId)

	payload := &models.RenderQueueRecord{
		OrgId:            orgId,
		WorkOrderId:      workOrder.ID,
		ReportPackId:     pack.ID,
		GenerationJobId:  job.ID,
		TemplateKey:      pack.TemplateKey,
		ReportFamily:     pack.ReportFamily,
		SnapshotVersion:  pack.SnapshotVersion,
		ExportBundleHash: pack.ExportBundleHash,
		IdempotencyKey:   jobKey,
	}
	if err := tx.Queue().EnqueueRender(ctx, payload); err != nil {
		return nil, err
	}

	return &EnsureReportPackResult{Idempotent: false, Pack: pack, Job: job, RenderPayload: payload}, nil
}

// HashExportBundle produces the stable content hash stored on the pack.
// encoding/json writes struct fields in declaration order and sorts map keys,
// so equal bundles always hash equal.
func HashExportBundle(bundle *ExportBundle) (string, error) {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func DeriveTemplateKey(reportType models.ReportType, selector models.TemplateSelector) string {
	return fmt.Sprintf("%s:%s", reportType, selector)
}

func DeriveReportFamily(selector models.TemplateSelector, bankType models.BankType) string {
	switch selector {
	case models.TemplateSelectorCoopGeneric:
		return "COOP"
	case models.TemplateSelectorAgriGeneric:
		return "AGRI"
	case models.TemplateSelectorSBIFormatA:
		return "SBI"
	case models.TemplateSelectorBOIPSU:
		return "PSU"
	}
	if bankType != "" && bankType != models.BankTypeUnknown {
		return string(bankType)
	}
	return "GENERIC"
}

func DefaultJobIdempotencyKey(workOrderId int, snapshotVersion int) string {
	return fmt.Sprintf("render-wo-%d-v%d", workOrderId, snapshotVersion)
}
