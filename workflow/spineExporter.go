package workflow

import (
	"context"
	"errors"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
)

// SpineExporter assembles export bundles and work-order detail views from the
// local store. It implements the Exporter collaborator for deployments where
// the document spine lives in the same database.
type SpineExporter struct{}

func NewSpineExporter() *SpineExporter {
	return &SpineExporter{}
}

// ExportWorkOrder builds the canonical render input for one snapshot.
// snapshotVersion <= 0 exports the latest snapshot.
func (e *SpineExporter) ExportWorkOrder(ctx context.Context, orgId string, workOrderId int, snapshotVersion int) (*ExportBundle, error) {
	workOrder, err := models.GetWorkOrder(ctx, orgId, workOrderId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, NewNotFoundError("work order")
		}
		return nil, err
	}

	var snapshot *models.ContractSnapshot
	if snapshotVersion > 0 {
		snapshot, err = models.GetContractSnapshot(ctx, orgId, workOrderId, snapshotVersion)
	} else {
		snapshot, err = models.GetLatestContractSnapshot(ctx, orgId, workOrderId)
	}
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, NewNotFoundError("contract snapshot")
		}
		return nil, err
	}

	contract, err := snapshot.GetContract()
	if err != nil {
		return nil, err
	}

	evidence, err := models.GetEvidenceItemsForWorkOrder(ctx, orgId, workOrderId)
	if err != nil {
		return nil, err
	}

	return &ExportBundle{
		OrgId:           orgId,
		WorkOrderId:     workOrderId,
		AssignmentId:    workOrder.AssignmentId,
		ReportType:      workOrder.ReportType,
		SnapshotVersion: snapshot.Version,
		Contract:        contract,
		Readiness:       snapshot.GetReadiness(),
		Annexures:       AutoOrderAnnexures(evidence),
	}, nil
}

// GetWorkOrderDetail recomputes the live checklist view; it does not touch
// stored snapshots.
func (e *SpineExporter) GetWorkOrderDetail(ctx context.Context, orgId string, workOrderId int) (*WorkOrderDetail, error) {
	workOrder, err := models.GetWorkOrder(ctx, orgId, workOrderId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, NewNotFoundError("work order")
		}
		return nil, err
	}

	detail := &WorkOrderDetail{WorkOrder: workOrder}

	if workOrder.EvidenceProfileId == nil {
		return detail, nil
	}
	profile, err := models.GetEvidenceProfile(ctx, orgId, *workOrder.EvidenceProfileId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return detail, nil
		}
		return nil, err
	}
	evidence, err := models.GetEvidenceItemsForWorkOrder(ctx, orgId, workOrderId)
	if err != nil {
		return nil, err
	}

	snapshot, err := models.GetLatestContractSnapshot(ctx, orgId, workOrderId)
	if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}
	var missingFields []string
	if snapshot != nil {
		if contract, err := snapshot.GetContract(); err == nil {
			missingFields = contract.MissingFieldKeys()
		}
	}

	detail.Checklist = BuildChecklist(profile, evidence)
	detail.Readiness = SummarizeReadiness(detail.Checklist, missingFields)
	return detail, nil
}
