package workflow

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

type PatchContractResult struct {
	WorkOrder *models.WorkOrder        `json:"work_order"`
	Snapshot  *models.ContractSnapshot `json:"snapshot"`
	Contract  models.Contract          `json:"contract"`
	Readiness models.ReadinessSummary  `json:"readiness"`
	Warnings  []RuleWarning            `json:"warnings"`
}

// PatchContract applies a JSON merge patch to the latest contract snapshot,
// recomputes derived values, refreshes the checklist readiness, and appends
// the next snapshot version. computed_values is derived-only; any patched
// value there is discarded before the rules engine runs.
func PatchContract(db *gorm.DB, ctx context.Context, workOrderId int, patch json.RawMessage, actor string) (*PatchContractResult, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, NewValidationError("organization missing from context")
	}

	patchDoc, err := decodePatch(patch)
	if err != nil {
		return nil, err
	}

	var result *PatchContractResult
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workOrder, err := models.GetWorkOrder(ctx, orgId, workOrderId)
		if err != nil {
			return notFoundAs(err, "work order")
		}
		switch workOrder.Status {
		case models.WorkOrderStatusClosed, models.WorkOrderStatusCancelled:
			return NewValidationError("work order %d is %s and can no longer be patched", workOrderId, workOrder.Status)
		}

		snapshot, err := models.GetLatestContractSnapshot(ctx, orgId, workOrderId)
		if err != nil {
			return notFoundAs(err, "contract snapshot")
		}
		current, err := snapshot.GetContract()
		if err != nil {
			return err
		}

		merged, err := mergeContract(current, patchDoc)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		merged.Audit.LastPatchedBy = actor
		merged.Audit.LastPatchedAt = &now

		rules, err := ComputeContract(merged, DefaultRulesetVersion)
		if err != nil {
			return err
		}
		contract := rules.Contract

		// classification flows back onto the work order row for profile
		// selection and listing filters
		if err := tx.WithContext(ctx).Model(&models.WorkOrder{}).
			Where("org_id = ? AND id = ?", orgId, workOrderId).
			Updates(map[string]interface{}{
				"bank_type":  contract.Meta.BankType,
				"value_slab": contract.Meta.ValueSlab,
			}).Error; err != nil {
			return err
		}
		workOrder.BankType = contract.Meta.BankType
		workOrder.ValueSlab = contract.Meta.ValueSlab

		profile, err := ResolveEvidenceProfile(tx, ctx, workOrder)
		if err != nil && !IsNotFoundError(err) {
			return err
		}
		evidence, err := models.GetEvidenceItemsForWorkOrder(ctx, orgId, workOrderId)
		if err != nil {
			return err
		}
		checklist := BuildChecklist(profile, evidence)
		readiness := SummarizeReadiness(checklist, contract.MissingFieldKeys())

		newSnapshot, err := models.AppendContractSnapshot(tx, ctx, orgId, workOrderId, contract, readiness, actor)
		if err != nil {
			return err
		}

		next := StatusForReadiness(readiness)
		if workOrder.Status != next && workOrder.Status.CanTransitionTo(next) {
			if err := models.TransitionWorkOrderStatus(tx, ctx, orgId, workOrderId, next); err != nil {
				return err
			}
			workOrder.Status = next
		}

		models.WriteAuditNote(tx, ctx, orgId, "CONTRACT_PATCHED", workOrderId, "work_order",
			snapshot.Version, newSnapshot.Version, "contract patched and recomputed", "")

		result = &PatchContractResult{
			WorkOrder: workOrder,
			Snapshot:  newSnapshot,
			Contract:  contract,
			Readiness: readiness,
			Warnings:  rules.Warnings,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// decodePatch parses the patch body and discards computed_values; those are
// derived-only and always recomputed after the merge.
func decodePatch(patch json.RawMessage) (map[string]interface{}, error) {
	var patchDoc map[string]interface{}
	if err := json.Unmarshal(patch, &patchDoc); err != nil {
		return nil, NewValidationError("contract patch is not a JSON object: %v", err)
	}
	delete(patchDoc, "computed_values")
	return patchDoc, nil
}

// mergeContract applies an RFC 7386 style merge patch to the contract's JSON
// form: objects merge recursively, null deletes, everything else replaces.
func mergeContract(current models.Contract, patch map[string]interface{}) (models.Contract, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return models.Contract{}, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Contract{}, err
	}

	mergeObjects(doc, patch)

	merged, err := json.Marshal(doc)
	if err != nil {
		return models.Contract{}, err
	}
	var contract models.Contract
	if err := json.Unmarshal(merged, &contract); err != nil {
		return models.Contract{}, NewValidationError("contract patch produced an invalid document: %v", err)
	}
	return contract, nil
}

func mergeObjects(dst map[string]interface{}, patch map[string]interface{}) {
	for key, value := range patch {
		if value == nil {
			delete(dst, key)
			continue
		}
		patchChild, patchIsObject := value.(map[string]interface{})
		dstChild, dstIsObject := dst[key].(map[string]interface{})
		if patchIsObject && dstIsObject {
			mergeObjects(dstChild, patchChild)
			continue
		}
		dst[key] = value
	}
}
