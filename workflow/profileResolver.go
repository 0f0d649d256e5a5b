package workflow

import (
	"context"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"gorm.io/gorm"
)

// Profile candidate scoring. Exact matches dominate, generic fallbacks keep
// a candidate alive when nothing fits exactly.
const (
	profileScoreBankExact    = 10
	profileScoreBankGeneric  = 2
	profileScoreSlabExact    = 5
	profileScoreSlabFallback = 1
)

// ScoreEvidenceProfile rates a candidate against a work order's bank type and
// value slab.
func ScoreEvidenceProfile(candidate *models.EvidenceProfile, bankType models.BankType, valueSlab models.ValueSlab) int {
	score := 0
	if candidate.BankType == bankType {
		score += profileScoreBankExact
	} else if candidate.BankType == models.BankTypeGeneric {
		score += profileScoreBankGeneric
	}
	if candidate.ValueSlab == valueSlab {
		score += profileScoreSlabExact
	} else if candidate.ValueSlab == models.ValueSlabUnknown {
		score += profileScoreSlabFallback
	}
	return score
}

// PickEvidenceProfile selects the best-scoring candidate, ties broken by name
// ascending. Returns nil when there are no candidates.
func PickEvidenceProfile(candidates []models.EvidenceProfile, bankType models.BankType, valueSlab models.ValueSlab) *models.EvidenceProfile {
	var best *models.EvidenceProfile
	bestScore := -1
	for i := range candidates {
		candidate := &candidates[i]
		score := ScoreEvidenceProfile(candidate, bankType, valueSlab)
		if score > bestScore || (score == bestScore && best != nil && candidate.Name < best.Name) {
			best = candidate
			bestScore = score
		}
	}
	return best
}

// ResolveEvidenceProfile picks the applicable checklist template for a work
// order and persists the choice once. A work order that already carries a
// profile keeps it untouched.
func ResolveEvidenceProfile(tx *gorm.DB, ctx context.Context, workOrder *models.WorkOrder) (*models.EvidenceProfile, error) {
	if workOrder.EvidenceProfileId != nil {
		return models.GetEvidenceProfile(ctx, workOrder.OrgId, *workOrder.EvidenceProfileId)
	}

	candidates, err := models.GetDefaultProfilesForOrg(ctx, workOrder.OrgId, workOrder.ReportType)
	if err != nil {
		return nil, err
	}
	chosen := PickEvidenceProfile(candidates, workOrder.BankType, workOrder.ValueSlab)
	if chosen == nil {
		return nil, NewNotFoundError("evidence profile")
	}

	if err := models.SetEvidenceProfileIfUnset(tx, ctx, workOrder.OrgId, workOrder.ID, chosen.ID); err != nil {
		return nil, err
	}
	workOrder.EvidenceProfileId = &chosen.ID
	return chosen, nil
}
