package workflow

import (
	"sort"

	"bitbucket.org/propfocus/appraisal_backend/models"
)

// ChecklistRow is a persisted-shape row; field names are read by the
// operator UI and by readiness summaries.
type ChecklistRow struct {
	ProfileItemId      int                 `json:"profile_item_id"`
	Label              string              `json:"label"`
	Type               models.EvidenceType `json:"type"`
	DocType            *string             `json:"doc_type,omitempty"`
	MinCount           int                 `json:"min_count"`
	Required           bool                `json:"required"`
	CurrentCount       int                 `json:"current_count"`
	MissingCount       int                 `json:"missing_count"`
	Satisfied          bool                `json:"satisfied"`
	FieldHint          string              `json:"field_hint,omitempty"`
	MatchedEvidenceIds []int               `json:"matched_evidence_ids,omitempty"`
}

type CaptureSuggestion struct {
	FieldKey string         `json:"field_key"`
	Rows     []ChecklistRow `json:"rows"`
}

type AnnexurePosition struct {
	EvidenceItemId int    `json:"evidence_item_id"`
	Label          string `json:"label"`
	Position       int    `json:"position"`
}

// BuildChecklist matches captured evidence against the profile's items.
// Matching is type-exact, doc-type-exact when the item names one, and
// required-tag subset based (extra evidence tags are ignored).
//
// Satisfied is current_count >= min_count for required and optional rows
// alike; the required flag only weights the readiness summary.
func BuildChecklist(profile *models.EvidenceProfile, evidence []models.EvidenceItem) []ChecklistRow {
	if profile == nil {
		return []ChecklistRow{}
	}

	items := make([]models.EvidenceProfileItem, len(profile.Items))
	copy(items, profile.Items)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].OrderHint != items[j].OrderHint {
			return items[i].OrderHint < items[j].OrderHint
		}
		return items[i].ID < items[j].ID
	})

	rows := make([]ChecklistRow, 0, len(items))
	for _, item := range items {
		requiredTags := item.GetRequiredTags()

		var matched []int
		for _, e := range evidence {
			if matchesProfileItem(&item, requiredTags, &e) {
				matched = append(matched, e.ID)
			}
		}

		currentCount := len(matched)
		missingCount := item.MinCount - currentCount
		if missingCount < 0 {
			missingCount = 0
		}

		required := true
		if item.Required != nil {
			required = *item.Required
		}

		rows = append(rows, ChecklistRow{
			ProfileItemId:      item.ID,
			Label:              item.Label,
			Type:               item.Type,
			DocType:            item.DocType,
			MinCount:           item.MinCount,
			Required:           required,
			CurrentCount:       currentCount,
			MissingCount:       missingCount,
			Satisfied:          currentCount >= item.MinCount,
			FieldHint:          item.FieldHint,
			MatchedEvidenceIds: matched,
		})
	}
	return rows
}

func matchesProfileItem(item *models.EvidenceProfileItem, requiredTags map[string]string, evidence *models.EvidenceItem) bool {
	if evidence.Type != item.Type {
		return false
	}
	if item.DocType != nil {
		if evidence.DocType == nil || *evidence.DocType != *item.DocType {
			return false
		}
	}
	if len(requiredTags) > 0 {
		evidenceTags := evidence.GetTags()
		for key, want := range requiredTags {
			if evidenceTags[key] != want {
				return false
			}
		}
	}
	return true
}

// SuggestCaptureActions maps missing contract field keys to the checklist
// rows hinted at them. Keys with no matching row are dropped silently.
func SuggestCaptureActions(missingFieldKeys []string, rows []ChecklistRow) []CaptureSuggestion {
	suggestions := make([]CaptureSuggestion, 0, len(missingFieldKeys))
	for _, key := range missingFieldKeys {
		var hinted []ChecklistRow
		for _, row := range rows {
			if row.FieldHint == key {
				hinted = append(hinted, row)
			}
		}
		if len(hinted) > 0 {
			suggestions = append(suggestions, CaptureSuggestion{FieldKey: key, Rows: hinted})
		}
	}
	return suggestions
}

// Category ranks for annexure ordering. Tag-derived categories outrank the
// coarse type fallbacks so a tagged exterior photo always leads the pack.
const (
	annexureRankExterior     = 10
	annexureRankInterior     = 20
	annexureRankSurroundings = 30
	annexureRankGps          = 40
	annexureRankGoogleMap    = 50
	annexureRankRouteMap     = 60
	annexureRankScreenshot   = 70
	annexureRankGeo          = 80
	annexureRankPhoto        = 90
	annexureRankDocument     = 100
	annexureRankOther        = 200
)

func annexureRank(item *models.EvidenceItem) int {
	tags := item.GetTags()
	switch tags["view"] {
	case "exterior":
		return annexureRankExterior
	case "interior":
		return annexureRankInterior
	case "surroundings":
		return annexureRankSurroundings
	}
	switch tags["kind"] {
	case "gps":
		return annexureRankGps
	case "google-map":
		return annexureRankGoogleMap
	case "route-map":
		return annexureRankRouteMap
	}
	switch item.Type {
	case models.EvidenceTypeScreenshot:
		return annexureRankScreenshot
	case models.EvidenceTypeGeo:
		return annexureRankGeo
	case models.EvidenceTypePhoto:
		return annexureRankPhoto
	case models.EvidenceTypeDocument:
		return annexureRankDocument
	default:
		return annexureRankOther
	}
}

// AutoOrderAnnexures assigns sequential 1-based positions by
// (category rank, existing order, capture time, id). Advisory only; safe to
// recompute at any time.
func AutoOrderAnnexures(evidence []models.EvidenceItem) []AnnexurePosition {
	ordered := make([]models.EvidenceItem, len(evidence))
	copy(ordered, evidence)

	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := annexureRank(&ordered[i]), annexureRank(&ordered[j])
		if ri != rj {
			return ri < rj
		}
		oi, oj := existingOrder(&ordered[i]), existingOrder(&ordered[j])
		if oi != oj {
			return oi < oj
		}
		if !ordered[i].CapturedAt.Equal(ordered[j].CapturedAt) {
			return ordered[i].CapturedAt.Before(ordered[j].CapturedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	positions := make([]AnnexurePosition, 0, len(ordered))
	for i, item := range ordered {
		positions = append(positions, AnnexurePosition{
			EvidenceItemId: item.ID,
			Label:          item.Label,
			Position:       i + 1,
		})
	}
	return positions
}

func existingOrder(item *models.EvidenceItem) int {
	if item.AnnexureOrder == nil {
		return int(^uint(0) >> 1)
	}
	return *item.AnnexureOrder
}

// SummarizeReadiness folds a checklist and the contract's missing fields into
// the snapshot readiness summary.
func SummarizeReadiness(rows []ChecklistRow, missingFields []string) models.ReadinessSummary {
	summary := models.ReadinessSummary{MissingFields: missingFields}
	for _, row := range rows {
		if row.Required {
			summary.RequiredTotal++
			if row.Satisfied {
				summary.RequiredSatisfied++
			}
		} else {
			summary.OptionalTotal++
			if row.Satisfied {
				summary.OptionalSatisfied++
			}
		}
	}
	summary.EvidenceComplete = summary.RequiredSatisfied == summary.RequiredTotal
	summary.DataComplete = len(missingFields) == 0
	return summary
}

// StatusForReadiness is the post-patch status derivation: evidence gaps win
// over data gaps, and a fully ready work order moves to READY_FOR_RENDER.
func StatusForReadiness(summary models.ReadinessSummary) models.WorkOrderStatus {
	if !summary.EvidenceComplete {
		return models.WorkOrderStatusEvidencePending
	}
	if !summary.DataComplete {
		return models.WorkOrderStatusDataPending
	}
	return models.WorkOrderStatusReadyForRender
}
