package workflow

import (
	"testing"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/models"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

func photoProfile() *models.EvidenceProfile {
	return &models.EvidenceProfile{
		ID:   1,
		Name: "test profile",
		Items: []models.EvidenceProfileItem{
			{
				ID:               10,
				OrderHint:        1,
				Type:             models.EvidenceTypePhoto,
				MinCount:         2,
				Required:         boolPtr(true),
				Label:            "Exterior photos",
				RequiredTagsJson: `{"view":"exterior"}`,
			},
			{
				ID:        11,
				OrderHint: 2,
				Type:      models.EvidenceTypeDocument,
				DocType:   strPtr("SALE_DEED"),
				MinCount:  1,
				Required:  boolPtr(true),
				Label:     "Sale deed",
				FieldHint: models.ContractFieldLandArea,
			},
			{
				ID:        12,
				OrderHint: 3,
				Type:      models.EvidenceTypeScreenshot,
				MinCount:  1,
				Required:  boolPtr(false),
				Label:     "Guideline rate screenshot",
				FieldHint: models.ContractFieldGuidelineRate,
			},
		},
	}
}

func TestBuildChecklist_TagSubsetMatching(t *testing.T) {
	evidence := []models.EvidenceItem{
		{ID: 1, Type: models.EvidenceTypePhoto, TagsJson: `{"view":"exterior","weather":"rain"}`},
		{ID: 2, Type: models.EvidenceTypePhoto, TagsJson: `{"view":"interior"}`},
		{ID: 3, Type: models.EvidenceTypePhoto},
	}

	rows := BuildChecklist(photoProfile(), evidence)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	exterior := rows[0]
	if exterior.ProfileItemId != 10 {
		t.Fatalf("row order: first row item id = %d, want 10", exterior.ProfileItemId)
	}
	if exterior.CurrentCount != 1 {
		t.Fatalf("current_count = %d, want 1 (only the tagged exterior photo matches)", exterior.CurrentCount)
	}
	if exterior.MissingCount != 1 {
		t.Fatalf("missing_count = %d, want 1", exterior.MissingCount)
	}
	if exterior.Satisfied {
		t.Fatal("1 of 2 exterior photos must not be satisfied")
	}
	if len(exterior.MatchedEvidenceIds) != 1 || exterior.MatchedEvidenceIds[0] != 1 {
		t.Fatalf("matched ids = %v, want [1]", exterior.MatchedEvidenceIds)
	}
}

func TestBuildChecklist_DocTypeExactWhenSet(t *testing.T) {
	evidence := []models.EvidenceItem{
		{ID: 1, Type: models.EvidenceTypeDocument, DocType: strPtr("TAX_RECEIPT")},
		{ID: 2, Type: models.EvidenceTypeDocument, DocType: strPtr("SALE_DEED")},
		{ID: 3, Type: models.EvidenceTypeDocument},
	}

	rows := BuildChecklist(photoProfile(), evidence)
	deed := rows[1]
	if deed.CurrentCount != 1 || !deed.Satisfied {
		t.Fatalf("sale deed row: count=%d satisfied=%v, want 1/true", deed.CurrentCount, deed.Satisfied)
	}
	if len(deed.MatchedEvidenceIds) != 1 || deed.MatchedEvidenceIds[0] != 2 {
		t.Fatalf("matched ids = %v, want [2]", deed.MatchedEvidenceIds)
	}
}

// The satisfied flag deliberately ignores the required flag: an optional row
// with enough evidence reads satisfied, and the flag only weights the
// readiness summary.
func TestBuildChecklist_OptionalRowStillReportsSatisfied(t *testing.T) {
	evidence := []models.EvidenceItem{
		{ID: 1, Type: models.EvidenceTypeScreenshot},
	}
	rows := BuildChecklist(photoProfile(), evidence)
	screenshot := rows[2]
	if screenshot.Required {
		t.Fatal("screenshot row should carry required=false")
	}
	if !screenshot.Satisfied {
		t.Fatal("optional row with min_count met must be satisfied")
	}
}

func TestBuildChecklist_NilProfile(t *testing.T) {
	rows := BuildChecklist(nil, []models.EvidenceItem{{ID: 1}})
	if len(rows) != 0 {
		t.Fatalf("nil profile must yield empty checklist, got %d rows", len(rows))
	}
}

func TestSummarizeReadiness(t *testing.T) {
	rows := []ChecklistRow{
		{Required: true, Satisfied: true},
		{Required: true, Satisfied: false},
		{Required: false, Satisfied: true},
	}
	summary := SummarizeReadiness(rows, []string{models.ContractFieldBankName})

	if summary.RequiredTotal != 2 || summary.RequiredSatisfied != 1 {
		t.Fatalf("required = %d/%d, want 1/2", summary.RequiredSatisfied, summary.RequiredTotal)
	}
	if summary.OptionalTotal != 1 || summary.OptionalSatisfied != 1 {
		t.Fatalf("optional = %d/%d, want 1/1", summary.OptionalSatisfied, summary.OptionalTotal)
	}
	if summary.EvidenceComplete {
		t.Fatal("evidence must not be complete with an unsatisfied required row")
	}
	if summary.DataComplete {
		t.Fatal("data must not be complete with missing fields")
	}

	if got := StatusForReadiness(summary); got != models.WorkOrderStatusEvidencePending {
		t.Fatalf("status = %s, want EVIDENCE_PENDING (evidence gaps win)", got)
	}

	summary.EvidenceComplete = true
	if got := StatusForReadiness(summary); got != models.WorkOrderStatusDataPending {
		t.Fatalf("status = %s, want DATA_PENDING", got)
	}

	summary.DataComplete = true
	if got := StatusForReadiness(summary); got != models.WorkOrderStatusReadyForRender {
		t.Fatalf("status = %s, want READY_FOR_RENDER", got)
	}
}

func TestSuggestCaptureActions_DropsUnhintedKeys(t *testing.T) {
	rows := BuildChecklist(photoProfile(), nil)
	missing := []string{
		models.ContractFieldLandArea,
		models.ContractFieldBankName, // no row hints at this key
		models.ContractFieldGuidelineRate,
	}

	suggestions := SuggestCaptureActions(missing, rows)
	if len(suggestions) != 2 {
		t.Fatalf("suggestions = %d, want 2", len(suggestions))
	}
	if suggestions[0].FieldKey != models.ContractFieldLandArea {
		t.Fatalf("first key = %s, want land area (input order preserved)", suggestions[0].FieldKey)
	}
	if len(suggestions[0].Rows) != 1 || suggestions[0].Rows[0].ProfileItemId != 11 {
		t.Fatalf("land area suggestion rows = %+v, want the sale deed row", suggestions[0].Rows)
	}
	if suggestions[1].FieldKey != models.ContractFieldGuidelineRate {
		t.Fatalf("second key = %s, want guideline rate", suggestions[1].FieldKey)
	}
}

func TestAutoOrderAnnexures(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	evidence := []models.EvidenceItem{
		{ID: 1, Type: models.EvidenceTypeDocument, Label: "Deed", CapturedAt: base},
		{ID: 2, Type: models.EvidenceTypePhoto, Label: "Interior", TagsJson: `{"view":"interior"}`, CapturedAt: base},
		{ID: 3, Type: models.EvidenceTypePhoto, Label: "Exterior late", TagsJson: `{"view":"exterior"}`, CapturedAt: base.Add(time.Hour)},
		{ID: 4, Type: models.EvidenceTypePhoto, Label: "Exterior early", TagsJson: `{"view":"exterior"}`, CapturedAt: base},
		{ID: 5, Type: models.EvidenceTypeGeo, Label: "GPS", TagsJson: `{"kind":"gps"}`, CapturedAt: base},
		{ID: 6, Type: models.EvidenceTypePhoto, Label: "Untagged photo", CapturedAt: base},
	}

	positions := AutoOrderAnnexures(evidence)
	wantIds := []int{4, 3, 2, 5, 6, 1}
	if len(positions) != len(wantIds) {
		t.Fatalf("positions = %d, want %d", len(positions), len(wantIds))
	}
	for i, p := range positions {
		if p.EvidenceItemId != wantIds[i] {
			t.Fatalf("position %d = evidence %d, want %d (order %v)", i+1, p.EvidenceItemId, wantIds[i], positions)
		}
		if p.Position != i+1 {
			t.Fatalf("position numbering = %d at index %d, want %d", p.Position, i, i+1)
		}
	}
}

func TestAutoOrderAnnexures_ExistingOrderBreaksRankTies(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	evidence := []models.EvidenceItem{
		{ID: 1, Type: models.EvidenceTypePhoto, CapturedAt: base},
		{ID: 2, Type: models.EvidenceTypePhoto, CapturedAt: base.Add(time.Hour), AnnexureOrder: intPtr(1)},
	}
	positions := AutoOrderAnnexures(evidence)
	if positions[0].EvidenceItemId != 2 {
		t.Fatalf("existing order must outrank capture time within a rank, got %v first", positions[0].EvidenceItemId)
	}
}
