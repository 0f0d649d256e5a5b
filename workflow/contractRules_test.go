package workflow

import (
	"testing"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"github.com/shopspring/decimal"
)

func dptr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func mustCompute(t *testing.T, contract models.Contract) RulesResult {
	t.Helper()
	result, err := ComputeContract(contract, "")
	if err != nil {
		t.Fatalf("ComputeContract: %v", err)
	}
	return result
}

func baseContract(reportType models.ReportType) models.Contract {
	return models.EmptyContract(reportType, "tester")
}

func TestComputeContract_FmvRealizableDistress(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.ValuationInputs.LandValue = dptr("3000000")
	contract.ValuationInputs.BuildingValue = dptr("1500000")

	cv := mustCompute(t, contract).Contract.ComputedValues
	if cv == nil {
		t.Fatal("computed values missing")
	}
	if !cv.FairMarketValue.Equal(decimal.RequireFromString("4500000")) {
		t.Fatalf("FMV = %s, want 4500000", cv.FairMarketValue)
	}
	if !cv.RealizableValue.Equal(decimal.RequireFromString("4275000")) {
		t.Fatalf("realizable = %s, want 4275000 (FMV*0.95)", cv.RealizableValue)
	}
	if !cv.DistressValue.Equal(decimal.RequireFromString("3600000")) {
		t.Fatalf("distress = %s, want 3600000 (FMV*0.80)", cv.DistressValue)
	}
}

func TestComputeContract_MissingBuildingValueTreatedAsZero(t *testing.T) {
	contract := baseContract(models.ReportTypePlot)
	contract.ValuationInputs.LandValue = dptr("2000000")

	cv := mustCompute(t, contract).Contract.ComputedValues
	if !cv.FairMarketValue.Equal(decimal.RequireFromString("2000000")) {
		t.Fatalf("FMV = %s, want 2000000", cv.FairMarketValue)
	}
}

func TestComputeContract_NoInputsProducesNoValues(t *testing.T) {
	cv := mustCompute(t, baseContract(models.ReportTypeFlat)).Contract.ComputedValues
	if cv.FairMarketValue != nil || cv.RealizableValue != nil || cv.DistressValue != nil {
		t.Fatalf("absent inputs must propagate as nil, got FMV=%v realizable=%v distress=%v",
			cv.FairMarketValue, cv.RealizableValue, cv.DistressValue)
	}
	if cv.ValueSlab != models.ValueSlabUnknown {
		t.Fatalf("slab = %s, want UNKNOWN", cv.ValueSlab)
	}
}

func TestComputeContract_InputNotMutated(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.ValuationInputs.LandValue = dptr("1000")
	_ = mustCompute(t, contract)
	if contract.ComputedValues != nil {
		t.Fatal("input contract was mutated")
	}
}

func TestComputeContract_CoopAdoptedOnly(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.Party.BankName = "Jana Sahakari Bank"
	contract.ValuationInputs.AdoptedTotalValue = dptr("12345")

	result := mustCompute(t, contract)
	cv := result.Contract.ComputedValues

	if result.Contract.Meta.BankType != models.BankTypeCooperative {
		t.Fatalf("bank type = %s, want COOP", result.Contract.Meta.BankType)
	}
	if !cv.MarketTotalValue.Equal(decimal.RequireFromString("15431.25")) {
		t.Fatalf("inferred market = %s, want 15431.25", cv.MarketTotalValue)
	}
	if !cv.RoundedTotalValue.Equal(decimal.RequireFromString("15500")) {
		t.Fatalf("rounded = %s, want 15500", cv.RoundedTotalValue)
	}
	if cv.TemplateSelector != models.TemplateSelectorCoopGeneric {
		t.Fatalf("selector = %s, want COOP_GENERIC", cv.TemplateSelector)
	}

	found := false
	for _, w := range result.Warnings {
		if w.Code == WarningCodeCoopMarketInferred {
			found = true
			if w.Level != models.WarningLevelInfo {
				t.Fatalf("inferred-side warning level = %s, want info", w.Level)
			}
		}
	}
	if !found {
		t.Fatal("expected COOP_MARKET_INFERRED warning")
	}
}

func TestComputeContract_CoopMarketOnly(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.Meta.BankType = models.BankTypeCooperative
	contract.ValuationInputs.MarketTotalValue = dptr("20000")

	cv := mustCompute(t, contract).Contract.ComputedValues
	if !cv.AdoptedTotalValue.Equal(decimal.RequireFromString("16000")) {
		t.Fatalf("inferred adopted = %s, want 16000 (0.8 * market)", cv.AdoptedTotalValue)
	}
}

func TestComputeContract_CoopBothPresentSkipsInference(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.Meta.BankType = models.BankTypeCooperative
	contract.ValuationInputs.AdoptedTotalValue = dptr("1000")
	contract.ValuationInputs.MarketTotalValue = dptr("9999")

	result := mustCompute(t, contract)
	cv := result.Contract.ComputedValues
	if !cv.AdoptedTotalValue.Equal(decimal.RequireFromString("1000")) || !cv.MarketTotalValue.Equal(decimal.RequireFromString("9999")) {
		t.Fatal("both sides present must pass through unchanged")
	}
	for _, w := range result.Warnings {
		if w.Code == WarningCodeCoopMarketInferred || w.Code == WarningCodeCoopAdoptedInferred {
			t.Fatalf("unexpected inference warning %s", w.Code)
		}
	}
}

func TestComputeContract_SlabBoundary(t *testing.T) {
	lt := baseContract(models.ReportTypeLandAndBuilding)
	lt.ValuationInputs.FairMarketValue = dptr("49999999")
	ltResult := mustCompute(t, lt).Contract.ComputedValues
	if ltResult.ValueSlab != models.ValueSlabLT5Cr {
		t.Fatalf("49,999,999 slab = %s, want LT_5CR", ltResult.ValueSlab)
	}
	if ltResult.TemplateSelector != models.TemplateSelectorSBIFormatA {
		t.Fatalf("49,999,999 selector = %s, want SBI_FORMAT_A", ltResult.TemplateSelector)
	}

	gt := baseContract(models.ReportTypeLandAndBuilding)
	gt.ValuationInputs.FairMarketValue = dptr("50000000")
	gtResult := mustCompute(t, gt).Contract.ComputedValues
	if gtResult.ValueSlab != models.ValueSlabGT5Cr {
		t.Fatalf("50,000,000 slab = %s, want GT_5CR (boundary inclusive on high side)", gtResult.ValueSlab)
	}
	if gtResult.TemplateSelector != models.TemplateSelectorBOIPSU {
		t.Fatalf("50,000,000 selector = %s, want BOI_PSU_GENERIC", gtResult.TemplateSelector)
	}
}

func TestComputeContract_ExistingStandardizedGuidelineRateWins(t *testing.T) {
	contract := baseContract(models.ReportTypeFlat)
	contract.ValuationInputs.GuidelineRateSqm = dptr("5000")
	contract.ValuationInputs.GuidelineRate = dptr("111")
	contract.ValuationInputs.GuidelineRateUnit = utils.AreaUnitSqft

	cv := mustCompute(t, contract).Contract.ComputedValues
	if !cv.GuidelineRateSqm.Equal(decimal.RequireFromString("5000")) {
		t.Fatalf("standardized rate overwritten: got %s, want 5000", cv.GuidelineRateSqm)
	}
}

func TestComputeContract_AreaStandardization(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.Property.LandArea = dptr("1076.39")
	contract.Property.LandAreaUnit = utils.AreaUnitSqft
	contract.Property.BuiltUpArea = dptr("50")
	contract.Property.BuiltUpUnit = utils.AreaUnitSqm

	cv := mustCompute(t, contract).Contract.ComputedValues
	if !cv.LandAreaSqm.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("land area = %s sqm, want 100", cv.LandAreaSqm)
	}
	if !cv.BuiltUpAreaSqm.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("built-up area = %s sqm, want 50", cv.BuiltUpAreaSqm)
	}
}

func TestComputeContract_Warnings(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	// no bank details, no rates, no address
	result := mustCompute(t, contract)

	want := map[string]bool{
		WarningCodeBankDetailsMissing: false,
		WarningCodeRatesMissing:       false,
		WarningCodeAddressMissing:     false,
	}
	for _, w := range result.Warnings {
		if _, ok := want[w.Code]; ok {
			want[w.Code] = true
		}
	}
	for code, seen := range want {
		if !seen {
			t.Errorf("expected warning %s", code)
		}
	}
}

func TestComputeContract_SuspiciousRateRatio(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.ValuationInputs.GuidelineRateSqm = dptr("100")
	contract.ValuationInputs.MarketRate = dptr("5000")

	result := mustCompute(t, contract)
	found := false
	for _, w := range result.Warnings {
		if w.Code == WarningCodeRateRatioSuspicious {
			found = true
		}
	}
	if !found {
		t.Fatal("ratio 50 should trigger RATE_RATIO_SUSPICIOUS")
	}
}

func TestInferBankType(t *testing.T) {
	cases := []struct {
		name string
		want models.BankType
	}{
		{"State Bank of India", models.BankTypeSBI},
		{"SBI Main Branch", models.BankTypeSBI},
		{"Bank of India", models.BankTypePSU},
		{"Punjab National Bank", models.BankTypePSU},
		{"Shri Laxmi Co-op Bank", models.BankTypeCooperative},
		{"Jalgaon Sahakari Bank", models.BankTypeCooperative},
		{"District Agri Credit Society", models.BankTypeAgri},
		{"Some Private Bank", models.BankTypeGeneric},
		{"", models.BankTypeUnknown},
	}
	for _, c := range cases {
		if got := InferBankType(c.name); got != c.want {
			t.Errorf("InferBankType(%q) = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestComputeContract_ExplicitBankTypeWinsOverInference(t *testing.T) {
	contract := baseContract(models.ReportTypeLandAndBuilding)
	contract.Meta.BankType = models.BankTypeGeneric
	contract.Party.BankName = "State Bank of India"

	result := mustCompute(t, contract)
	if result.Contract.Meta.BankType != models.BankTypeGeneric {
		t.Fatalf("explicit bank type overridden: got %s", result.Contract.Meta.BankType)
	}
}

func TestComputeContract_RulesetVersionStamped(t *testing.T) {
	result := mustCompute(t, baseContract(models.ReportTypeFlat))
	if result.RulesetVersion != DefaultRulesetVersion {
		t.Fatalf("ruleset version = %q, want %q", result.RulesetVersion, DefaultRulesetVersion)
	}
	if result.Contract.ComputedValues.RulesetVersion != DefaultRulesetVersion {
		t.Fatalf("computed ruleset version = %q, want %q", result.Contract.ComputedValues.RulesetVersion, DefaultRulesetVersion)
	}
}
