package workflow

import (
	"strings"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"github.com/shopspring/decimal"
)

// DefaultRulesetVersion tags computed values so a stored contract can always
// be traced back to the rule revision that produced it.
const DefaultRulesetVersion = "m5.4-v1"

var (
	valueSlabThreshold = decimal.RequireFromString("50000000")
	realizableFactor   = decimal.RequireFromString("0.95")
	distressFactor     = decimal.RequireFromString("0.80")
	coopAdoptedFactor  = decimal.RequireFromString("0.8")
	coopRoundingStep   = decimal.RequireFromString("500")
	rateRatioFloor     = decimal.RequireFromString("0.1")
	rateRatioCeiling   = decimal.RequireFromString("10")
)

// Warning codes emitted by the rules engine. Advisory only, never fatal.
const (
	WarningCodeCoopMarketInferred  = "COOP_MARKET_INFERRED"
	WarningCodeCoopAdoptedInferred = "COOP_ADOPTED_INFERRED"
	WarningCodeBankDetailsMissing  = "BANK_DETAILS_MISSING"
	WarningCodeRatesMissing        = "RATES_MISSING"
	WarningCodeRateRatioSuspicious = "RATE_RATIO_SUSPICIOUS"
	WarningCodeUnitMismatch        = "UNIT_MISMATCH"
	WarningCodeAddressMissing      = "ADDRESS_MISSING"
	WarningCodePhoneInvalid        = "PHONE_INVALID"
)

type RuleWarning struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Level   models.WarningLevel `json:"level"`
}

type RulesResult struct {
	Contract       models.Contract
	Warnings       []RuleWarning
	RulesetVersion string
}

// ComputeContract derives computed_values, classification, and advisory
// warnings from a contract document. The input is deep-copied, never mutated.
// Missing optional numerics stay nil in the output; the engine produces no
// value rather than a zero, except where addition explicitly treats an absent
// side as 0 (land + building).
func ComputeContract(input models.Contract, rulesetVersion string) (RulesResult, error) {
	if rulesetVersion == "" {
		rulesetVersion = DefaultRulesetVersion
	}

	contract, err := input.Clone()
	if err != nil {
		return RulesResult{}, err
	}
	if contract.ManualFields == nil {
		contract.ManualFields = map[string]string{}
	}

	var warnings []RuleWarning
	warn := func(code, message string, level models.WarningLevel) {
		warnings = append(warnings, RuleWarning{Code: code, Message: message, Level: level})
	}

	bankType := contract.Meta.BankType
	if bankType == "" || bankType == models.BankTypeUnknown {
		bankType = InferBankType(contract.Party.BankName)
	}
	contract.Meta.BankType = bankType

	computed := &models.ComputedValues{}

	inputs := contract.ValuationInputs
	property := contract.Property

	// area standardization; declared input unit is the fallback when a field
	// carries no unit of its own
	fallbackUnit := inputs.InputUnit
	if property.LandArea != nil {
		v := utils.AreaToSqm(*property.LandArea, resolveUnit(property.LandAreaUnit, fallbackUnit))
		computed.LandAreaSqm = &v
	}
	if property.BuiltUpArea != nil {
		v := utils.AreaToSqm(*property.BuiltUpArea, resolveUnit(property.BuiltUpUnit, fallbackUnit))
		computed.BuiltUpAreaSqm = &v
	}

	// a previously standardized guideline rate wins; never overwrite it
	if inputs.GuidelineRateSqm != nil {
		v := *inputs.GuidelineRateSqm
		computed.GuidelineRateSqm = &v
	} else if inputs.GuidelineRate != nil {
		v := utils.RateToSqm(*inputs.GuidelineRate, resolveUnit(inputs.GuidelineRateUnit, fallbackUnit))
		computed.GuidelineRateSqm = &v
	}
	if inputs.MarketRate != nil {
		v := utils.RateToSqm(*inputs.MarketRate, resolveUnit(inputs.MarketRateUnit, fallbackUnit))
		computed.MarketRateSqm = &v
	}
	if inputs.AdoptedRate != nil {
		v := utils.RateToSqm(*inputs.AdoptedRate, resolveUnit(inputs.AdoptedRateUnit, fallbackUnit))
		computed.AdoptedRateSqm = &v
	}

	adoptedTotal := copyDecimal(inputs.AdoptedTotalValue)
	marketTotal := copyDecimal(inputs.MarketTotalValue)

	// co-operative inversion: when exactly one side of the adopted/market pair
	// is present, derive the other via adopted = 0.8 * market
	if bankType == models.BankTypeCooperative {
		switch {
		case adoptedTotal != nil && marketTotal == nil:
			v := adoptedTotal.Div(coopAdoptedFactor).Round(2)
			marketTotal = &v
			warn(WarningCodeCoopMarketInferred, "market total value inferred from adopted total value", models.WarningLevelInfo)
		case marketTotal != nil && adoptedTotal == nil:
			v := marketTotal.Mul(coopAdoptedFactor).Round(2)
			adoptedTotal = &v
			warn(WarningCodeCoopAdoptedInferred, "adopted total value inferred from market total value", models.WarningLevelInfo)
		}
		switch {
		case computed.AdoptedRateSqm != nil && computed.MarketRateSqm == nil:
			v := computed.AdoptedRateSqm.Div(coopAdoptedFactor).Round(2)
			computed.MarketRateSqm = &v
		case computed.MarketRateSqm != nil && computed.AdoptedRateSqm == nil:
			v := computed.MarketRateSqm.Mul(coopAdoptedFactor).Round(2)
			computed.AdoptedRateSqm = &v
		}
	}
	computed.AdoptedTotalValue = adoptedTotal
	computed.MarketTotalValue = marketTotal

	// FMV: explicit input wins, else land + building with absent sides as 0
	var fmv *decimal.Decimal
	if inputs.FairMarketValue != nil {
		v := inputs.FairMarketValue.Round(2)
		fmv = &v
	} else if inputs.LandValue != nil || inputs.BuildingValue != nil {
		sum := decimal.Zero
		if inputs.LandValue != nil {
			sum = sum.Add(*inputs.LandValue)
		}
		if inputs.BuildingValue != nil {
			sum = sum.Add(*inputs.BuildingValue)
		}
		v := sum.Round(2)
		fmv = &v
	}
	computed.FairMarketValue = fmv
	if fmv != nil {
		realizable := fmv.Mul(realizableFactor).Round(2)
		distress := fmv.Mul(distressFactor).Round(2)
		computed.RealizableValue = &realizable
		computed.DistressValue = &distress
	}

	// slab classification, strict < on the threshold
	slabCandidate := fmv
	if slabCandidate == nil && bankType == models.BankTypeCooperative {
		if adoptedTotal != nil {
			slabCandidate = adoptedTotal
		} else {
			slabCandidate = marketTotal
		}
	}
	slab := models.ValueSlabUnknown
	if slabCandidate != nil && slabCandidate.IsPositive() {
		if slabCandidate.LessThan(valueSlabThreshold) {
			slab = models.ValueSlabLT5Cr
		} else {
			slab = models.ValueSlabGT5Cr
		}
	}
	computed.ValueSlab = slab

	computed.TemplateSelector = selectTemplate(bankType, slab)

	// co-ops round the headline figure up to the next 500
	if bankType == models.BankTypeCooperative {
		base := firstDecimal(marketTotal, adoptedTotal, fmv)
		if base != nil {
			v := utils.RoundUpToStep(*base, coopRoundingStep)
			computed.RoundedTotalValue = &v
		}
	}

	if contract.Party.BankName == "" || contract.Party.BankBranch == "" {
		warn(WarningCodeBankDetailsMissing, "bank name or branch missing", models.WarningLevelWarn)
	}
	if computed.GuidelineRateSqm == nil && computed.MarketRateSqm == nil {
		warn(WarningCodeRatesMissing, "both guideline and market rates missing", models.WarningLevelWarn)
	}
	if computed.GuidelineRateSqm != nil && computed.MarketRateSqm != nil && computed.GuidelineRateSqm.IsPositive() {
		ratio := computed.MarketRateSqm.Div(*computed.GuidelineRateSqm)
		if ratio.LessThan(rateRatioFloor) || ratio.GreaterThan(rateRatioCeiling) {
			warn(WarningCodeRateRatioSuspicious, "market/guideline rate ratio outside [0.1, 10], check entered units", models.WarningLevelWarn)
		}
	}
	if inputs.InputUnit != "" && inputs.MarketRateUnit != "" && inputs.InputUnit != inputs.MarketRateUnit {
		warn(WarningCodeUnitMismatch, "declared input unit differs from market rate unit", models.WarningLevelWarn)
	}
	if contract.Property.Address == "" {
		warn(WarningCodeAddressMissing, "property address missing", models.WarningLevelWarn)
	}
	if contract.Party.BorrowerPhone != "" {
		if err := utils.ValidatePhoneNumber(contract.Party.BorrowerPhone, "IN"); err != nil {
			warn(WarningCodePhoneInvalid, "borrower phone number is not a valid phone number", models.WarningLevelInfo)
		}
	}

	computed.RulesetVersion = rulesetVersion
	contract.ComputedValues = computed
	contract.Meta.ValueSlab = slab
	contract.Meta.TemplateSelector = computed.TemplateSelector

	now := time.Now().UTC()
	contract.Audit.LastComputedAt = &now

	return RulesResult{
		Contract:       contract,
		Warnings:       warnings,
		RulesetVersion: rulesetVersion,
	}, nil
}

// InferBankType classifies a free-form bank name by substring. Explicit bank
// types on the contract meta always win over inference.
func InferBankType(bankName string) models.BankType {
	name := strings.ToUpper(strings.TrimSpace(bankName))
	if name == "" {
		return models.BankTypeUnknown
	}
	switch {
	case containsAny(name, "CO-OP", "COOP", "COOPERATIVE", "SAHAKARI"):
		return models.BankTypeCooperative
	case containsAny(name, "AGRI", "KRISHI", "GRAMIN"):
		return models.BankTypeAgri
	case containsAny(name, "SBI", "STATE BANK"):
		return models.BankTypeSBI
	case containsAny(name, "BANK OF INDIA", "BOI", "PUNJAB NATIONAL", "PNB", "CANARA", "UNION BANK"):
		return models.BankTypePSU
	default:
		return models.BankTypeGeneric
	}
}

func selectTemplate(bankType models.BankType, slab models.ValueSlab) models.TemplateSelector {
	switch {
	case bankType == models.BankTypeCooperative:
		return models.TemplateSelectorCoopGeneric
	case bankType == models.BankTypeAgri:
		return models.TemplateSelectorAgriGeneric
	case slab == models.ValueSlabLT5Cr:
		return models.TemplateSelectorSBIFormatA
	case slab == models.ValueSlabGT5Cr:
		return models.TemplateSelectorBOIPSU
	default:
		return models.TemplateSelectorUnknown
	}
}

func resolveUnit(unit utils.AreaUnit, fallback utils.AreaUnit) utils.AreaUnit {
	if unit != "" {
		return unit
	}
	if fallback != "" {
		return fallback
	}
	return utils.AreaUnitSqm
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func firstDecimal(candidates ...*decimal.Decimal) *decimal.Decimal {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}
