package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/utils"
	"github.com/shopspring/decimal"
)

// Contract is the valuation contract document attached to a work order.
// It is stored as JSON text on contract snapshots and patched incrementally
// by operators; computed_values is owned by the rules engine and is always a
// pure function of the other sections plus the ruleset version.
type Contract struct {
	Meta            ContractMeta       `json:"meta"`
	Party           ContractParty      `json:"party"`
	Property        ContractProperty   `json:"property"`
	ValuationInputs ValuationInputs    `json:"valuation_inputs"`
	ComputedValues  *ComputedValues    `json:"computed_values,omitempty"`
	Annexures       []ContractAnnexure `json:"annexures,omitempty"`
	ManualFields    map[string]string  `json:"manual_fields,omitempty"`
	Audit           ContractAudit      `json:"audit"`
}

type ContractMeta struct {
	ReportType       ReportType       `json:"report_type"`
	BankType         BankType         `json:"bank_type"`
	ValueSlab        ValueSlab        `json:"value_slab"`
	TemplateSelector TemplateSelector `json:"template_selector"`
}

type ContractParty struct {
	BankName       string `json:"bank_name"`
	BankBranch     string `json:"bank_branch"`
	BorrowerName   string `json:"borrower_name"`
	BorrowerPhone  string `json:"borrower_phone"`
	ContactPerson  string `json:"contact_person"`
	LoanReference  string `json:"loan_reference"`
	BankRequestRef string `json:"bank_request_ref"`
}

type ContractProperty struct {
	Address       string           `json:"address"`
	City          string           `json:"city"`
	SurveyNumber  string           `json:"survey_number"`
	LandArea      *decimal.Decimal `json:"land_area,omitempty"`
	LandAreaUnit  utils.AreaUnit   `json:"land_area_unit,omitempty"`
	BuiltUpArea   *decimal.Decimal `json:"built_up_area,omitempty"`
	BuiltUpUnit   utils.AreaUnit   `json:"built_up_unit,omitempty"`
	PropertyUsage string           `json:"property_usage,omitempty"`
}

// ValuationInputs carries the raw operator-entered figures. The *_sqm fields
// are standardized values written back by intake tooling; when present the
// rules engine prefers them over converting the raw fields again.
type ValuationInputs struct {
	InputUnit         utils.AreaUnit   `json:"input_unit,omitempty"`
	GuidelineRate     *decimal.Decimal `json:"guideline_rate,omitempty"`
	GuidelineRateUnit utils.AreaUnit   `json:"guideline_rate_unit,omitempty"`
	GuidelineRateSqm  *decimal.Decimal `json:"guideline_rate_sqm,omitempty"`
	MarketRate        *decimal.Decimal `json:"market_rate,omitempty"`
	MarketRateUnit    utils.AreaUnit   `json:"market_rate_unit,omitempty"`
	AdoptedRate       *decimal.Decimal `json:"adopted_rate,omitempty"`
	AdoptedRateUnit   utils.AreaUnit   `json:"adopted_rate_unit,omitempty"`
	LandValue         *decimal.Decimal `json:"land_value,omitempty"`
	BuildingValue     *decimal.Decimal `json:"building_value,omitempty"`
	FairMarketValue   *decimal.Decimal `json:"fair_market_value,omitempty"`
	AdoptedTotalValue *decimal.Decimal `json:"adopted_total_value,omitempty"`
	MarketTotalValue  *decimal.Decimal `json:"market_total_value,omitempty"`
}

// ComputedValues is derived-only. Field names are a persisted contract;
// downstream bank formats read them by name.
type ComputedValues struct {
	LandAreaSqm       *decimal.Decimal `json:"land_area_sqm,omitempty"`
	BuiltUpAreaSqm    *decimal.Decimal `json:"built_up_area_sqm,omitempty"`
	GuidelineRateSqm  *decimal.Decimal `json:"guideline_rate_sqm,omitempty"`
	MarketRateSqm     *decimal.Decimal `json:"market_rate_sqm,omitempty"`
	AdoptedRateSqm    *decimal.Decimal `json:"adopted_rate_sqm,omitempty"`
	FairMarketValue   *decimal.Decimal `json:"fair_market_value,omitempty"`
	RealizableValue   *decimal.Decimal `json:"realizable_value,omitempty"`
	DistressValue     *decimal.Decimal `json:"distress_value,omitempty"`
	AdoptedTotalValue *decimal.Decimal `json:"adopted_total_value,omitempty"`
	MarketTotalValue  *decimal.Decimal `json:"market_total_value,omitempty"`
	RoundedTotalValue *decimal.Decimal `json:"rounded_total_value,omitempty"`
	ValueSlab         ValueSlab        `json:"value_slab"`
	TemplateSelector  TemplateSelector `json:"template_selector"`
	RulesetVersion    string           `json:"ruleset_version"`
}

type ContractAnnexure struct {
	EvidenceItemId int    `json:"evidence_item_id"`
	Label          string `json:"label"`
	Position       int    `json:"position"`
}

type ContractAudit struct {
	CreatedBy      string     `json:"created_by,omitempty"`
	LastPatchedBy  string     `json:"last_patched_by,omitempty"`
	LastPatchedAt  *time.Time `json:"last_patched_at,omitempty"`
	LastComputedAt *time.Time `json:"last_computed_at,omitempty"`
}

// Contract field keys referenced by evidence profile item hints.
const (
	ContractFieldPropertyAddress = "property.address"
	ContractFieldLandArea        = "property.land_area"
	ContractFieldBuiltUpArea     = "property.built_up_area"
	ContractFieldGuidelineRate   = "valuation_inputs.guideline_rate"
	ContractFieldMarketRate      = "valuation_inputs.market_rate"
	ContractFieldBankName        = "party.bank_name"
	ContractFieldBorrowerName    = "party.borrower_name"
)

// Clone deep-copies the contract through its JSON form. The round trip is
// also what snapshot persistence does, so a clone can never drift from a
// stored contract.
func (c Contract) Clone() (Contract, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Contract{}, err
	}
	var out Contract
	if err := json.Unmarshal(raw, &out); err != nil {
		return Contract{}, err
	}
	return out, nil
}

// MissingFieldKeys lists the contract field keys still empty, in hint order.
// Used to suggest capture actions against the evidence checklist.
func (c Contract) MissingFieldKeys() []string {
	var missing []string
	if c.Party.BankName == "" {
		missing = append(missing, ContractFieldBankName)
	}
	if c.Party.BorrowerName == "" {
		missing = append(missing, ContractFieldBorrowerName)
	}
	if c.Property.Address == "" {
		missing = append(missing, ContractFieldPropertyAddress)
	}
	if c.Property.LandArea == nil {
		missing = append(missing, ContractFieldLandArea)
	}
	if c.Property.BuiltUpArea == nil {
		missing = append(missing, ContractFieldBuiltUpArea)
	}
	if c.ValuationInputs.GuidelineRate == nil && c.ValuationInputs.GuidelineRateSqm == nil {
		missing = append(missing, ContractFieldGuidelineRate)
	}
	if c.ValuationInputs.MarketRate == nil {
		missing = append(missing, ContractFieldMarketRate)
	}
	return missing
}

// EmptyContract is the document created at work-order creation time.
func EmptyContract(reportType ReportType, createdBy string) Contract {
	return Contract{
		Meta: ContractMeta{
			ReportType:       reportType,
			BankType:         BankTypeUnknown,
			ValueSlab:        ValueSlabUnknown,
			TemplateSelector: TemplateSelectorUnknown,
		},
		ManualFields: map[string]string{},
		Audit: ContractAudit{
			CreatedBy: createdBy,
		},
	}
}
