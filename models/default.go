package models

import (
	"context"

	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

type defaultProfileItem struct {
	OrderHint    int
	Type         EvidenceType
	DocType      string
	MinCount     int
	Required     bool
	Label        string
	RequiredTags map[string]string
	FieldHint    string
}

type defaultProfile struct {
	ReportType ReportType
	BankType   BankType
	ValueSlab  ValueSlab
	Name       string
	Items      []defaultProfileItem
}

// GetDefaultEvidenceProfiles returns the seed catalogue. GENERIC/UNKNOWN
// rows are the fallback candidates the resolver scores with +2/+1.
func GetDefaultEvidenceProfiles() []defaultProfile {
	baseSiteItems := []defaultProfileItem{
		{OrderHint: 10, Type: EvidenceTypePhoto, MinCount: 2, Required: true, Label: "Exterior photographs", RequiredTags: map[string]string{"view": "exterior"}, FieldHint: ContractFieldPropertyAddress},
		{OrderHint: 20, Type: EvidenceTypePhoto, MinCount: 2, Required: true, Label: "Interior photographs", RequiredTags: map[string]string{"view": "interior"}, FieldHint: ContractFieldBuiltUpArea},
		{OrderHint: 30, Type: EvidenceTypePhoto, MinCount: 1, Required: false, Label: "Surrounding area", RequiredTags: map[string]string{"view": "surroundings"}},
		{OrderHint: 40, Type: EvidenceTypeGeo, MinCount: 1, Required: true, Label: "GPS capture", RequiredTags: map[string]string{"kind": "gps"}, FieldHint: ContractFieldPropertyAddress},
		{OrderHint: 50, Type: EvidenceTypeScreenshot, MinCount: 1, Required: false, Label: "Google map screenshot", RequiredTags: map[string]string{"kind": "google-map"}},
		{OrderHint: 60, Type: EvidenceTypeDocument, DocType: "SALE_DEED", MinCount: 1, Required: true, Label: "Sale deed copy", FieldHint: ContractFieldBorrowerName},
		{OrderHint: 70, Type: EvidenceTypeDocument, DocType: "GUIDELINE_EXTRACT", MinCount: 1, Required: false, Label: "Guideline rate extract", FieldHint: ContractFieldGuidelineRate},
	}

	coopExtra := append(append([]defaultProfileItem{}, baseSiteItems...),
		defaultProfileItem{OrderHint: 80, Type: EvidenceTypeDocument, DocType: "SANCTION_LETTER", MinCount: 1, Required: true, Label: "Society sanction letter", FieldHint: ContractFieldBankName},
	)
	agriExtra := append(append([]defaultProfileItem{}, baseSiteItems...),
		defaultProfileItem{OrderHint: 80, Type: EvidenceTypeDocument, DocType: "LAND_RECORD", MinCount: 1, Required: true, Label: "7/12 land record extract", FieldHint: ContractFieldLandArea},
	)

	var profiles []defaultProfile
	for _, reportType := range []ReportType{ReportTypeLandAndBuilding, ReportTypeFlat, ReportTypePlot} {
		profiles = append(profiles,
			defaultProfile{ReportType: reportType, BankType: BankTypeGeneric, ValueSlab: ValueSlabUnknown, Name: "Standard checklist", Items: baseSiteItems},
			defaultProfile{ReportType: reportType, BankType: BankTypeSBI, ValueSlab: ValueSlabLT5Cr, Name: "SBI retail checklist", Items: baseSiteItems},
			defaultProfile{ReportType: reportType, BankType: BankTypePSU, ValueSlab: ValueSlabGT5Cr, Name: "PSU high-value checklist", Items: baseSiteItems},
			defaultProfile{ReportType: reportType, BankType: BankTypeCooperative, ValueSlab: ValueSlabUnknown, Name: "Co-operative checklist", Items: coopExtra},
		)
	}
	profiles = append(profiles,
		defaultProfile{ReportType: ReportTypeAgriLand, BankType: BankTypeGeneric, ValueSlab: ValueSlabUnknown, Name: "Standard checklist", Items: agriExtra},
		defaultProfile{ReportType: ReportTypeAgriLand, BankType: BankTypeAgri, ValueSlab: ValueSlabUnknown, Name: "Agri bank checklist", Items: agriExtra},
	)
	return profiles
}

var defaultFieldDefinitions = map[string]string{
	ContractFieldPropertyAddress: "Property address",
	ContractFieldLandArea:        "Land area",
	ContractFieldBuiltUpArea:     "Built-up area",
	ContractFieldGuidelineRate:   "Guideline rate",
	ContractFieldMarketRate:      "Market rate",
	ContractFieldBankName:        "Bank name",
	ContractFieldBorrowerName:    "Borrower name",
}

// SeedFieldDefinitions is idempotent: existing rows (looked up by field key)
// are never overwritten.
func SeedFieldDefinitions(tx *gorm.DB, ctx context.Context, orgId string) error {
	for fieldKey, label := range defaultFieldDefinitions {
		var count int64
		if err := tx.WithContext(ctx).Model(&FieldDefinition{}).
			Where("org_id = ? AND field_key = ?", orgId, fieldKey).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		definition := FieldDefinition{
			OrgId:    orgId,
			FieldKey: fieldKey,
			Label:    label,
			DataType: "string",
		}
		if err := tx.WithContext(ctx).Create(&definition).Error; err != nil {
			return err
		}
	}
	return nil
}

// SeedDefaultEvidenceProfiles is idempotent: profiles are looked up by
// (report type, bank type, value slab, name) and never overwritten.
func SeedDefaultEvidenceProfiles(tx *gorm.DB, ctx context.Context, orgId string) error {
	for _, seed := range GetDefaultEvidenceProfiles() {
		var count int64
		if err := tx.WithContext(ctx).Model(&EvidenceProfile{}).
			Where("org_id = ? AND report_type = ? AND bank_type = ? AND value_slab = ? AND name = ?",
				orgId, seed.ReportType, seed.BankType, seed.ValueSlab, seed.Name).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		items := make([]EvidenceProfileItem, 0, len(seed.Items))
		for _, seedItem := range seed.Items {
			tagsJson := ""
			if len(seedItem.RequiredTags) > 0 {
				var err error
				tagsJson, err = utils.MarshalToJSON(seedItem.RequiredTags)
				if err != nil {
					return err
				}
			}
			required := seedItem.Required
			items = append(items, EvidenceProfileItem{
				OrderHint:        seedItem.OrderHint,
				Type:             seedItem.Type,
				DocType:          utils.NilIfEmpty(seedItem.DocType),
				MinCount:         seedItem.MinCount,
				Required:         &required,
				Label:            seedItem.Label,
				RequiredTagsJson: tagsJson,
				FieldHint:        seedItem.FieldHint,
			})
		}

		profile := EvidenceProfile{
			OrgId:      orgId,
			ReportType: seed.ReportType,
			BankType:   seed.BankType,
			ValueSlab:  seed.ValueSlab,
			Name:       seed.Name,
			IsDefault:  true,
			Items:      items,
		}
		if err := tx.WithContext(ctx).Create(&profile).Error; err != nil {
			return err
		}
	}
	return nil
}

// CreateDefaultOperator seeds an operator account if the username is unused.
func CreateDefaultOperator(tx *gorm.DB, ctx context.Context, orgId string, username string, name string) (*User, error) {
	var count int64
	if err := tx.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	hashedPassword, err := utils.HashPassword("default123")
	if err != nil {
		return nil, err
	}
	operator := User{
		OrgId:    orgId,
		Username: username,
		Name:     name,
		Password: string(hashedPassword),
		IsActive: utils.NewTrue(),
		Role:     UserRoleOperator,
	}
	if err := tx.WithContext(ctx).Create(&operator).Error; err != nil {
		return nil, err
	}
	return &operator, nil
}
