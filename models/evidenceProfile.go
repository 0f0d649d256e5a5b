package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// EvidenceProfile is a seeded checklist template scoped by org + report type
// + bank type + value slab. Profiles are selected, never mutated, by business
// operations.
type EvidenceProfile struct {
	ID         int        `gorm:"primary_key" json:"id"`
	OrgId      string     `gorm:"size:64;not null;index:idx_profile_scope,priority:1" json:"org_id"`
	ReportType ReportType `gorm:"size:50;not null;index:idx_profile_scope,priority:2" json:"report_type"`
	BankType   BankType   `gorm:"size:30;not null" json:"bank_type"`
	ValueSlab  ValueSlab  `gorm:"size:20;not null" json:"value_slab"`
	Name       string     `gorm:"size:150;not null" json:"name"`
	IsDefault  bool       `gorm:"not null;default:true" json:"is_default"`

	Items []EvidenceProfileItem `gorm:"foreignKey:ProfileId" json:"items"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type EvidenceProfileItem struct {
	ID        int          `gorm:"primary_key" json:"id"`
	ProfileId int          `gorm:"index;not null" json:"profile_id"`
	OrderHint int          `gorm:"not null;default:0" json:"order_hint"`
	Type      EvidenceType `gorm:"size:20;not null" json:"type"`
	DocType   *string      `gorm:"size:50" json:"doc_type"`
	MinCount  int          `gorm:"not null;default:1" json:"min_count"`
	Required  *bool        `gorm:"not null;default:true" json:"required"`
	Label     string       `gorm:"size:255;not null" json:"label"`

	// RequiredTagsJson holds key/value pairs an evidence item must all carry
	// (subset match; extra evidence tags are ignored).
	RequiredTagsJson string `gorm:"type:text" json:"required_tags_json"`

	// FieldHint links the item to a contract field key for capture suggestions.
	FieldHint string `gorm:"size:100" json:"field_hint"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *EvidenceProfileItem) GetRequiredTags() map[string]string {
	tags := map[string]string{}
	if i.RequiredTagsJson != "" {
		_ = utils.UnmarshalFromJSON([]byte(i.RequiredTagsJson), &tags)
	}
	return tags
}

// FieldDefinition names a contract field key for UI and capture hints.
// Seeded once per org, looked up by field key.
type FieldDefinition struct {
	ID        int       `gorm:"primary_key" json:"id"`
	OrgId     string    `gorm:"size:64;not null;index:uniq_field_key,unique" json:"org_id"`
	FieldKey  string    `gorm:"size:100;not null;index:uniq_field_key,unique" json:"field_key"`
	Label     string    `gorm:"size:255;not null" json:"label"`
	DataType  string    `gorm:"size:30;not null;default:'string'" json:"data_type"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetEvidenceProfile(ctx context.Context, orgId string, id int) (*EvidenceProfile, error) {
	db := config.GetDB()
	var profile EvidenceProfile
	if err := db.WithContext(ctx).Preload("Items").
		Where("org_id = ? AND id = ?", orgId, id).
		First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// GetDefaultProfilesForOrg returns the default profiles of an org + report
// type, redis first then db. Profiles are immutable after seeding so the
// cache needs no invalidation.
func GetDefaultProfilesForOrg(ctx context.Context, orgId string, reportType ReportType) ([]EvidenceProfile, error) {
	profiles := make([]EvidenceProfile, 0)
	redisKey := fmt.Sprintf("evidenceProfiles:%s:%s", orgId, reportType)
	exists, err := config.GetRedisObject(redisKey, &profiles)
	if err != nil {
		return nil, err
	}
	if exists {
		return profiles, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Preload("Items").
		Where("org_id = ? AND report_type = ? AND is_default = 1", orgId, reportType).
		Order("name ASC").
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(redisKey, &profiles, 0); err != nil {
		return nil, err
	}
	return profiles, nil
}
