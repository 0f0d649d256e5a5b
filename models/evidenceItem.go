package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// EvidenceItem is a captured artifact (photo/document/screenshot/geo-tag).
// Once referenced by a submitted snapshot the row is immutable; only the
// advisory annexure order may be recomputed.
type EvidenceItem struct {
	ID          int          `gorm:"primary_key" json:"id"`
	OrgId       string       `gorm:"size:64;index;not null" json:"org_id"`
	WorkOrderId int          `gorm:"index;not null" json:"work_order_id"`
	Type        EvidenceType `gorm:"size:20;not null" json:"type"`
	DocType     *string      `gorm:"size:50" json:"doc_type"`
	Label       string       `gorm:"size:255" json:"label"`

	// TagsJson is a free-form tag map ({"view":"exterior", ...}) stored as
	// JSON text. Matching against profile items is subset-based.
	TagsJson string `gorm:"type:text" json:"tags_json"`

	// AnnexureOrder is advisory metadata assigned by the ordering engine,
	// never identity.
	AnnexureOrder *int `json:"annexure_order"`

	StorageRef string    `gorm:"size:500" json:"storage_ref"`
	CapturedAt time.Time `gorm:"index;not null" json:"captured_at"`
	CapturedBy string    `gorm:"size:100" json:"captured_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewEvidenceItem struct {
	WorkOrderId int               `json:"work_order_id" binding:"required"`
	Type        EvidenceType      `json:"type" binding:"required"`
	DocType     *string           `json:"doc_type"`
	Label       string            `json:"label"`
	Tags        map[string]string `json:"tags"`
	StorageRef  string            `json:"storage_ref"`
	CapturedAt  *time.Time        `json:"captured_at"`
}

func (e *EvidenceItem) GetTags() map[string]string {
	tags := map[string]string{}
	if e.TagsJson != "" {
		_ = utils.UnmarshalFromJSON([]byte(e.TagsJson), &tags)
	}
	return tags
}

func CreateEvidenceItem(tx *gorm.DB, ctx context.Context, orgId string, input *NewEvidenceItem, capturedBy string) (*EvidenceItem, error) {
	if !input.Type.IsValid() {
		return nil, errors.New("invalid evidence type")
	}
	if err := utils.ValidateResourceId[WorkOrder](ctx, orgId, input.WorkOrderId); err != nil {
		return nil, err
	}

	tagsJson := ""
	if len(input.Tags) > 0 {
		var err error
		tagsJson, err = utils.MarshalToJSON(input.Tags)
		if err != nil {
			return nil, err
		}
	}
	capturedAt := time.Now().UTC()
	if input.CapturedAt != nil {
		capturedAt = *input.CapturedAt
	}

	item := EvidenceItem{
		OrgId:       orgId,
		WorkOrderId: input.WorkOrderId,
		Type:        input.Type,
		DocType:     input.DocType,
		Label:       input.Label,
		TagsJson:    tagsJson,
		StorageRef:  input.StorageRef,
		CapturedAt:  capturedAt,
		CapturedBy:  capturedBy,
	}
	if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetEvidenceItemsForWorkOrder(ctx context.Context, orgId string, workOrderId int) ([]EvidenceItem, error) {
	db := config.GetDB()
	var items []EvidenceItem
	if err := db.WithContext(ctx).
		Where("org_id = ? AND work_order_id = ?", orgId, workOrderId).
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// SaveAnnexureOrder writes recomputed positions. Safe to repeat; ordering is
// advisory and has no side effects on other data.
func SaveAnnexureOrder(tx *gorm.DB, ctx context.Context, orgId string, positions map[int]int) error {
	for itemId, position := range positions {
		if err := tx.WithContext(ctx).Model(&EvidenceItem{}).
			Where("org_id = ? AND id = ?", orgId, itemId).
			Update("annexure_order", position).Error; err != nil {
			return err
		}
	}
	return nil
}
