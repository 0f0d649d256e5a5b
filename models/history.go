package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// History is the append-only audit note stream keyed by
// (org, reference entity, action).
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	OrgId         string    `gorm:"size:64;index;not null" json:"org_id"`
	ActionType    string    `gorm:"size:50;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:100" json:"reference_type"`
	UserId        int       `gorm:"index" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	RequestId     string    `gorm:"size:100" json:"request_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func createHistory(tx *gorm.DB, ctx context.Context, orgId string,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string,
	requestId string) error {

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)

	history := History{
		OrgId:         orgId,
		ActionType:    actionType,
		Before:        string(b),
		After:         string(a),
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        userId,
		UserName:      userName,
		RequestId:     requestId,
	}
	return tx.WithContext(ctx).Create(&history).Error
}

// WriteAuditNote is best-effort: audit failures are logged and swallowed and
// must never roll back the primary business write.
func WriteAuditNote(tx *gorm.DB, ctx context.Context, orgId string,
	actionType string, referenceId int, referenceType string,
	before interface{}, after interface{}, description string, requestId string) {

	if err := createHistory(tx, ctx, orgId, actionType, referenceId, referenceType, before, after, description, requestId); err != nil {
		config.LogError(config.GetLogger(), "history.go", "WriteAuditNote", actionType, referenceId, err)
	}
}
