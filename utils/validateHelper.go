package utils

import (
	"context"

	"bitbucket.org/propfocus/appraisal_backend/config"
)

// check if id exists, scoped to the org, returns ErrorRecordNotFound
func ValidateResourceId[T any](ctx context.Context, orgId string, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, orgId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

func ValidateUnique[T any](ctx context.Context, orgId string, column string, value interface{}, exceptId interface{}) error {
	db := config.GetDB()
	var model T
	var count int64
	dbCtx := db.WithContext(ctx).Model(&model).Where("org_id = ?", orgId).Where(column+" = ?", value)
	if exceptId != nil {
		dbCtx = dbCtx.Where("id != ?", exceptId)
	}
	if err := dbCtx.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrorDuplicateRecord
	}
	return nil
}

func ResourceCountWhere[T any](ctx context.Context, orgId string, condition string, value ...interface{}) (int64, error) {
	db := config.GetDB()
	var model T
	var count int64
	if err := db.WithContext(ctx).Model(&model).Where("org_id = ?", orgId).
		Where(condition, value...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
