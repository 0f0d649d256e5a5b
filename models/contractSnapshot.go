package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

// ContractSnapshot is append-only. Version is monotonic per work order and
// "latest" is always resolved by max(version), never by wall clock.
type ContractSnapshot struct {
	ID          int    `gorm:"primary_key" json:"id"`
	OrgId       string `gorm:"size:64;index;not null" json:"org_id"`
	WorkOrderId int    `gorm:"not null;index:uniq_snapshot_version,unique" json:"work_order_id"`
	Version     int    `gorm:"not null;index:uniq_snapshot_version,unique" json:"version"`

	// ContractJson stores the full contract document as JSON text, so MySQL
	// JSON column support is not required.
	ContractJson  string `gorm:"type:longtext;not null" json:"contract_json"`
	ReadinessJson string `gorm:"type:text" json:"readiness_json"`

	CreatedBy string    `gorm:"size:100" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ReadinessSummary is the checklist completeness summary captured alongside
// each snapshot.
type ReadinessSummary struct {
	RequiredTotal     int      `json:"required_total"`
	RequiredSatisfied int      `json:"required_satisfied"`
	OptionalTotal     int      `json:"optional_total"`
	OptionalSatisfied int      `json:"optional_satisfied"`
	MissingFields     []string `json:"missing_fields,omitempty"`
	EvidenceComplete  bool     `json:"evidence_complete"`
	DataComplete      bool     `json:"data_complete"`
}

// AppendContractSnapshot writes the next version for the work order.
// Concurrent appends race on the (work_order_id, version) unique key; the
// loser must retry with a fresh max(version) read.
func AppendContractSnapshot(tx *gorm.DB, ctx context.Context, orgId string, workOrderId int, contract Contract, readiness ReadinessSummary, createdBy string) (*ContractSnapshot, error) {
	contractJson, err := utils.MarshalToJSON(contract)
	if err != nil {
		return nil, err
	}
	readinessJson, err := utils.MarshalToJSON(readiness)
	if err != nil {
		return nil, err
	}

	var maxVersion int
	if err := tx.WithContext(ctx).Model(&ContractSnapshot{}).
		Where("work_order_id = ?", workOrderId).
		Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
		return nil, err
	}

	snapshot := ContractSnapshot{
		OrgId:         orgId,
		WorkOrderId:   workOrderId,
		Version:       maxVersion + 1,
		ContractJson:  contractJson,
		ReadinessJson: readinessJson,
		CreatedBy:     createdBy,
	}
	if err := tx.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func GetLatestContractSnapshot(ctx context.Context, orgId string, workOrderId int) (*ContractSnapshot, error) {
	db := config.GetDB()
	var snapshot ContractSnapshot
	if err := db.WithContext(ctx).
		Where("org_id = ? AND work_order_id = ?", orgId, workOrderId).
		Order("version DESC").
		First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

func GetContractSnapshot(ctx context.Context, orgId string, workOrderId int, version int) (*ContractSnapshot, error) {
	db := config.GetDB()
	var snapshot ContractSnapshot
	if err := db.WithContext(ctx).
		Where("org_id = ? AND work_order_id = ? AND version = ?", orgId, workOrderId, version).
		First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

func (s *ContractSnapshot) GetContract() (Contract, error) {
	var contract Contract
	if err := utils.UnmarshalFromJSON([]byte(s.ContractJson), &contract); err != nil {
		return Contract{}, err
	}
	return contract, nil
}

func (s *ContractSnapshot) GetReadiness() ReadinessSummary {
	var readiness ReadinessSummary
	if s.ReadinessJson != "" {
		_ = utils.UnmarshalFromJSON([]byte(s.ReadinessJson), &readiness)
	}
	return readiness
}
