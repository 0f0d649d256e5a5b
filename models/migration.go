package models

import (
	"log"

	"bitbucket.org/propfocus/appraisal_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&WorkOrder{}, &ContractSnapshot{},
		&EvidenceItem{}, &EvidenceProfile{}, &EvidenceProfileItem{}, &FieldDefinition{},
		&ReportPack{}, &GenerationJob{},
		&DeliverableRelease{},
		&RenderQueueRecord{},
		&History{},
		&IdempotencyKey{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
