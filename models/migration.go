package models

import (
	"context"
	"log"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
)

func AllModels() []interface{} {
	return []interface{}{
		&WorkOrder{}, &WorkOrderStatusHistory{},
		&ContractSnapshot{},
		&EvidenceItem{}, &EvidenceProfile{}, &ChecklistItem{}, &FieldEvidenceLink{},
		&EnrichmentJob{},
		&ReportPack{}, &GenerationJob{}, &Artifact{},
		&DeliverableRelease{}, &GateOverride{},
		&WorkOrderEvent{}, &CallbackDelivery{},
	}
}

// MigrateTable creates/updates tables and upserts the embedded evidence profiles.
func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(AllModels()...)
	if err != nil {
		log.Fatal(err)
	}
	ctx := utils.SystemContext(context.Background())
	if _, err := SeedEvidenceProfiles(ctx, db, DefaultProfileSeed()); err != nil {
		log.Fatal(err)
	}
}
