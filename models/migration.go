package models

import (
	"log"

	"github.com/mmdatafocus/costledger_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrateAll(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&LedgerEntry{}, &LedgerAuditTrail{},
		&ImportSession{}, &ActualsTransaction{}, &PotentialMatch{}, &RejectedMatch{},
		&IdempotencyKey{}, &LedgerEventRecord{},
	)
}
