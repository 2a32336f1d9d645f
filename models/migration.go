package models

import (
	"log"

	"bitbucket.org/atelierworks/bridge_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&OrderThread{},
		&ProcessingJob{},
		&OutboundMessage{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
