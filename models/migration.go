package models

import (
	"log"

	"github.com/mmdatafocus/receipts_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Report{}, &Receipt{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
