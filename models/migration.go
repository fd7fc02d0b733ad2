package models

import (
	"log"

	"bitbucket.org/fieldserve/billing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Booking{},
		&LocationPing{},
		&BillingSession{},
		&LedgerEvent{},
		&BillingFinalization{},
		&PaymentCharge{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
