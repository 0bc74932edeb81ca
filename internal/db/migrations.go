package db

import (
	"github.com/apranova/lms-workspace/internal/models"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrations create the parts of the student-record store this service touches. Production
// deployments own these tables elsewhere; the migrations exist for local stacks and tests.
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20250110_create_students_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Student{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("students")
			},
		},
		{
			ID: "20250110_create_notifications_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Notification{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("notifications")
			},
		},
	}
}

func Migrate(gdb *gorm.DB) error {
	return gormigrate.New(gdb, gormigrate.DefaultOptions, Migrations()).Migrate()
}
