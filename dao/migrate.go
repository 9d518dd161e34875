package dao

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/GOSC-CNIC/vms/dao/model"
)

// Migrate brings the schema up to date. The initial migration creates
// every broker table; later schema changes get their own entries.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "20240101-init",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(
					&model.User{},
					&model.VirtualOrganization{},
					&model.VoMember{},
					&model.DataCenter{},
					&model.ServiceConfig{},
					&model.Flavor{},
					&model.UserQuota{},
					&model.ServicePrivateQuota{},
					&model.ServiceShareQuota{},
					&model.Server{},
					&model.ServerArchive{},
					&model.BuildTask{},
				)
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					"server_build_task", "server_archive", "server",
					"service_share_quota", "service_private_quota", "user_quota",
					"flavor", "service_config", "data_center",
					"vo_member", "virtual_organization", "users",
				)
			},
		},
	})
	return m.Migrate()
}
