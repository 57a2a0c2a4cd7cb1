package migration

import (
	auditdomain "github.com/vaultgate/vaultgate/internal/audit/domain"
	"github.com/vaultgate/vaultgate/internal/config"
	grantdomain "github.com/vaultgate/vaultgate/internal/grant/domain"
	usagedomain "github.com/vaultgate/vaultgate/internal/usage/domain"
	vaultdomain "github.com/vaultgate/vaultgate/internal/vault/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite and mysql deployments lean on gorm's schema sync;
			// versioned SQL is maintained for postgres only.
			return conn.AutoMigrate(
				&vaultdomain.Credential{},
				&grantdomain.Grant{},
				&usagedomain.Counter{},
				&auditdomain.Entry{},
				&auditdomain.SequenceRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
