package database

import (
	"strings"

	"github.com/estimatex/api/internal/config"
	"github.com/estimatex/api/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the session store. Postgres URLs get the postgres driver;
// anything else is treated as a sqlite path so dev setups and tests can run
// without a server.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseURL), gormCfg)
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Session{},
		&model.User{},
		&model.Vote{},
	)
}
