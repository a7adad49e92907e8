package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatdeck/wa-engine/models"
)

// Database wraps the gorm connection shared by the credential store, the
// message sink and the whatsmeow container.
type Database struct {
	db     *gorm.DB
	driver string // database/sql driver name ("sqlite3" or "postgres")
}

// Open connects to the configured database and runs migrations. dbType is
// "sqlite" or "postgres"; anything else falls back to sqlite.
func Open(dbType, dsn string) (*Database, error) {
	var (
		dialector gorm.Dialector
		driver    string
	)

	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
		driver = "postgres"
	default:
		dialector = sqlite.Open(dsn)
		driver = "sqlite3"
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// sqlite handles one writer at a time; a single connection avoids
		// SQLITE_BUSY under concurrent tenant tasks.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	d := &Database{db: db, driver: driver}
	if err := d.migrate(); err != nil {
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("database connected")
	return d, nil
}

func (d *Database) migrate() error {
	err := d.db.AutoMigrate(
		&models.TenantCredential{},
		&models.SignalKey{},
		&models.Conversation{},
		&models.Message{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ORM exposes the gorm handle to the store layers.
func (d *Database) ORM() *gorm.DB {
	return d.db
}

// SQLDB returns the underlying sql.DB, used to share the connection with the
// whatsmeow sqlstore container.
func (d *Database) SQLDB() (*sql.DB, error) {
	return d.db.DB()
}

// DriverName returns the database/sql driver name for the open connection.
func (d *Database) DriverName() string {
	return d.driver
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
