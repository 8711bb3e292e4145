package database

import (
	"fmt"
	"strings"

	"github.com/pathakanu/medMemo/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}
}

// New creates a GORM database connection and migrates the schema.
// When databaseURL is provided PostgreSQL is used, otherwise SQLite at sqlitePath.
func New(databaseURL, sqlitePath string, log logrus.FieldLogger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig())
		if err != nil {
			return nil, err
		}
		if err := Migrate(db); err != nil {
			return nil, err
		}
	} else {
		db, err = OpenSQLite(fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", sqlitePath))
		if err != nil {
			return nil, err
		}
	}

	logBackend(db, log)
	return db, nil
}

// OpenSQLite opens and migrates a SQLite database. SQLite allows one writer at a
// time, so the pool is limited to a single connection.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the service uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Identity{},
		&model.ReminderCourse{},
		&model.ScheduledDose{},
		&model.PaymentInstrument{},
		&model.ConversationState{},
	)
}

func logBackend(db *gorm.DB, log logrus.FieldLogger) {
	dialector := db.Dialector.Name()
	switch strings.ToLower(dialector) {
	case "postgres":
		log.Info("database: connected to PostgreSQL")
	case "sqlite":
		log.Info("database: using SQLite")
	default:
		log.Infof("database: connected via %s", dialector)
	}
}
