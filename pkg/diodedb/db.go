package diodedb

import (
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/config"
	"github.com/materials-commons/diode/pkg/diodedb/model"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SqliteInMemoryDSN is a shared in-memory sqlite database. Callers should limit the pool
// to a single connection.
const SqliteInMemoryDSN = "file::memory:?cache=shared"

const maxDBRetries = 5

// MakeMySQLDSN builds the mysql DSN from the DB_* config keys.
func MakeMySQLDSN(c config.Configer) string {
	dsnConfig := gomysql.NewConfig()
	dsnConfig.User = c.GetKey("DB_USERNAME")
	dsnConfig.Passwd = c.GetKey("DB_PASSWORD")
	dsnConfig.Net = "tcp"
	dsnConfig.Addr = fmt.Sprintf("%s:%s", c.GetKeyWithDefault("DB_HOST", "127.0.0.1"), c.GetKeyWithDefault("DB_PORT", "3306"))
	dsnConfig.DBName = c.GetKey("DB_DATABASE")
	dsnConfig.ParseTime = true
	dsnConfig.Loc = time.Local
	dsnConfig.Params = map[string]string{"charset": "utf8mb4"}

	return dsnConfig.FormatDSN()
}

func dialector(c config.Configer) gorm.Dialector {
	switch c.GetKeyWithDefault("DB_DRIVER", "mysql") {
	case "sqlite":
		return sqlite.Open(c.GetKeyWithDefault("DB_SQLITE_PATH", SqliteInMemoryDSN))
	default:
		return mysql.Open(MakeMySQLDSN(c))
	}
}

// MustConnectToDB will attempt to connect to the configured database maxDBRetries times. If it
// isn't successful after that number of retries then it calls Fatalf, which causes the
// daemon to exit. Between retry attempts it sleeps for 3 seconds.
func MustConnectToDB(c config.Configer) *gorm.DB {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	for retryCount := 1; ; retryCount++ {
		db, err := gorm.Open(dialector(c), gormConfig)
		switch {
		case err == nil:
			if c.GetKeyWithDefault("DB_DRIVER", "mysql") == "sqlite" {
				limitToSingleConnection(db)
			}
			return db
		case retryCount >= maxDBRetries:
			clog.Global().Fatalf("Failed to open db: %s", err)
		default:
			clog.Global().Warnf("Failed to open db (attempt %d of %d): %s", retryCount, maxDBRetries, err)
			time.Sleep(3 * time.Second)
		}
	}
}

// OpenSqlite opens a sqlite database, limited to one connection so concurrent writers
// don't run into table lock errors.
func OpenSqlite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	limitToSingleConnection(db)
	return db, nil
}

func limitToSingleConnection(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
}

// RunOriginMigrations creates or updates the tables used on the origin side.
func RunOriginMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.OutgoingTransferable{},
		&model.TransferableRange{},
		&model.TransferableRevocation{},
		&model.Maintenance{},
	)
}

// RunDestinationMigrations creates or updates the tables used on the destination side.
func RunDestinationMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.IncomingTransferable{},
		&model.UploadPart{},
		&model.LastPacketReceivedAt{},
	)
}

// RunMigrations creates every table. Tests that exercise both sides against one database
// use it.
func RunMigrations(db *gorm.DB) error {
	if err := RunOriginMigrations(db); err != nil {
		return err
	}

	return RunDestinationMigrations(db)
}
