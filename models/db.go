package models

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PrismVideo-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitDB opens the configured database and migrates the schema.
// MySQL goes through a native sql.DB pool shared with GORM; SQLite is opened
// by GORM directly and its parent directory is created on demand.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "mysql":
		db, err = openMySQL(cfg.Database.DSN, gcfg)
	case "sqlite":
		db, err = openSQLite(cfg.Database.DSN, gcfg)
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables owned by this package.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Job{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func openMySQL(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), gcfg)
	if err != nil {
		return nil, fmt.Errorf("gorm mysql: %w", err)
	}
	return db, nil
}

func openSQLite(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "file::memory:") && dsn != ":memory:" {
		path := strings.SplitN(strings.TrimPrefix(dsn, "file:"), "?", 2)[0]
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("ensure sqlite dir: %w", err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("gorm sqlite: %w", err)
	}
	return db, nil
}
