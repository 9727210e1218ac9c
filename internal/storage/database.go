package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"companionchat/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationFS embed.FS

// NormalizeDriver maps driver aliases to the database/sql driver name.
func NormalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "mysql":
		return "mysql"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

// Open connects to the SQL database described by cfg.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch NormalizeDriver(cfg.Driver) {
	case "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// A single connection keeps ":memory:" databases shared and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn, err := mysqlDSN(cfg)
		if err != nil {
			return nil, err
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func mysqlDSN(cfg config.DatabaseConfig) (string, error) {
	var (
		mc  *mysql.Config
		err error
	)
	if cfg.DSN != "" {
		mc, err = mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
	} else {
		mc = mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc.Addr = cfg.Host + ":" + strconv.Itoa(port)
		mc.DBName = cfg.DBName
		if cfg.Params != "" {
			values, err := url.ParseQuery(cfg.Params)
			if err != nil {
				return "", fmt.Errorf("parse mysql params: %w", err)
			}
			mc.Params = make(map[string]string, len(values))
			for k := range values {
				mc.Params[k] = values.Get(k)
			}
		}
	}
	mc.ParseTime = true
	mc.MultiStatements = true
	// Conditional updates are checked through RowsAffected, which must count matched rows.
	mc.ClientFoundRows = true
	return mc.FormatDSN(), nil
}

// Migrate applies the embedded migrations for driver.
func Migrate(db *sql.DB, driver string) error {
	var (
		instance database.Driver
		err      error
	)
	name := NormalizeDriver(driver)
	switch name {
	case "sqlite3":
		instance, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case "mysql":
		instance, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver (%s): %w", name, err)
	}

	src, err := iofs.New(migrationFS, "migrations/"+name)
	if err != nil {
		return fmt.Errorf("migration source (%s): %w", name, err)
	}
	// m.Close is never called: it would close db as well.
	m, err := migrate.NewWithInstance("iofs", src, name, instance)
	if err != nil {
		return fmt.Errorf("migration instance (%s): %w", name, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate (%s): %w", name, err)
	}
	return nil
}
