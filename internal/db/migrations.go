// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// sqliteTables defines the schema for SQLite. Postgres uses the same DDL
// with SERIAL-style autoincrement; MySQL needs VARCHAR lengths on indexed
// columns.
var sqliteTables = []string{
	`CREATE TABLE IF NOT EXISTS slides (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		source TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		mpp REAL NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE(source, name)
	);`,
	`CREATE TABLE IF NOT EXISTS extractions (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		slide_name TEXT NOT NULL,
		tile_px INTEGER NOT NULL,
		tile_um INTEGER NOT NULL,
		stride_div INTEGER NOT NULL DEFAULT 1,
		tiles_kept INTEGER NOT NULL DEFAULT 0,
		tiles_gray INTEGER NOT NULL DEFAULT 0,
		tiles_white INTEGER NOT NULL DEFAULT 0,
		tiles_roi INTEGER NOT NULL DEFAULT 0,
		params_hash TEXT NOT NULL,
		tfrecord TEXT,
		completed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS training_runs (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		backend TEXT NOT NULL,
		params_json TEXT NOT NULL,
		metrics_json TEXT,
		checkpoint TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS known_hosts (
		hostname TEXT NOT NULL PRIMARY KEY,
		key TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		username TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT
	);`,
}

var mysqlTables = []string{
	`CREATE TABLE IF NOT EXISTS slides (
		id INTEGER NOT NULL PRIMARY KEY AUTO_INCREMENT,
		name VARCHAR(255) NOT NULL,
		path TEXT NOT NULL,
		source VARCHAR(255) NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		mpp DOUBLE NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE(source, name)
	);`,
	`CREATE TABLE IF NOT EXISTS extractions (
		id INTEGER NOT NULL PRIMARY KEY AUTO_INCREMENT,
		slide_name VARCHAR(255) NOT NULL,
		tile_px INTEGER NOT NULL,
		tile_um INTEGER NOT NULL,
		stride_div INTEGER NOT NULL DEFAULT 1,
		tiles_kept INTEGER NOT NULL DEFAULT 0,
		tiles_gray INTEGER NOT NULL DEFAULT 0,
		tiles_white INTEGER NOT NULL DEFAULT 0,
		tiles_roi INTEGER NOT NULL DEFAULT 0,
		params_hash VARCHAR(64) NOT NULL,
		tfrecord TEXT,
		completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS training_runs (
		id INTEGER NOT NULL PRIMARY KEY AUTO_INCREMENT,
		name VARCHAR(255) NOT NULL UNIQUE,
		backend VARCHAR(32) NOT NULL,
		params_json TEXT NOT NULL,
		metrics_json TEXT,
		checkpoint TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	"CREATE TABLE IF NOT EXISTS known_hosts (hostname VARCHAR(255) NOT NULL PRIMARY KEY, `key` TEXT NOT NULL);",
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER NOT NULL PRIMARY KEY AUTO_INCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		username VARCHAR(255) NOT NULL,
		action VARCHAR(255) NOT NULL,
		details TEXT
	);`,
}

// RunMigrations applies the schema for a given database connection. All
// statements are idempotent; additive column migrations tolerate duplicate
// column errors so older stores upgrade in place.
func RunMigrations(db *sql.DB, dbType string) error {
	var tables []string
	switch dbType {
	case "mysql":
		tables = mysqlTables
	case "postgres":
		tables = postgresTables()
	default:
		tables = sqliteTables
	}

	for _, tableSQL := range tables {
		if _, err := db.Exec(tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w, sql: %s", err, tableSQL)
		}
	}

	// Additive migrations for stores created before the mpp column existed.
	migrations := []string{
		"ALTER TABLE slides ADD COLUMN mpp " + realType(dbType) + " NOT NULL DEFAULT 0;",
	}
	for _, migrationSQL := range migrations {
		if _, err := db.Exec(migrationSQL); err != nil {
			if isDuplicateColumnErr(err, dbType) {
				continue
			}
			// SQLite reports duplicate columns as a plain error string.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w, sql: %s", err, migrationSQL)
		}
	}
	return nil
}

// postgresTables rewrites the SQLite DDL for Postgres autoincrement syntax.
func postgresTables() []string {
	out := make([]string, len(sqliteTables))
	for i, t := range sqliteTables {
		s := strings.ReplaceAll(t, "INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		s = strings.ReplaceAll(s, "REAL", "DOUBLE PRECISION")
		out[i] = s
	}
	return out
}

func realType(dbType string) string {
	switch dbType {
	case "postgres":
		return "DOUBLE PRECISION"
	case "mysql":
		return "DOUBLE"
	default:
		return "REAL"
	}
}

func isDuplicateColumnErr(err error, dbType string) bool {
	if dbType == "mysql" {
		// MySQL error number for duplicate column is 1060.
		if mysqlErr, ok := err.(*mysql.MySQLError); ok && mysqlErr.Number == 1060 {
			return true
		}
	}
	if dbType == "postgres" {
		return strings.Contains(err.Error(), "already exists")
	}
	return false
}
