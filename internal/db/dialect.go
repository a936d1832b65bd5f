package db

import (
	"strings"

	"gorm.io/gorm"
)

// Dialect identifiers supported by the engine.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectOf returns the normalized dialect name for an open connection.
func DialectOf(conn *gorm.DB) string {
	if conn == nil {
		return ""
	}
	name := strings.ToLower(conn.Dialector.Name())
	switch name {
	case "postgres", "postgresql":
		return DialectPostgres
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return name
	}
}

// IsPostgres reports whether the connection speaks PostgreSQL.
func IsPostgres(conn *gorm.DB) bool {
	return DialectOf(conn) == DialectPostgres
}

// IsSQLite reports whether the connection speaks SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectOf(conn) == DialectSQLite
}
