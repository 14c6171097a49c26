// Package database opens the relay's database connection for a configured dialect.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/idmesh/outbox"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
)

var driverNames = map[outbox.SQLDialect]string{
	outbox.SQLDialectPostgres:  "pgx",
	outbox.SQLDialectMySQL:     "mysql",
	outbox.SQLDialectMariaDB:   "mysql",
	outbox.SQLDialectSQLite:    "sqlite3",
	outbox.SQLDialectOracle:    "oracle",
	outbox.SQLDialectSQLServer: "sqlserver",
}

// DriverName returns the database/sql driver registered for dialect.
func DriverName(dialect outbox.SQLDialect) (string, error) {
	name, ok := driverNames[dialect]
	if !ok {
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
	return name, nil
}

// Open opens and pings a connection pool for dialect.
// MySQL and MariaDB DSNs must set parseTime=true.
func Open(ctx context.Context, dialect outbox.SQLDialect, dsn string) (*sql.DB, error) {
	driver, err := DriverName(dialect)
	if err != nil {
		return nil, err
	}

	if dialect == outbox.SQLDialectSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}

	if dialect == outbox.SQLDialectSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", dialect, err)
	}

	return db, nil
}

// sqliteDSN makes every transaction BEGIN IMMEDIATE, so a relay cycle holds the
// write lock from its first read and two processes sharing the file never fetch
// the same pending rows.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_txlock=immediate"
	}
	return dsn + "?_txlock=immediate"
}
