package outbox

import (
	"context"
	"fmt"
)

// column types per dialect: id, text, payload, timestamp, small int, int, long text
type columnTypes struct {
	id, text, payload, timestamp, smallInt, integer, longText string
}

var dialectColumnTypes = map[SQLDialect]columnTypes{
	SQLDialectPostgres:  {"UUID", "VARCHAR(255)", "BYTEA", "TIMESTAMP WITH TIME ZONE", "SMALLINT", "INTEGER", "TEXT"},
	SQLDialectMySQL:     {"BINARY(16)", "VARCHAR(255)", "LONGBLOB", "TIMESTAMP(6)", "SMALLINT", "INT", "VARCHAR(1024)"},
	SQLDialectMariaDB:   {"UUID", "VARCHAR(255)", "LONGBLOB", "TIMESTAMP(6)", "SMALLINT", "INT", "VARCHAR(1024)"},
	SQLDialectSQLite:    {"TEXT", "TEXT", "BLOB", "TIMESTAMP", "INTEGER", "INTEGER", "TEXT"},
	SQLDialectOracle:    {"RAW(16)", "VARCHAR2(255)", "BLOB", "TIMESTAMP WITH TIME ZONE", "NUMBER(5)", "NUMBER(10)", "VARCHAR2(4000)"},
	SQLDialectSQLServer: {"BINARY(16)", "NVARCHAR(255)", "VARBINARY(MAX)", "DATETIMEOFFSET", "SMALLINT", "INT", "NVARCHAR(1024)"},
}

// Schema returns the statements creating the outbox table and its pending index
// for the given dialect. Statements are safe to run repeatedly.
func Schema(dialect SQLDialect, table string) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}

	types, ok := dialectColumnTypes[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	columns := fmt.Sprintf(`(
	id %s NOT NULL PRIMARY KEY,
	event_tag %s NOT NULL,
	topic %s NOT NULL,
	payload %s NOT NULL,
	occurred_at %s NOT NULL,
	processed_at %s NULL,
	attempt_count %s DEFAULT 0 NOT NULL,
	last_error %s NULL,
	status %s DEFAULT 0 NOT NULL`,
		types.id, types.text, types.text, types.payload, types.timestamp, types.timestamp,
		types.integer, types.longText, types.smallInt)

	index := fmt.Sprintf("idx_%s_pending", table)

	switch dialect {
	case SQLDialectMySQL, SQLDialectMariaDB:
		// MySQL has no CREATE INDEX IF NOT EXISTS, declare it inline.
		return []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s,\n\tINDEX %s (processed_at, occurred_at)\n)", table, columns, index),
		}, nil

	case SQLDialectSQLServer:
		return []string{
			fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s %s,\n\tINDEX %s (processed_at, occurred_at)\n)", table, table, columns, index),
		}, nil

	default:
		return []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s\n)", table, columns),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (processed_at, occurred_at)", index, table),
		}, nil
	}
}

// CreateSchema creates the outbox table of the context if it does not exist yet.
func (c *DBContext) CreateSchema(ctx context.Context) error {
	stmts, err := Schema(c.dialect, c.tableName)
	if err != nil {
		return err
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating outbox schema: %w", err)
		}
	}

	return nil
}
