package database

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

// schemaSQL creates every table and index the till expects at version 1.0.0.
// Columns added later arrive through migrations, not through this file.
//
//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the base tables and indexes if they do not exist.
// It is idempotent and runs on every open.
func EnsureSchema(ctx context.Context, ex Execer) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := ex.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// CreateTable creates table with the given column definitions if absent.
// columns is raw DDL, e.g. "id INTEGER PRIMARY KEY, name TEXT NOT NULL".
func CreateTable(ctx context.Context, ex Execer, table, columns string) error {
	if err := checkIdentifiers(table); err != nil {
		return err
	}
	if strings.TrimSpace(columns) == "" {
		return ErrEmptyData
	}
	_, err := ex.Execute(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s(%s)", table, columns))
	return err
}

// DropTable drops table if it exists.
func DropTable(ctx context.Context, ex Execer, table string) error {
	if err := checkIdentifiers(table); err != nil {
		return err
	}
	_, err := ex.Execute(ctx, "DROP TABLE IF EXISTS "+table)
	return err
}

// TableExists reports whether table is present in sqlite_master.
func TableExists(ctx context.Context, ex Execer, table string) (bool, error) {
	rows, err := ex.Query(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ColumnInfo is one row of PRAGMA table_info.
type ColumnInfo struct {
	CID          int64
	Name         string
	Type         string
	NotNull      bool
	DefaultValue any
	PrimaryKey   bool
}

// TableInfo returns the column layout of table.
// A missing table yields an empty slice.
func TableInfo(ctx context.Context, ex Execer, table string) ([]ColumnInfo, error) {
	if err := checkIdentifiers(table); err != nil {
		return nil, err
	}
	rows, err := ex.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}

	cols := make([]ColumnInfo, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, ColumnInfo{
			CID:          AsInt64(r["cid"]),
			Name:         AsString(r["name"]),
			Type:         AsString(r["type"]),
			NotNull:      AsInt64(r["notnull"]) != 0,
			DefaultValue: r["dflt_value"],
			PrimaryKey:   AsInt64(r["pk"]) != 0,
		})
	}
	return cols, nil
}

// ColumnExists reports whether table has a column named column.
func ColumnExists(ctx context.Context, ex Execer, table, column string) (bool, error) {
	cols, err := TableInfo(ctx, ex, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, column) {
			return true, nil
		}
	}
	return false, nil
}

// ExecuteBatch runs stmts in order inside one bare transaction.
func ExecuteBatch(ctx context.Context, ex Execer, stmts []string) error {
	if len(stmts) == 0 {
		return ErrEmptyData
	}
	return RunTransaction(ctx, ex, func(ctx context.Context, tx Execer) error {
		for _, stmt := range stmts {
			if _, err := tx.Execute(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchInsert inserts every element of rows into table inside one bare transaction.
func BatchInsert(ctx context.Context, ex Execer, table string, rows []Fields) error {
	if len(rows) == 0 {
		return ErrEmptyData
	}
	return RunTransaction(ctx, ex, func(ctx context.Context, tx Execer) error {
		for _, data := range rows {
			if _, err := Insert(ctx, tx, table, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// splitStatements splits a DDL script on ";" and drops empty pieces and
// "--" comment lines. The schema file contains no string literals with ";".
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
