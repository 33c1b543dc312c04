package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func applyMigrations(ctx context.Context, db *sql.DB, driver string) error {
	// Version 2: user status line, message reactions.
	if err := ensureColumn(ctx, db, driver, "users", "status_text", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, db, driver, "messages", "reactions_json", "TEXT"); err != nil {
		return err
	}

	// Version 3: channel counter rows.
	if err := ensureChannelCounters(ctx, db); err != nil {
		return err
	}

	return recordSchemaVersion(ctx, db, driver)
}

// ensureChannelCounters creates the counter table and seeds each counter from
// the current high-water mark of its log, so pre-existing databases continue
// numbering where their autoincrement columns left off.
func ensureChannelCounters(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channel_counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);`,
		`INSERT INTO channel_counters (name, value)
			SELECT 'frame_seq', COALESCE(MAX(seq), 0) FROM channel_frames
			WHERE NOT EXISTS (SELECT 1 FROM channel_counters WHERE name = 'frame_seq');`,
		`INSERT INTO channel_counters (name, value)
			SELECT 'value_rev', COALESCE(MAX(rev), 0) FROM channel_values
			WHERE NOT EXISTS (SELECT 1 FROM channel_counters WHERE name = 'value_rev');`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func recordSchemaVersion(ctx context.Context, db *sql.DB, driver string) error {
	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version;").Scan(&current); err != nil {
		return err
	}
	if current.Valid && current.Int64 >= schemaVersion {
		return nil
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version;"); err != nil {
		return err
	}
	q := "INSERT INTO schema_version (version) VALUES (?);"
	if _, err := db.ExecContext(ctx, rebindQuery(driver, q), schemaVersion); err != nil {
		return err
	}
	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, driver, table, column, definition string) error {
	if !isSafeIdentifier(table) || !isSafeIdentifier(column) {
		return fmt.Errorf("unsafe identifier: table=%q column=%q", table, column)
	}

	exists, err := columnExists(ctx, db, driver, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, definition)
	if driver == "pgx" {
		stmt = fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;", table, column, definition)
	}

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, driver, table, column string) (bool, error) {
	switch driver {
	case "sqlite":
		return columnExistsSQLite(ctx, db, table, column)
	case "pgx":
		return columnExistsPostgres(ctx, db, table, column)
	default:
		// Default to Postgres-compatible behavior for unknown drivers.
		return columnExistsPostgres(ctx, db, table, column)
	}
}

func columnExistsSQLite(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	q := fmt.Sprintf("PRAGMA table_info(%s);", table)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func columnExistsPostgres(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	const q = `SELECT 1
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		AND table_name = $1
		AND column_name = $2;`
	var one int
	if err := db.QueryRowContext(ctx, q, table, column).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isSafeIdentifier(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
