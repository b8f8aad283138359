package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: relay_events",
		SQL: `
		CREATE TABLE IF NOT EXISTS relay_events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			type            TEXT NOT NULL,
			account_id      TEXT DEFAULT '',
			conversant      TEXT DEFAULT '',
			notification_id TEXT DEFAULT '',
			detail          TEXT DEFAULT '',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_relay_events_time ON relay_events(created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: dispatch latency, per-account index",
		SQL: `
		ALTER TABLE relay_events ADD COLUMN latency_ms INTEGER DEFAULT 0;
		CREATE INDEX IF NOT EXISTS idx_relay_events_account ON relay_events(account_id, created_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying journal migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(db, m, logger); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs each statement of m in one transaction. Statements
// that fail because they were already applied by hand are skipped.
func applyMigration(db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			if alreadyApplied(err) {
				logger.Debug("migration statement skipped (already applied)", "version", m.Version, "stmt", stmt)
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, stmt)
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
