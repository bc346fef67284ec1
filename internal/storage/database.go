package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"commonground/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the engine-owned tables are present: conversations,
// messages, the usage audit log, and the quota counter fallback table.
// The platform tables the retriever reads (members, listings, events,
// groups) belong to the platform schema and are not created here; see
// MigratePlatform for the dev/test projection.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				tenant_id INTEGER NOT NULL,
				provider TEXT NOT NULL DEFAULT '',
				model TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL,
				context_type TEXT NOT NULL DEFAULT '',
				context_id INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				tokens_used INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
			`CREATE TABLE IF NOT EXISTS usage_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				provider TEXT NOT NULL,
				operation TEXT NOT NULL,
				tokens_in INTEGER NOT NULL,
				tokens_out INTEGER NOT NULL,
				cost_usd REAL NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_records_user ON usage_records(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS usage_counters (
				user_id INTEGER NOT NULL,
				window TEXT NOT NULL,
				used INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (user_id, window)
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				tenant_id BIGINT UNSIGNED NOT NULL,
				provider VARCHAR(100) NOT NULL DEFAULT '',
				model VARCHAR(255) NOT NULL DEFAULT '',
				title VARCHAR(255) NOT NULL,
				context_type VARCHAR(100) NOT NULL DEFAULT '',
				context_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_conversations_user (user_id, updated_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				conversation_id BIGINT UNSIGNED NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				tokens_used INT NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id, id),
				CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS usage_records (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				provider VARCHAR(100) NOT NULL,
				operation VARCHAR(100) NOT NULL,
				tokens_in INT NOT NULL,
				tokens_out INT NOT NULL,
				cost_usd DOUBLE NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_usage_records_user (user_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS usage_counters (
				user_id BIGINT UNSIGNED NOT NULL,
				window VARCHAR(20) NOT NULL,
				used INT NOT NULL DEFAULT 0,
				PRIMARY KEY (user_id, window)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// MigratePlatform creates the read-only platform projection tables the
// retriever queries. In production these are owned by the platform; this
// exists for sqlite deployments and tests.
func MigratePlatform(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS members (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				skills TEXT NOT NULL DEFAULT '',
				location TEXT NOT NULL DEFAULT '',
				lat REAL,
				lng REAL,
				active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS listings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL,
				member_id INTEGER NOT NULL,
				type TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				location TEXT NOT NULL DEFAULT '',
				lat REAL,
				lng REAL,
				active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_listings_tenant ON listings(tenant_id, active, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL,
				title TEXT NOT NULL,
				starts_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS groups (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS members (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				tenant_id BIGINT UNSIGNED NOT NULL,
				name VARCHAR(255) NOT NULL,
				skills TEXT,
				location VARCHAR(255) NOT NULL DEFAULT '',
				lat DOUBLE,
				lng DOUBLE,
				active TINYINT NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_members_tenant (tenant_id, active)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS listings (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				tenant_id BIGINT UNSIGNED NOT NULL,
				member_id BIGINT UNSIGNED NOT NULL,
				type VARCHAR(50) NOT NULL,
				title VARCHAR(255) NOT NULL,
				description TEXT,
				location VARCHAR(255) NOT NULL DEFAULT '',
				lat DOUBLE,
				lng DOUBLE,
				active TINYINT NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_listings_tenant (tenant_id, active, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS events (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				tenant_id BIGINT UNSIGNED NOT NULL,
				title VARCHAR(255) NOT NULL,
				starts_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_events_tenant (tenant_id, starts_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS groups (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				tenant_id BIGINT UNSIGNED NOT NULL,
				name VARCHAR(255) NOT NULL,
				active TINYINT NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_groups_tenant (tenant_id, active)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate platform (%s): %w", driver, err)
		}
	}
	return nil
}
