package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql" // Import MySQL driver
)

//go:embed sql/*.sql
var files embed.FS

// Dialects understood by Run. The migration files themselves are portable;
// only the bookkeeping table differs.
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// RunMySQL opens a dedicated connection for dsn and applies pending
// migrations. The DSN should allow multiple statements.
func RunMySQL(dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("[MIGRATE] Connected to database for migrations")
	return Run(db, DialectMySQL)
}

// Run applies every embedded migration not yet recorded in
// schema_migrations, in file name order.
func Run(db *sql.DB, dialect string) error {
	if err := ensureMigrationsTable(db, dialect); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := getAppliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	names, err := getMigrationFiles()
	if err != nil {
		return fmt.Errorf("failed to get migration files: %w", err)
	}

	pending := 0
	for _, filename := range names {
		name := strings.TrimSuffix(filename, ".sql")
		if applied[name] {
			continue
		}

		log.Printf("[MIGRATE] Applying migration: %s", name)

		content, err := fs.ReadFile(files, "sql/"+filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (migration_name) VALUES (?)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}
		pending++
	}

	if pending == 0 {
		log.Println("[MIGRATE] No pending migrations to apply")
	} else {
		log.Printf("[MIGRATE] Successfully applied %d migration(s)", pending)
	}
	return nil
}

// Applied lists recorded migrations in order.
func Applied(db *sql.DB) ([]string, error) {
	applied, err := getAppliedMigrations(db)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(applied))
	for name := range applied {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationsTable(db *sql.DB, dialect string) error {
	var query string
	switch dialect {
	case DialectMySQL:
		query = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			migration_name VARCHAR(255) UNIQUE NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	case DialectSQLite:
		query = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			migration_name VARCHAR(255) UNIQUE NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	_, err := db.Exec(query)
	return err
}

func getAppliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT migration_name FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// getMigrationFiles returns the embedded file names sorted by their
// numbered prefix.
func getMigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
