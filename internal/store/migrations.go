package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
)

// runMigrations brings db to currentSchemaVersion, taking a backup first and
// restoring it if any step fails (a failed v2 vec0 step is logged and
// skipped instead, leaving ANN search unavailable) — the teacher's CreateBackup/RestoreBackup/
// RunAllMigrations rollback-on-failure discipline, generalized from a single
// knowledge_atoms table to this kernel's full relational schema.
func runMigrations(ctx context.Context, db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "runMigrations")
	defer timer.Stop()

	current := schemaVersion(db)
	if current >= currentSchemaVersion {
		logging.Get(logging.CategoryStore).Info("schema already at v%d, skipping migration", current)
		return nil
	}

	dbPath := dbPathOf(db)
	var backupPath string
	if dbPath != "" && dbPath != ":memory:" {
		var err error
		backupPath, err = createBackup(dbPath)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("could not create pre-migration backup: %v", err)
		}
	}

	succeeded := false
	defer func() {
		if !succeeded && backupPath != "" {
			logging.Get(logging.CategoryStore).Warn("migration failed, restoring backup")
			if err := restoreBackup(dbPath, backupPath); err != nil {
				logging.Get(logging.CategoryStore).Error("backup restore failed: %v", err)
			}
		}
	}()

	for v := current; v < currentSchemaVersion; v++ {
		next := v + 1
		logging.Get(logging.CategoryStore).Info("running migration v%d -> v%d", v, next)

		var stmts string
		switch next {
		case 1:
			stmts = schemaV1
		case 2:
			stmts = schemaV2
		case 3:
			stmts = schemaV3
		case 4:
			stmts = schemaV4
		case 5:
			stmts = schemaV5
		case 6:
			stmts = schemaV6
		case 7:
			stmts = schemaV7
		case 8:
			stmts = schemaV8
		case 9:
			stmts = schemaV9
		default:
			return errkind.New(errkind.Internal, fmt.Sprintf("unknown migration target v%d", next))
		}

		if err := execScript(ctx, db, stmts); err != nil {
			if next == 2 {
				// sqlite-vec may be unavailable in a given build; vector
				// search degrades, it is not load-bearing for startup.
				logging.Get(logging.CategoryStore).Warn("vec0 migration failed, continuing without ANN search: %v", err)
				continue
			}
			return errkind.Wrap(errkind.Internal, fmt.Sprintf("migration v%d -> v%d", v, next), err)
		}
	}

	if err := recordSchemaVersion(ctx, db, currentSchemaVersion); err != nil {
		return err
	}

	succeeded = true
	logging.Get(logging.CategoryStore).Info("schema migration complete: v%d -> v%d", current, currentSchemaVersion)
	return nil
}

func execScript(ctx context.Context, db *sql.DB, script string) error {
	// The driver runs every statement of a multi-statement script in one
	// Exec; splitting on ";\n" would cut trigger bodies apart.
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if _, err := db.ExecContext(ctx, script); err != nil {
		return err
	}
	return nil
}

func schemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	if err := db.QueryRow("SELECT version FROM schema_versions ORDER BY applied_at DESC LIMIT 1").Scan(&version); err != nil {
		return 0
	}
	return version
}

func recordSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, "INSERT INTO schema_versions (version) VALUES (?)", version)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "record schema version", err)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name=?", table).Scan(&count)
	return err == nil && count > 0
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func dbPathOf(db *sql.DB) string {
	var seq int
	var name, file string
	row := db.QueryRow("PRAGMA database_list")
	if err := row.Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}

func createBackup(dbPath string) (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	backupPath := dbPath + ".backup_" + timestamp

	src, err := os.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return backupPath, dst.Sync()
}

func restoreBackup(dbPath, backupPath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dbPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}
