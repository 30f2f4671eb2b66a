package store

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// A schemaStep is one numbered file under migrations/, named NNN_label.sql.
type schemaStep struct {
	version int
	label   string
	script  string
}

func loadSchemaSteps() ([]schemaStep, error) {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		base := strings.TrimSuffix(path.Base(name), ".sql")
		num, label, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			return nil, fmt.Errorf("migration file %s: want NNN_label.sql", name)
		}
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, schemaStep{version: version, label: label, script: string(body)})
	}
	slices.SortFunc(steps, func(a, b schemaStep) int { return a.version - b.version })
	return steps, nil
}

// runMigrations applies every migration newer than the recorded schema
// version, one transaction per file.
func runMigrations(ctx context.Context, db *sql.DB) error {
	steps, err := loadSchemaSteps()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.ExecContext(ctx, versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, step := range steps {
		if step.version <= applied {
			continue
		}
		if err := applySchemaStep(ctx, db, step); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", step.version, step.label, err)
		}
	}
	return nil
}

func applySchemaStep(ctx context.Context, db *sql.DB, step schemaStep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range splitStatements(step.script) {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, step.version, step.label); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements drops "--" comment lines and splits the rest on
// semicolons. Migration scripts keep string literals free of ';' and "--".
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		for {
			before, after, found := strings.Cut(line, ";")
			cur.WriteString(before)
			if !found {
				cur.WriteByte('\n')
				break
			}
			flush()
			line = after
		}
	}
	flush()
	return stmts
}
