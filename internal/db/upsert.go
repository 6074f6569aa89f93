package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder renders the bind parameter for the i-th argument (1-based).
type Placeholder func(i int) string

// Dollar renders Postgres-style $n parameters.
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// Question renders SQLite-style ? parameters.
func Question(int) string { return "?" }

// UpsertConfig defines a single-row INSERT ... ON CONFLICT statement.
type UpsertConfig struct {
	Table        string   // target table (e.g., "ingest_attempts")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	DoNothing    bool     // keep the existing row on conflict
}

// UpsertSQL builds the statement for cfg. Both Postgres and SQLite accept
// the generated syntax.
func UpsertSQL(cfg UpsertConfig, ph Placeholder) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	params := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		params[i] = ph(i + 1)
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(params, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)
	if cfg.DoNothing {
		return stmt + " DO NOTHING", nil
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}
	if len(updateCols) == 0 {
		return stmt + " DO NOTHING", nil
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return stmt + " DO UPDATE SET " + strings.Join(setClauses, ", "), nil
}

// sanitizeTable handles schema-qualified table names like "catalog.experiments".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
