package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// conds accumulates AND-ed WHERE predicates with their placeholders.
type conds struct {
	exprs []string
	args  []any
}

func (c *conds) add(expr string, args ...any) {
	c.exprs = append(c.exprs, expr)
	c.args = append(c.args, args...)
}

// in adds "col IN (?, ...)". It is a no-op for an empty list.
func (c *conds) in(col string, vals []any) {
	if len(vals) == 0 {
		return
	}
	c.add(col+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")+")", vals...)
}

// selectSQL completes base with the WHERE, ORDER BY and LIMIT clauses.
func (c *conds) selectSQL(base, orderBy string, limit int) string {
	var b strings.Builder
	b.WriteString(base)
	if len(c.exprs) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(c.exprs, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)
	if limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(limit))
	}
	return b.String()
}

// patch accumulates "col = ?" assignments of a partial UPDATE.
type patch struct {
	cols []string
	args []any
}

func (p *patch) set(col string, v any) {
	p.cols = append(p.cols, col+" = ?")
	p.args = append(p.args, v)
}

func (p *patch) empty() bool { return len(p.cols) == 0 }

// exec updates the row of table with the given id and reports NOT_FOUND
// when no row matched.
func (p *patch) exec(ctx context.Context, db *sql.DB, table, resource, id string) error {
	query := "UPDATE " + table + " SET " + strings.Join(p.cols, ", ") + " WHERE id = ?"
	res, err := db.ExecContext(ctx, query, append(p.args, id)...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, resource, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
