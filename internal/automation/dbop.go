package automation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/aviisi/virta/pkg/api"
)

// databaseHandler executes a closed set of parameterized operations
// against pre-registered tables. Table and column names are validated
// against the registry; only values travel as query parameters, so the
// workflow context can never inject SQL.
type databaseHandler struct {
	db     *sql.DB
	tables map[string]map[string]bool // table -> allowed columns
}

func newDatabaseHandler(db *sql.DB, tables map[string][]string) *databaseHandler {
	reg := make(map[string]map[string]bool, len(tables))
	for table, cols := range tables {
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[c] = true
		}
		reg[table] = set
	}
	return &databaseHandler{db: db, tables: reg}
}

func (h *databaseHandler) Type() api.AutomationType { return api.AutomationDatabase }

func (h *databaseHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	table := cfg.ParamString("table")
	cols, ok := h.tables[table]
	if !ok {
		return nil, fmt.Errorf("database_operation: table %q is not registered", table)
	}

	switch op := cfg.ParamString("operation"); op {
	case "insert":
		return h.insert(ctx, table, cols, cfg.ParamMap("values"))
	case "update":
		return h.update(ctx, table, cols, cfg.ParamMap("values"), cfg.ParamMap("where"))
	case "delete":
		return h.delete(ctx, table, cols, cfg.ParamMap("where"))
	case "select":
		return h.selectRows(ctx, table, cols, cfg)
	default:
		return nil, fmt.Errorf("database_operation: unsupported operation %q", op)
	}
}

func (h *databaseHandler) insert(ctx context.Context, table string, allowed map[string]bool, values map[string]any) (map[string]any, error) {
	cols, args, err := checkedColumns(table, allowed, values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("database_operation: insert needs values")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database_operation: %w", err)
	}
	affected, _ := res.RowsAffected()
	return map[string]any{"rows_affected": affected}, nil
}

func (h *databaseHandler) update(ctx context.Context, table string, allowed map[string]bool, values, where map[string]any) (map[string]any, error) {
	setCols, setArgs, err := checkedColumns(table, allowed, values)
	if err != nil {
		return nil, err
	}
	if len(setCols) == 0 {
		return nil, fmt.Errorf("database_operation: update needs values")
	}
	whereClause, whereArgs, err := buildWhere(table, allowed, where)
	if err != nil {
		return nil, err
	}
	if whereClause == "" {
		return nil, fmt.Errorf("database_operation: update requires a where clause")
	}

	assignments := make([]string, len(setCols))
	for i, c := range setCols {
		assignments[i] = c + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(assignments, ", "), whereClause)
	res, err := h.db.ExecContext(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("database_operation: %w", err)
	}
	affected, _ := res.RowsAffected()
	return map[string]any{"rows_affected": affected}, nil
}

func (h *databaseHandler) delete(ctx context.Context, table string, allowed map[string]bool, where map[string]any) (map[string]any, error) {
	whereClause, whereArgs, err := buildWhere(table, allowed, where)
	if err != nil {
		return nil, err
	}
	if whereClause == "" {
		return nil, fmt.Errorf("database_operation: delete requires a where clause")
	}

	res, err := h.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, whereClause), whereArgs...)
	if err != nil {
		return nil, fmt.Errorf("database_operation: %w", err)
	}
	affected, _ := res.RowsAffected()
	return map[string]any{"rows_affected": affected}, nil
}

func (h *databaseHandler) selectRows(ctx context.Context, table string, allowed map[string]bool, cfg api.AutomationConfig) (map[string]any, error) {
	selected := []string{"*"}
	if raw, ok := cfg.Params["columns"].([]any); ok {
		selected = selected[:0]
		for _, v := range raw {
			col, _ := v.(string)
			if !allowed[col] {
				return nil, fmt.Errorf("database_operation: column %q is not allowed on %s", col, table)
			}
			selected = append(selected, col)
		}
	}

	whereClause, whereArgs, err := buildWhere(table, allowed, cfg.ParamMap("where"))
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selected, ", "), table)
	if whereClause != "" {
		query += " WHERE " + whereClause
	}
	query += " LIMIT 1000"

	rows, err := h.db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, fmt.Errorf("database_operation: %w", err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("database_operation: %w", err)
	}

	var out []any
	for rows.Next() {
		values := make([]any, len(colNames))
		scans := make([]any, len(colNames))
		for i := range values {
			scans[i] = &values[i]
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, fmt.Errorf("database_operation: %w", err)
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database_operation: %w", err)
	}
	return map[string]any{"rows": out, "count": len(out)}, nil
}

// checkedColumns validates every key against the table's allow-list and
// returns columns in deterministic order with their matching args.
func checkedColumns(table string, allowed map[string]bool, values map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(values))
	for col := range values {
		if !allowed[col] {
			return nil, nil, fmt.Errorf("database_operation: column %q is not allowed on %s", col, table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = values[col]
	}
	return cols, args, nil
}

func buildWhere(table string, allowed map[string]bool, where map[string]any) (string, []any, error) {
	cols, args, err := checkedColumns(table, allowed, where)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, nil
	}
	conds := make([]string, len(cols))
	for i, c := range cols {
		conds[i] = c + " = ?"
	}
	return strings.Join(conds, " AND "), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
