package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailhub/internal/store"
)

// Column lists per table, in schema order. Query always selects the full
// list; filters and ordering are validated against it so no caller input
// ever reaches the SQL text.
var tableColumns = map[string][]string{
	store.TableProfiles:  {"id", "name", "email", "profile_image", "status", "created_at", "updated_at"},
	store.TableMessages:  {"id", "sender_id", "receiver_id", "subject", "content", "status", "is_starred", "is_draft", "is_deleted", "deleted_at", "created_at"},
	store.TableUserRoles: {"id", "user_id", "role"},
}

var boolColumns = map[string]bool{
	"is_starred": true,
	"is_draft":   true,
	"is_deleted": true,
}

var timeColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
}

var nullableColumns = map[string]bool{
	"profile_image": true,
	"deleted_at":    true,
}

func validColumn(table, column string) bool {
	for _, c := range tableColumns[table] {
		if c == column {
			return true
		}
	}
	return false
}

func storeErr(op, table string, err error) error {
	return &store.StoreError{Op: op, Table: table, Err: err}
}

// Query runs a filtered SELECT and returns every matching row.
func (s *SQLiteStore) Query(ctx context.Context, table string, filters []store.Filter, order store.Order) ([]store.Row, error) {
	cols, ok := tableColumns[table]
	if !ok {
		return nil, storeErr("query", table, fmt.Errorf("unknown table"))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)

	var args []any
	if len(filters) > 0 {
		var conjuncts []string
		for _, f := range filters {
			var disjuncts []string
			for _, c := range f.Any {
				if !validColumn(table, c.Column) {
					return nil, storeErr("query", table, fmt.Errorf("unknown column %q", c.Column))
				}
				disjuncts = append(disjuncts, c.Column+" = ?")
				args = append(args, bindValue(c.Value))
			}
			if len(disjuncts) == 0 {
				continue
			}
			conjuncts = append(conjuncts, "("+strings.Join(disjuncts, " OR ")+")")
		}
		if len(conjuncts) > 0 {
			sb.WriteString(" WHERE ")
			sb.WriteString(strings.Join(conjuncts, " AND "))
		}
	}

	if order.Column != "" {
		if !validColumn(table, order.Column) {
			return nil, storeErr("query", table, fmt.Errorf("unknown order column %q", order.Column))
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(order.Column)
		if order.Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, storeErr("query", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []store.Row
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, storeErr("query", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query", table, err)
	}

	return out, nil
}

// Insert adds one row. A missing id is generated; a missing created_at
// defaults to now.
func (s *SQLiteStore) Insert(ctx context.Context, table string, row store.Row) error {
	if _, ok := tableColumns[table]; !ok {
		return storeErr("insert", table, fmt.Errorf("unknown table"))
	}

	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if validColumn(table, "created_at") {
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = time.Now().UTC()
		}
	}
	if validColumn(table, "updated_at") {
		if _, ok := row["updated_at"]; !ok {
			row["updated_at"] = time.Now().UTC()
		}
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		if !validColumn(table, c) {
			return storeErr("insert", table, fmt.Errorf("unknown column %q", c))
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = bindValue(row[c])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storeErr("insert", table, err)
	}

	s.notifier.notify(table)
	return nil
}

// Update applies a partial field set to the row with the given id.
// Identity and provenance columns (id, sender_id, created_at) are never
// updatable.
func (s *SQLiteStore) Update(ctx context.Context, table string, id string, fields store.Row) error {
	if _, ok := tableColumns[table]; !ok {
		return storeErr("update", table, fmt.Errorf("unknown table"))
	}

	set := make(store.Row, len(fields))
	for c, v := range fields {
		if c == "id" || c == "sender_id" || c == "created_at" {
			continue
		}
		if !validColumn(table, c) {
			return storeErr("update", table, fmt.Errorf("unknown column %q", c))
		}
		set[c] = v
	}
	if len(set) == 0 {
		return storeErr("update", table, fmt.Errorf("no updatable fields"))
	}

	// profiles carry an updated_at column maintained on every write
	if table == store.TableProfiles {
		if _, ok := set["updated_at"]; !ok {
			set["updated_at"] = time.Now().UTC()
		}
	}

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, bindValue(set[c]))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storeErr("update", table, store.ErrNotFound)
	}

	s.notifier.notify(table)
	return nil
}

// Delete removes the row with the given id. Deleting a profile cascades
// to its roles and to every message it sent or received, so no view is
// left holding a dangling reference.
func (s *SQLiteStore) Delete(ctx context.Context, table string, id string) error {
	if _, ok := tableColumns[table]; !ok {
		return storeErr("delete", table, fmt.Errorf("unknown table"))
	}

	if table == store.TableProfiles {
		return s.deleteProfileCascade(ctx, id)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return storeErr("delete", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storeErr("delete", table, store.ErrNotFound)
	}

	s.notifier.notify(table)
	return nil
}

func (s *SQLiteStore) deleteProfileCascade(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("delete", store.TableProfiles, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", id); err != nil {
		return storeErr("delete", store.TableProfiles, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE sender_id = ? OR receiver_id = ?", id, id); err != nil {
		return storeErr("delete", store.TableProfiles, err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return storeErr("delete", store.TableProfiles, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storeErr("delete", store.TableProfiles, store.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("delete", store.TableProfiles, err)
	}

	s.notifier.notify(store.TableMessages)
	s.notifier.notify(store.TableProfiles)
	return nil
}

// bindValue maps store values onto driver-friendly ones.
func bindValue(v any) any {
	switch t := v.(type) {
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	case *string:
		if t == nil {
			return nil
		}
		return *t
	default:
		return v
	}
}

func scanRow(rows *sql.Rows, cols []string) (store.Row, error) {
	dests := make([]any, len(cols))
	for i, c := range cols {
		switch {
		case boolColumns[c]:
			dests[i] = new(bool)
		case timeColumns[c]:
			dests[i] = new(sql.NullTime)
		case nullableColumns[c]:
			dests[i] = new(sql.NullString)
		default:
			dests[i] = new(string)
		}
	}

	if err := rows.Scan(dests...); err != nil {
		return nil, err
	}

	row := make(store.Row, len(cols))
	for i, c := range cols {
		switch d := dests[i].(type) {
		case *bool:
			row[c] = *d
		case *sql.NullTime:
			if nullableColumns[c] {
				if d.Valid {
					t := d.Time
					row[c] = &t
				} else {
					row[c] = (*time.Time)(nil)
				}
			} else {
				row[c] = d.Time
			}
		case *sql.NullString:
			if d.Valid {
				v := d.String
				row[c] = &v
			} else {
				row[c] = (*string)(nil)
			}
		case *string:
			row[c] = *d
		}
	}

	return row, nil
}
