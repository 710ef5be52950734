package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ongoingai/console/internal/sqlutil"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Query narrows a read of the audit trail. Empty fields match everything.
type Query struct {
	ProjectID    string
	ResourceType string
	ResourceID   string
	Limit        int
}

// Reader reads audit_logs, newest first.
type Reader struct {
	db      *sql.DB
	dialect sqlutil.Dialect
}

func NewReader(db *sql.DB, dialect sqlutil.Dialect) *Reader {
	return &Reader{db: db, dialect: dialect}
}

// OpenReader opens its own pool for driver, as the stores do.
func OpenReader(driver, path, dsn string) (*Reader, error) {
	dialect, err := sqlutil.ParseDriver(driver)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if dialect == sqlutil.Postgres {
		db, err = sqlutil.OpenPostgres(dsn)
	} else {
		db, err = sqlutil.OpenSQLite(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open audit reader: %w", err)
	}
	return NewReader(db, dialect), nil
}

func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Reader) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		clauses []string
		args    []any
	)
	add := func(column, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, column+" = "+r.dialect.Placeholder(len(args)))
	}
	add("project_id", q.ProjectID)
	add("resource_type", q.ResourceType)
	add("resource_id", q.ResourceID)

	where := "1=1"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query := `SELECT id, created_at, project_id, org_id, user_id, user_org_role, resource_type, resource_id, action, before_state, after_state
FROM audit_logs WHERE ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ` + r.dialect.Placeholder(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 16)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log rows: %w", err)
	}
	return entries, nil
}

func scanEntry(scanner sqlutil.RowScanner) (Entry, error) {
	var (
		entry     Entry
		createdAt sqlutil.NullTime
		projectID sql.NullString
		action    string
		before    sql.NullString
		after     sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&createdAt,
		&projectID,
		&entry.OrgID,
		&entry.UserID,
		&entry.UserOrgRole,
		&entry.ResourceType,
		&entry.ResourceID,
		&action,
		&before,
		&after,
	); err != nil {
		return Entry{}, err
	}
	entry.CreatedAt = createdAt.Time
	entry.ProjectID = projectID.String
	entry.Action = Action(action)
	if before.Valid && before.String != "" {
		entry.Before = json.RawMessage(before.String)
	}
	if after.Valid && after.String != "" {
		entry.After = json.RawMessage(after.String)
	}
	return entry, nil
}

// Summary renders a one-line description for text output.
func (e Entry) Summary() string {
	var b strings.Builder
	b.WriteString(e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteString(" ")
	b.WriteString(string(e.Action))
	b.WriteString(" ")
	b.WriteString(e.ResourceType)
	b.WriteString("/")
	b.WriteString(e.ResourceID)
	b.WriteString(" by ")
	b.WriteString(e.UserID)
	if e.UserOrgRole != "" {
		b.WriteString(" (" + e.UserOrgRole + ")")
	}
	if e.ProjectID != "" {
		b.WriteString(" project=" + strconv.Quote(e.ProjectID))
	}
	return b.String()
}
