package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/console/internal/filter"
	"github.com/ongoingai/console/internal/sqlutil"
)

const traceSummaryColumns = `t.id, t.project_id, t.name, t.user_id, t.session_id, t.release, t.version,
    t.tags, t.bookmarked, t.public, t.timestamp, t.created_at, t.updated_at`

const traceDetailColumns = traceSummaryColumns + `, t.input, t.output, t.metadata`

const insertTraceSQL = `
INSERT INTO traces (
    id,
    project_id,
    name,
    user_id,
    session_id,
    release,
    version,
    tags,
    bookmarked,
    public,
    input,
    output,
    metadata,
    timestamp,
    created_at,
    updated_at
) VALUES (%s)`

// sqlStore holds the query logic both backends share; only connection setup
// differs.
type sqlStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	gate    *sqlutil.WriteGate
}

func newSQLStore(db *sql.DB, dialect sqlutil.Dialect) sqlStore {
	return sqlStore{
		db:      db,
		dialect: dialect,
		gate:    sqlutil.NewWriteGate(dialect),
	}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) insertSQL() string {
	placeholders := make([]string, 16)
	for i := range placeholders {
		placeholders[i] = s.dialect.Placeholder(i + 1)
	}
	return fmt.Sprintf(insertTraceSQL, strings.Join(placeholders, ", "))
}

func (s *sqlStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	row, err := normalizeTrace(trace)
	if err != nil {
		return err
	}

	err = s.gate.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.insertSQL(), s.traceArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *sqlStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}
	rows := make([]*Trace, 0, len(traces))
	for _, trace := range traces {
		if trace == nil {
			continue
		}
		row, err := normalizeTrace(trace)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return s.gate.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trace batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, s.insertSQL())
		if err != nil {
			return fmt.Errorf("prepare trace batch insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, s.traceArgs(row)...); err != nil {
				return fmt.Errorf("write batch trace %q: %w", row.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit trace batch transaction: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) GetTrace(ctx context.Context, projectID, id string) (*Trace, error) {
	b := filter.NewBuilder(s.dialect)
	query := "SELECT " + traceDetailColumns + " FROM traces t WHERE t.project_id = " + b.Arg(projectID) + " AND t.id = " + b.Arg(id)
	row, err := scanTraceDetail(s.db.QueryRowContext(ctx, query, b.Args()...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return row, nil
}

func (s *sqlStore) ListTraces(ctx context.Context, query TraceQuery) ([]*Trace, error) {
	pred, err := filter.Compile(Columns, query.Filter)
	if err != nil {
		return nil, err
	}
	orderSQL, err := Columns.OrderClause(query.OrderBy, defaultTraceOrder)
	if err != nil {
		return nil, err
	}
	limit, offset := pageBounds(query.Page, query.Limit)

	where := filter.And{
		filter.Compare{Expr: "t.project_id", Op: "=", Value: query.ProjectID},
		pred,
		searchPredicate(query.SearchQuery),
	}
	b := filter.NewBuilder(s.dialect)
	sqlText := "SELECT " + traceSummaryColumns + " FROM traces t WHERE " + b.Where(where) +
		" " + orderSQL + " LIMIT " + b.Arg(limit) + " OFFSET " + b.Arg(offset)

	rows, err := s.db.QueryContext(ctx, sqlText, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit)
	for rows.Next() {
		item, err := scanTraceSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return items, nil
}

func (s *sqlStore) CountTraces(ctx context.Context, projectID string) (int64, error) {
	b := filter.NewBuilder(s.dialect)
	var where filter.Predicate = filter.And{}
	if strings.TrimSpace(projectID) != "" {
		where = filter.Compare{Expr: "t.project_id", Op: "=", Value: projectID}
	}
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces t WHERE "+b.Where(where), b.Args()...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func searchPredicate(search string) filter.Predicate {
	search = strings.TrimSpace(search)
	if search == "" {
		return filter.And{}
	}
	pattern := "%" + filter.EscapeLike(search) + "%"
	return filter.Or{
		filter.Like{Expr: "t.id", Pattern: pattern},
		filter.Like{Expr: "t.name", Pattern: pattern},
		filter.Like{Expr: "t.user_id", Pattern: pattern},
	}
}

// pageBounds applies defaults and caps; page is zero-based.
func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if page < 0 {
		page = 0
	}
	return limit, page * limit
}

func (s *sqlStore) traceArgs(row *Trace) []any {
	tags, _ := json.Marshal(row.Tags)
	return []any{
		row.ID,
		row.ProjectID,
		sqlutil.NullIfEmpty(row.Name),
		sqlutil.NullIfEmpty(row.UserID),
		sqlutil.NullIfEmpty(row.SessionID),
		sqlutil.NullIfEmpty(row.Release),
		sqlutil.NullIfEmpty(row.Version),
		string(tags),
		row.Bookmarked,
		row.Public,
		sqlutil.NullIfEmpty(row.Input),
		sqlutil.NullIfEmpty(row.Output),
		sqlutil.NullIfEmpty(row.Metadata),
		s.dialect.TimeArg(row.Timestamp),
		s.dialect.TimeArg(row.CreatedAt),
		s.dialect.TimeArg(row.UpdatedAt),
	}
}

func normalizeTrace(in *Trace) (*Trace, error) {
	row := *in
	row.ID = strings.TrimSpace(row.ID)
	row.ProjectID = strings.TrimSpace(row.ProjectID)
	if row.ID == "" {
		return nil, fmt.Errorf("trace id is required")
	}
	if row.ProjectID == "" {
		return nil, fmt.Errorf("trace %q project id is required", row.ID)
	}
	for name, value := range map[string]string{"input": row.Input, "output": row.Output, "metadata": row.Metadata} {
		if strings.TrimSpace(value) != "" && !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("trace %q %s is not valid json", row.ID, name)
		}
	}

	now := time.Now().UTC()
	if row.Timestamp.IsZero() {
		row.Timestamp = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if row.Tags == nil {
		row.Tags = []string{}
	}
	return &row, nil
}

type traceColumns struct {
	item      Trace
	name      sql.NullString
	userID    sql.NullString
	sessionID sql.NullString
	release   sql.NullString
	version   sql.NullString
	tags      sql.NullString
	timestamp sqlutil.NullTime
	createdAt sqlutil.NullTime
	updatedAt sqlutil.NullTime
}

func (c *traceColumns) dest() []any {
	return []any{
		&c.item.ID,
		&c.item.ProjectID,
		&c.name,
		&c.userID,
		&c.sessionID,
		&c.release,
		&c.version,
		&c.tags,
		&c.item.Bookmarked,
		&c.item.Public,
		&c.timestamp,
		&c.createdAt,
		&c.updatedAt,
	}
}

func (c *traceColumns) finish() *Trace {
	item := c.item
	item.Name = c.name.String
	item.UserID = c.userID.String
	item.SessionID = c.sessionID.String
	item.Release = c.release.String
	item.Version = c.version.String
	item.Tags = decodeTags(c.tags.String)
	item.Timestamp = c.timestamp.Time
	item.CreatedAt = c.createdAt.Time
	item.UpdatedAt = c.updatedAt.Time
	return &item
}

func scanTraceSummary(scanner sqlutil.RowScanner) (*Trace, error) {
	var cols traceColumns
	if err := scanner.Scan(cols.dest()...); err != nil {
		return nil, err
	}
	return cols.finish(), nil
}

func scanTraceDetail(scanner sqlutil.RowScanner) (*Trace, error) {
	var (
		cols     traceColumns
		input    sql.NullString
		output   sql.NullString
		metadata sql.NullString
	)
	if err := scanner.Scan(append(cols.dest(), &input, &output, &metadata)...); err != nil {
		return nil, err
	}
	item := cols.finish()
	item.Input = input.String
	item.Output = output.String
	item.Metadata = metadata.String
	return item, nil
}

func decodeTags(raw string) []string {
	tags := []string{}
	if strings.TrimSpace(raw) == "" {
		return tags
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}
