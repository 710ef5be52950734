package score

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/console/internal/audit"
	"github.com/ongoingai/console/internal/filter"
	"github.com/ongoingai/console/internal/sqlutil"
)

const scoreColumns = `s.id, s.project_id, s.trace_id, s.observation_id, s.name, s.value, s.string_value,
    s.data_type, s.source, s.comment, s.author_user_id, s.config_id, s.timestamp, s.created_at, s.updated_at`

const returningScoreColumns = `id, project_id, trace_id, observation_id, name, value, string_value,
    data_type, source, comment, author_user_id, config_id, timestamp, created_at, updated_at`

const listedScoreColumns = scoreColumns + `,
    t.user_id, t.name, je.job_configuration_id, u.image, u.name`

// sqlStore holds the query logic both backends share.
type sqlStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	gate    *sqlutil.WriteGate
	now     func() time.Time
}

func newSQLStore(db *sql.DB, dialect sqlutil.Dialect) sqlStore {
	return sqlStore{
		db:      db,
		dialect: dialect,
		gate:    sqlutil.NewWriteGate(dialect),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// listFrom renders the shared FROM/JOIN/WHERE of the rows and count
// queries so both apply the same predicate.
func (s *sqlStore) listFrom(b *filter.Builder, query ListQuery) (string, error) {
	pred, err := filter.Compile(Columns, query.Filter)
	if err != nil {
		return "", err
	}
	from := `
FROM scores s
LEFT JOIN traces t ON t.id = s.trace_id AND t.project_id = ` + b.Arg(query.ProjectID) + `
LEFT JOIN job_executions je ON je.job_output_score_id = s.id AND je.project_id = ` + b.Arg(query.ProjectID) + `
LEFT JOIN users u ON u.id = s.author_user_id AND u.id IN (SELECT user_id FROM organization_memberships WHERE org_id = ` + b.Arg(query.OrgID) + `)
WHERE ` + b.Where(filter.And{filter.Compare{Expr: "s.project_id", Op: "=", Value: query.ProjectID}, pred})
	return from, nil
}

func (s *sqlStore) ListScores(ctx context.Context, query ListQuery) ([]*ListedScore, error) {
	orderSQL, err := Columns.OrderClause(query.OrderBy, defaultScoreOrder)
	if err != nil {
		return nil, err
	}
	limit, offset := pageBounds(query.Page, query.Limit)

	b := filter.NewBuilder(s.dialect)
	from, err := s.listFrom(b, query)
	if err != nil {
		return nil, err
	}
	sqlText := "SELECT " + listedScoreColumns + from + "\n" + orderSQL + "\nLIMIT " + b.Arg(limit) + " OFFSET " + b.Arg(offset)

	rows, err := s.db.QueryContext(ctx, sqlText, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	items := make([]*ListedScore, 0, limit)
	for rows.Next() {
		item, err := scanListedScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan score row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score rows: %w", err)
	}
	return items, nil
}

func (s *sqlStore) CountScores(ctx context.Context, query ListQuery) (int64, error) {
	b := filter.NewBuilder(s.dialect)
	from, err := s.listFrom(b, query)
	if err != nil {
		return 0, err
	}

	var count sql.NullInt64
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, b.Args()...).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count scores: %w", err)
	}
	return count.Int64, nil
}

func (s *sqlStore) FilterOptions(ctx context.Context, projectID string) (*FilterOptions, error) {
	b := filter.NewBuilder(s.dialect)
	query := `SELECT s.name, COUNT(*) FROM scores s WHERE s.project_id = ` + b.Arg(projectID) + `
GROUP BY s.name ORDER BY COUNT(*) DESC, s.name ASC LIMIT ` + b.Arg(maxGroups)

	rows, err := s.db.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query score filter options: %w", err)
	}
	defer rows.Close()

	options := &FilterOptions{Name: []OptionCount{}}
	for rows.Next() {
		var option OptionCount
		if err := rows.Scan(&option.Value, &option.Count); err != nil {
			return nil, fmt.Errorf("scan score filter option: %w", err)
		}
		options.Name = append(options.Name, option)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score filter options: %w", err)
	}
	return options, nil
}

func (s *sqlStore) ScoreKeys(ctx context.Context, projectID string, since time.Time) ([]KeyAndProps, error) {
	where := filter.And{filter.Compare{Expr: "s.project_id", Op: "=", Value: projectID}}
	if !since.IsZero() {
		where = append(where, filter.Compare{Expr: "s.timestamp", Op: ">=", Value: since.UTC()})
	}
	b := filter.NewBuilder(s.dialect)
	query := `SELECT s.name, s.source, s.data_type FROM scores s WHERE ` + b.Where(where) + `
GROUP BY s.name, s.source, s.data_type
ORDER BY COUNT(*) DESC, s.name ASC, s.source ASC, s.data_type ASC
LIMIT ` + b.Arg(maxGroups)

	rows, err := s.db.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query score keys: %w", err)
	}
	defer rows.Close()

	keys := make([]KeyAndProps, 0, 16)
	for rows.Next() {
		var (
			name     string
			source   string
			dataType string
		)
		if err := rows.Scan(&name, &source, &dataType); err != nil {
			return nil, fmt.Errorf("scan score key: %w", err)
		}
		keys = append(keys, KeyAndProps{
			Key:      ComposeAggregateScoreKey(name, Source(source), DataType(dataType)),
			Name:     name,
			Source:   Source(source),
			DataType: DataType(dataType),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score keys: %w", err)
	}
	return keys, nil
}

func (s *sqlStore) TotalScores(ctx context.Context, projectID string) (int64, error) {
	b := filter.NewBuilder(s.dialect)
	var where filter.Predicate = filter.And{}
	if strings.TrimSpace(projectID) != "" {
		where = filter.Compare{Expr: "s.project_id", Op: "=", Value: projectID}
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scores s WHERE "+b.Where(where), b.Args()...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count scores: %w", err)
	}
	return count, nil
}

func (s *sqlStore) GetAnnotation(ctx context.Context, projectID, id string) (*Score, error) {
	row, err := s.selectAnnotation(ctx, s.db, projectID, id, false)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// WriteScore inserts a score of any source; annotation edits go through
// CreateAnnotation instead.
func (s *sqlStore) WriteScore(ctx context.Context, in *Score) error {
	if in == nil {
		return nil
	}
	row := *in
	if strings.TrimSpace(row.ID) == "" {
		row.ID = uuid.NewString()
	}
	if strings.TrimSpace(row.ProjectID) == "" {
		return fmt.Errorf("%w: score %q project id is required", ErrInvalidInput, row.ID)
	}
	if strings.TrimSpace(row.Name) == "" {
		return fmt.Errorf("%w: score %q name is required", ErrInvalidInput, row.ID)
	}
	now := s.now()
	if row.Timestamp.IsZero() {
		row.Timestamp = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if err := ValidateScore(&row); err != nil {
		return err
	}

	err := s.gate.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.insertSQL(""), s.insertArgs(&row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write score %q: %w", row.ID, err)
	}
	in.ID = row.ID
	return nil
}

func (s *sqlStore) CreateAnnotation(ctx context.Context, in CreateAnnotationInput, actor audit.Actor) (*Mutation, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	var result *Mutation
	err := s.gate.Do(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := s.requireTrace(ctx, tx, in.ProjectID, in.TraceID); err != nil {
				return err
			}

			now := s.now()
			candidate := &Score{
				ID:            uuid.NewString(),
				ProjectID:     in.ProjectID,
				TraceID:       in.TraceID,
				ObservationID: in.ObservationID,
				Name:          in.Name,
				Value:         in.Value,
				StringValue:   in.StringValue,
				DataType:      in.DataType,
				Source:        SourceAnnotation,
				Comment:       in.Comment,
				AuthorUserID:  actor.UserID,
				ConfigID:      in.ConfigID,
				Timestamp:     now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}

			conflict := ` ON CONFLICT (project_id, trace_id, observation_key, config_id) WHERE source = 'ANNOTATION' DO NOTHING RETURNING ` + returningScoreColumns
			created, err := scanScore(tx.QueryRowContext(ctx, s.insertSQL(conflict), s.insertArgs(candidate)...))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("insert annotation score: %w", err)
			}

			mutation := &Mutation{Action: audit.ActionCreate, After: created}
			if created == nil {
				before, err := s.lockNaturalKey(ctx, tx, in)
				if err != nil {
					return err
				}
				if before.DataType != in.DataType {
					return fmt.Errorf("%w: annotation %q has data type %s, not %s", ErrInvalidInput, before.ID, before.DataType, in.DataType)
				}
				after, err := s.overwriteValues(ctx, tx, before, in.Value, in.StringValue, in.Comment, actor.UserID)
				if err != nil {
					return err
				}
				mutation = &Mutation{Action: audit.ActionUpdate, Before: before, After: after}
			}
			if err := ValidateScore(mutation.After); err != nil {
				return err
			}

			auditID, err := s.writeAudit(ctx, tx, actor, mutation)
			if err != nil {
				return err
			}
			mutation.AuditID = auditID
			result = mutation
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *sqlStore) UpdateAnnotation(ctx context.Context, in UpdateAnnotationInput, actor audit.Actor) (*Mutation, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	var result *Mutation
	err := s.gate.Do(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			before, err := s.selectAnnotation(ctx, tx, in.ProjectID, in.ID, true)
			if err != nil {
				return err
			}
			stringValue := canonicalStringValue(before.DataType, in.Value, in.StringValue)
			if err := checkValueShape(before.DataType, in.Value, stringValue); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			after, err := s.overwriteValues(ctx, tx, before, in.Value, stringValue, in.Comment, actor.UserID)
			if err != nil {
				return err
			}
			if err := ValidateScore(after); err != nil {
				return err
			}

			mutation := &Mutation{Action: audit.ActionUpdate, Before: before, After: after}
			auditID, err := s.writeAudit(ctx, tx, actor, mutation)
			if err != nil {
				return err
			}
			mutation.AuditID = auditID
			result = mutation
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *sqlStore) DeleteAnnotation(ctx context.Context, projectID, id string, actor audit.Actor) (*Mutation, error) {
	projectID, id = strings.TrimSpace(projectID), strings.TrimSpace(id)
	if projectID == "" || id == "" {
		return nil, fmt.Errorf("%w: projectId and id are required", ErrInvalidInput)
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	var result *Mutation
	err := s.gate.Do(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			before, err := s.selectAnnotation(ctx, tx, projectID, id, true)
			if err != nil {
				return err
			}

			b := filter.NewBuilder(s.dialect)
			res, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE id = `+b.Arg(before.ID)+
				` AND project_id = `+b.Arg(projectID)+` AND source = `+b.Arg(string(SourceAnnotation)), b.Args()...)
			if err != nil {
				return fmt.Errorf("delete annotation score %q: %w", id, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("read delete row count: %w", err)
			}
			if affected != 1 {
				return fmt.Errorf("delete annotation score %q: affected %d rows: %w", id, affected, ErrNotFound)
			}

			mutation := &Mutation{Action: audit.ActionDelete, Before: before}
			auditID, err := s.writeAudit(ctx, tx, actor, mutation)
			if err != nil {
				return err
			}
			mutation.AuditID = auditID
			result = mutation
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin score transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit score transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) requireTrace(ctx context.Context, tx *sql.Tx, projectID, traceID string) error {
	b := filter.NewBuilder(s.dialect)
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM traces WHERE id = `+b.Arg(traceID)+` AND project_id = `+b.Arg(projectID), b.Args()...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTraceNotFound
	}
	if err != nil {
		return fmt.Errorf("look up trace %q: %w", traceID, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) selectAnnotation(ctx context.Context, q queryRower, projectID, id string, lock bool) (*Score, error) {
	b := filter.NewBuilder(s.dialect)
	query := `SELECT ` + scoreColumns + ` FROM scores s WHERE s.id = ` + b.Arg(id) +
		` AND s.project_id = ` + b.Arg(projectID) + ` AND s.source = ` + b.Arg(string(SourceAnnotation))
	if lock {
		query += s.dialect.LockClause()
	}
	row, err := scanScore(q.QueryRowContext(ctx, query, b.Args()...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up annotation score %q: %w", id, err)
	}
	return row, nil
}

func (s *sqlStore) lockNaturalKey(ctx context.Context, tx *sql.Tx, in CreateAnnotationInput) (*Score, error) {
	b := filter.NewBuilder(s.dialect)
	query := `SELECT ` + scoreColumns + ` FROM scores s WHERE s.project_id = ` + b.Arg(in.ProjectID) +
		` AND s.trace_id = ` + b.Arg(in.TraceID) +
		` AND s.observation_key = ` + b.Arg(in.ObservationID) +
		` AND s.config_id = ` + b.Arg(in.ConfigID) +
		` AND s.source = ` + b.Arg(string(SourceAnnotation)) + s.dialect.LockClause()
	row, err := scanScore(tx.QueryRowContext(ctx, query, b.Args()...))
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting row was deleted after our insert skipped it.
		return nil, fmt.Errorf("annotation score for trace %q changed concurrently, retry", in.TraceID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock annotation score: %w", err)
	}
	return row, nil
}

func (s *sqlStore) overwriteValues(ctx context.Context, tx *sql.Tx, before *Score, value *float64, stringValue, comment, authorUserID string) (*Score, error) {
	b := filter.NewBuilder(s.dialect)
	query := `UPDATE scores SET value = ` + b.Arg(floatArg(value)) +
		`, string_value = ` + b.Arg(sqlutil.NullIfEmpty(stringValue)) +
		`, comment = ` + b.Arg(sqlutil.NullIfEmpty(comment)) +
		`, author_user_id = ` + b.Arg(sqlutil.NullIfEmpty(authorUserID)) +
		`, updated_at = ` + b.Arg(s.now()) +
		` WHERE id = ` + b.Arg(before.ID) + ` AND project_id = ` + b.Arg(before.ProjectID) +
		` RETURNING ` + returningScoreColumns
	after, err := scanScore(tx.QueryRowContext(ctx, query, b.Args()...))
	if err != nil {
		return nil, fmt.Errorf("update annotation score %q: %w", before.ID, err)
	}
	return after, nil
}

func (s *sqlStore) writeAudit(ctx context.Context, tx *sql.Tx, actor audit.Actor, mutation *Mutation) (string, error) {
	var before, after any
	if mutation.Before != nil {
		before = mutation.Before
	}
	if mutation.After != nil {
		after = mutation.After
	}
	entry, err := audit.NewEntry(actor, mutation.Result().ProjectID, ResourceType, mutation.Result().ID, mutation.Action, before, after)
	if err != nil {
		return "", err
	}
	if err := audit.Insert(ctx, tx, s.dialect, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *sqlStore) insertSQL(suffix string) string {
	placeholders := make([]string, 16)
	for i := range placeholders {
		placeholders[i] = s.dialect.Placeholder(i + 1)
	}
	return `INSERT INTO scores (
    id, project_id, trace_id, observation_id, observation_key, name, value, string_value,
    data_type, source, comment, author_user_id, config_id, timestamp, created_at, updated_at
) VALUES (` + strings.Join(placeholders, ", ") + `)` + suffix
}

func (s *sqlStore) insertArgs(row *Score) []any {
	return []any{
		row.ID,
		row.ProjectID,
		sqlutil.NullIfEmpty(row.TraceID),
		sqlutil.NullIfEmpty(row.ObservationID),
		strings.TrimSpace(row.ObservationID),
		row.Name,
		floatArg(row.Value),
		sqlutil.NullIfEmpty(row.StringValue),
		string(row.DataType),
		string(row.Source),
		sqlutil.NullIfEmpty(row.Comment),
		sqlutil.NullIfEmpty(row.AuthorUserID),
		sqlutil.NullIfEmpty(row.ConfigID),
		s.dialect.TimeArg(row.Timestamp),
		s.dialect.TimeArg(row.CreatedAt),
		s.dialect.TimeArg(row.UpdatedAt),
	}
}

func checkActor(actor audit.Actor) error {
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(actor.OrgID) == "" {
		return fmt.Errorf("%w: session user and organization are required", ErrInvalidInput)
	}
	return nil
}

func floatArg(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
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

type scoreColumnsDest struct {
	item          Score
	traceID       sql.NullString
	observationID sql.NullString
	value         sql.NullFloat64
	stringValue   sql.NullString
	dataType      string
	source        string
	comment       sql.NullString
	authorUserID  sql.NullString
	configID      sql.NullString
	timestamp     sqlutil.NullTime
	createdAt     sqlutil.NullTime
	updatedAt     sqlutil.NullTime
}

func (c *scoreColumnsDest) dest() []any {
	return []any{
		&c.item.ID,
		&c.item.ProjectID,
		&c.traceID,
		&c.observationID,
		&c.item.Name,
		&c.value,
		&c.stringValue,
		&c.dataType,
		&c.source,
		&c.comment,
		&c.authorUserID,
		&c.configID,
		&c.timestamp,
		&c.createdAt,
		&c.updatedAt,
	}
}

func (c *scoreColumnsDest) finish() *Score {
	item := c.item
	item.TraceID = c.traceID.String
	item.ObservationID = c.observationID.String
	if c.value.Valid {
		value := c.value.Float64
		item.Value = &value
	}
	item.StringValue = c.stringValue.String
	item.DataType = DataType(c.dataType)
	item.Source = Source(c.source)
	item.Comment = c.comment.String
	item.AuthorUserID = c.authorUserID.String
	item.ConfigID = c.configID.String
	item.Timestamp = c.timestamp.Time
	item.CreatedAt = c.createdAt.Time
	item.UpdatedAt = c.updatedAt.Time
	return &item
}

func scanScore(scanner sqlutil.RowScanner) (*Score, error) {
	var cols scoreColumnsDest
	if err := scanner.Scan(cols.dest()...); err != nil {
		return nil, err
	}
	return cols.finish(), nil
}

func scanListedScore(scanner sqlutil.RowScanner) (*ListedScore, error) {
	var (
		cols               scoreColumnsDest
		traceUserID        sql.NullString
		traceName          sql.NullString
		jobConfigurationID sql.NullString
		authorImage        sql.NullString
		authorName         sql.NullString
	)
	dest := append(cols.dest(), &traceUserID, &traceName, &jobConfigurationID, &authorImage, &authorName)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	return &ListedScore{
		Score:              *cols.finish(),
		TraceUserID:        traceUserID.String,
		TraceName:          traceName.String,
		JobConfigurationID: jobConfigurationID.String,
		AuthorUserImage:    authorImage.String,
		AuthorUserName:     authorName.String,
	}, nil
}
