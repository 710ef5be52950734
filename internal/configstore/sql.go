package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ongoingai/console/internal/sqlutil"
)

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

// bind rewrites ? markers for the store dialect.
func (s *sqlStore) bind(query string) string {
	if s.dialect != sqlutil.Postgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) SyncDirectory(ctx context.Context, dir Directory) error {
	dir, err := dir.Normalize()
	if err != nil {
		return err
	}

	return s.gate.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin directory sync transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		for _, org := range dir.Organizations {
			if _, err := tx.ExecContext(ctx, s.bind(`
INSERT INTO organizations (id, name) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name`), org.ID, org.Name); err != nil {
				return fmt.Errorf("upsert organization %q: %w", org.ID, err)
			}
		}
		for _, user := range dir.Users {
			if _, err := tx.ExecContext(ctx, s.bind(`
INSERT INTO users (id, name, email, image) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, image = excluded.image`),
				user.ID,
				sqlutil.NullIfEmpty(user.Name),
				sqlutil.NullIfEmpty(user.Email),
				sqlutil.NullIfEmpty(user.Image),
			); err != nil {
				return fmt.Errorf("upsert user %q: %w", user.ID, err)
			}
		}
		for _, project := range dir.Projects {
			if _, err := tx.ExecContext(ctx, s.bind(`
INSERT INTO projects (id, org_id, name) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name`), project.ID, project.OrgID, project.Name); err != nil {
				return fmt.Errorf("upsert project %q: %w", project.ID, err)
			}
			var orgID string
			if err := tx.QueryRowContext(ctx, s.bind(`SELECT org_id FROM projects WHERE id = ?`), project.ID).Scan(&orgID); err != nil {
				return fmt.Errorf("read project %q: %w", project.ID, err)
			}
			if orgID != project.OrgID {
				return fmt.Errorf("%w: project %q already belongs to organization %q", ErrConflict, project.ID, orgID)
			}
		}

		for _, org := range dir.Organizations {
			if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM organization_memberships WHERE org_id = ?`), org.ID); err != nil {
				return fmt.Errorf("clear memberships of %q: %w", org.ID, err)
			}
		}
		for _, membership := range dir.Memberships {
			if _, err := tx.ExecContext(ctx, s.bind(`
INSERT INTO organization_memberships (org_id, user_id, role) VALUES (?, ?, ?)`),
				membership.OrgID, membership.UserID, membership.Role); err != nil {
				if sqlutil.IsForeignKeyViolation(err) {
					return fmt.Errorf("%w: membership %s/%s: %v", ErrConflict, membership.OrgID, membership.UserID, err)
				}
				return fmt.Errorf("insert membership %s/%s: %w", membership.OrgID, membership.UserID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit directory sync transaction: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	var (
		item      User
		name      sql.NullString
		email     sql.NullString
		image     sql.NullString
		createdAt sqlutil.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.bind(`
SELECT id, name, email, image, created_at
FROM users
WHERE id = ?`), id).Scan(&item.ID, &name, &email, &image, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}
	item.Name = name.String
	item.Email = email.String
	item.Image = image.String
	item.CreatedAt = createdAt.Time
	return &item, nil
}

func (s *sqlStore) GetProject(ctx context.Context, id string) (*Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	var item Project
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT id, org_id, name FROM projects WHERE id = ?`), id).
		Scan(&item.ID, &item.OrgID, &item.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project %q: %w", id, err)
	}
	return &item, nil
}

func (s *sqlStore) ListMemberships(ctx context.Context, orgID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
SELECT org_id, user_id, role
FROM organization_memberships
WHERE org_id = ?
ORDER BY user_id`), strings.TrimSpace(orgID))
	if err != nil {
		return nil, fmt.Errorf("list memberships of %q: %w", orgID, err)
	}
	defer rows.Close()

	out := make([]Membership, 0, 8)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.OrgID, &item.UserID, &item.Role); err != nil {
			return nil, fmt.Errorf("scan membership row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate membership rows: %w", err)
	}
	return out, nil
}
