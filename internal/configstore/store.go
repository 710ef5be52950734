package configstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("config store record not found")
var ErrConflict = errors.New("config store record conflicts with existing data")

// Organization is the tenant boundary that owns projects and members.
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID        string
	Name      string
	Email     string
	Image     string
	CreatedAt time.Time
}

// Membership grants a user an organization role. Only members resolve as
// score authors in list views.
type Membership struct {
	OrgID  string
	UserID string
	Role   string
}

type Project struct {
	ID    string
	OrgID string
	Name  string
}

// Directory is the desired state of the identity tables, built from
// configuration at startup.
type Directory struct {
	Organizations []Organization
	Users         []User
	Memberships   []Membership
	Projects      []Project
}

// DirectoryStore persists the organization, user and project directory the
// score views join against.
type DirectoryStore interface {
	// SyncDirectory upserts every record and replaces the member list of
	// each organization in dir.
	SyncDirectory(ctx context.Context, dir Directory) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListMemberships(ctx context.Context, orgID string) ([]Membership, error)
	Close() error
}

var _ DirectoryStore = (*SQLiteStore)(nil)
var _ DirectoryStore = (*PostgresStore)(nil)

// Normalize trims ids, merges duplicates (later records win) and checks
// references, so SyncDirectory never half-applies an inconsistent directory.
func (d Directory) Normalize() (Directory, error) {
	orgs := make(map[string]Organization)
	for _, org := range d.Organizations {
		org.ID = strings.TrimSpace(org.ID)
		if org.ID == "" {
			return Directory{}, fmt.Errorf("%w: organization id is required", ErrConflict)
		}
		org.Name = strings.TrimSpace(org.Name)
		if existing, ok := orgs[org.ID]; ok && org.Name == "" {
			org.Name = existing.Name
		}
		orgs[org.ID] = org
	}

	users := make(map[string]User)
	for _, user := range d.Users {
		user.ID = strings.TrimSpace(user.ID)
		if user.ID == "" {
			return Directory{}, fmt.Errorf("%w: user id is required", ErrConflict)
		}
		if existing, ok := users[user.ID]; ok {
			user.Name = firstNonEmpty(user.Name, existing.Name)
			user.Email = firstNonEmpty(user.Email, existing.Email)
			user.Image = firstNonEmpty(user.Image, existing.Image)
		}
		users[user.ID] = user
	}

	memberships := make(map[[2]string]Membership)
	for _, membership := range d.Memberships {
		membership.OrgID = strings.TrimSpace(membership.OrgID)
		membership.UserID = strings.TrimSpace(membership.UserID)
		membership.Role = strings.ToUpper(strings.TrimSpace(membership.Role))
		if _, ok := orgs[membership.OrgID]; !ok {
			return Directory{}, fmt.Errorf("%w: membership references unknown organization %q", ErrConflict, membership.OrgID)
		}
		if _, ok := users[membership.UserID]; !ok {
			return Directory{}, fmt.Errorf("%w: membership references unknown user %q", ErrConflict, membership.UserID)
		}
		memberships[[2]string{membership.OrgID, membership.UserID}] = membership
	}

	projects := make(map[string]Project)
	for _, project := range d.Projects {
		project.ID = strings.TrimSpace(project.ID)
		project.OrgID = strings.TrimSpace(project.OrgID)
		if project.ID == "" {
			return Directory{}, fmt.Errorf("%w: project id is required", ErrConflict)
		}
		if _, ok := orgs[project.OrgID]; !ok {
			return Directory{}, fmt.Errorf("%w: project %q references unknown organization %q", ErrConflict, project.ID, project.OrgID)
		}
		if existing, ok := projects[project.ID]; ok && existing.OrgID != project.OrgID {
			return Directory{}, fmt.Errorf("%w: project %q belongs to both %q and %q", ErrConflict, project.ID, existing.OrgID, project.OrgID)
		}
		projects[project.ID] = project
	}

	out := Directory{
		Organizations: make([]Organization, 0, len(orgs)),
		Users:         make([]User, 0, len(users)),
		Memberships:   make([]Membership, 0, len(memberships)),
		Projects:      make([]Project, 0, len(projects)),
	}
	for _, org := range orgs {
		out.Organizations = append(out.Organizations, org)
	}
	for _, user := range users {
		out.Users = append(out.Users, user)
	}
	for _, membership := range memberships {
		out.Memberships = append(out.Memberships, membership)
	}
	for _, project := range projects {
		out.Projects = append(out.Projects, project)
	}
	sort.Slice(out.Organizations, func(i, j int) bool { return out.Organizations[i].ID < out.Organizations[j].ID })
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].ID < out.Users[j].ID })
	sort.Slice(out.Memberships, func(i, j int) bool {
		if out.Memberships[i].OrgID == out.Memberships[j].OrgID {
			return out.Memberships[i].UserID < out.Memberships[j].UserID
		}
		return out.Memberships[i].OrgID < out.Memberships[j].OrgID
	})
	sort.Slice(out.Projects, func(i, j int) bool { return out.Projects[i].ID < out.Projects[j].ID })
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			return value
		}
	}
	return ""
}
