package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ongoingai/console/internal/auth"
	"github.com/ongoingai/console/internal/config"
	"github.com/ongoingai/console/internal/configstore"
	"github.com/ongoingai/console/internal/score"
	"github.com/ongoingai/console/internal/trace"
)

type consoleStores struct {
	traces    trace.TraceStore
	scores    score.Store
	directory configstore.DirectoryStore
}

// openStores opens the trace, score and directory stores against the
// configured database. Each store applies its own migrations on open.
func openStores(cfg config.Config) (*consoleStores, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return openStoresWith(
			func() (trace.TraceStore, error) { return trace.NewSQLiteStore(cfg.Storage.Path) },
			func() (score.Store, error) { return score.NewSQLiteStore(cfg.Storage.Path) },
			func() (configstore.DirectoryStore, error) { return configstore.NewSQLiteStore(cfg.Storage.Path) },
		)
	case "postgres":
		return openStoresWith(
			func() (trace.TraceStore, error) { return trace.NewPostgresStore(cfg.Storage.DSN) },
			func() (score.Store, error) { return score.NewPostgresStore(cfg.Storage.DSN) },
			func() (configstore.DirectoryStore, error) { return configstore.NewPostgresStore(cfg.Storage.DSN) },
		)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func openStoresWith(
	openTraces func() (trace.TraceStore, error),
	openScores func() (score.Store, error),
	openDirectory func() (configstore.DirectoryStore, error),
) (*consoleStores, error) {
	traces, err := openTraces()
	if err != nil {
		return nil, fmt.Errorf("trace store: %w", err)
	}
	stores := &consoleStores{traces: traces}

	scores, err := openScores()
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("score store: %w", err)
	}
	stores.scores = scores

	directory, err := openDirectory()
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("directory store: %w", err)
	}
	stores.directory = directory
	return stores, nil
}

func (s *consoleStores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.directory != nil {
		errs = append(errs, s.directory.Close())
	}
	if s.scores != nil {
		errs = append(errs, s.scores.Close())
	}
	if s.traces != nil {
		errs = append(errs, s.traces.Close())
	}
	return errors.Join(errs...)
}

// directoryFromConfig derives the organization, user and project rows from
// the configured sessions. With auth disabled the local owner is added so
// its annotations resolve to a member.
func directoryFromConfig(cfg config.Config) configstore.Directory {
	var dir configstore.Directory
	if !cfg.Auth.Enabled {
		local := auth.LocalIdentity()
		dir.Organizations = append(dir.Organizations, configstore.Organization{ID: local.OrgID, Name: "Local"})
		dir.Users = append(dir.Users, configstore.User{ID: local.UserID, Name: local.UserName})
		dir.Memberships = append(dir.Memberships, configstore.Membership{
			OrgID:  local.OrgID,
			UserID: local.UserID,
			Role:   string(local.OrgRole),
		})
	}

	for _, session := range cfg.Auth.Sessions {
		orgID := strings.TrimSpace(session.OrgID)
		userID := strings.TrimSpace(session.UserID)
		if orgID == "" || userID == "" {
			continue
		}
		dir.Organizations = append(dir.Organizations, configstore.Organization{ID: orgID})
		dir.Users = append(dir.Users, configstore.User{
			ID:    userID,
			Name:  strings.TrimSpace(session.UserName),
			Email: strings.TrimSpace(session.UserEmail),
			Image: strings.TrimSpace(session.UserImage),
		})
		dir.Memberships = append(dir.Memberships, configstore.Membership{
			OrgID:  orgID,
			UserID: userID,
			Role:   session.OrgRole,
		})
		for _, project := range session.Projects {
			dir.Projects = append(dir.Projects, configstore.Project{
				ID:    strings.TrimSpace(project.ID),
				OrgID: orgID,
				Name:  strings.TrimSpace(project.Name),
			})
		}
	}
	return dir
}

func authSessionsFromConfig(sessions []config.SessionConfig) []auth.SessionConfig {
	if len(sessions) == 0 {
		return nil
	}

	out := make([]auth.SessionConfig, 0, len(sessions))
	for _, session := range sessions {
		projects := make([]auth.ProjectGrant, 0, len(session.Projects))
		for _, project := range session.Projects {
			projects = append(projects, auth.ProjectGrant{
				ID:   project.ID,
				Name: project.Name,
				Role: project.Role,
			})
		}
		out = append(out, auth.SessionConfig{
			ID:        session.ID,
			Token:     session.Token,
			TokenHash: session.TokenHash,
			UserID:    session.UserID,
			UserName:  session.UserName,
			UserEmail: session.UserEmail,
			UserImage: session.UserImage,
			OrgID:     session.OrgID,
			OrgRole:   session.OrgRole,
			Projects:  projects,
		})
	}
	return out
}
