package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/console/internal/sqlutil"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Actor is the session principal recorded on each entry.
type Actor struct {
	UserID  string
	OrgID   string
	OrgRole string
}

// Entry is one durable audit_logs row. Before and After are JSON snapshots
// of the resource; either may be empty depending on the action.
type Entry struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	ProjectID    string          `json:"project_id,omitempty"`
	OrgID        string          `json:"org_id"`
	UserID       string          `json:"user_id"`
	UserOrgRole  string          `json:"user_org_role,omitempty"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Action       Action          `json:"action"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
}

// NewEntry snapshots before and after (nil for none) into an entry with a
// fresh id.
func NewEntry(actor Actor, projectID, resourceType, resourceID string, action Action, before, after any) (Entry, error) {
	entry := Entry{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		ProjectID:    projectID,
		OrgID:        actor.OrgID,
		UserID:       actor.UserID,
		UserOrgRole:  actor.OrgRole,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
	}
	var err error
	if entry.Before, err = snapshot(before); err != nil {
		return Entry{}, fmt.Errorf("encode audit before state: %w", err)
	}
	if entry.After, err = snapshot(after); err != nil {
		return Entry{}, fmt.Errorf("encode audit after state: %w", err)
	}
	return entry, nil
}

func snapshot(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		return nil, nil
	}
	return encoded, nil
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("audit entry id is required")
	}
	if strings.TrimSpace(e.OrgID) == "" || strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("audit entry actor is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" || strings.TrimSpace(e.ResourceID) == "" {
		return fmt.Errorf("audit entry resource is required")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("audit entry action %q is invalid", e.Action)
	}
	return nil
}

const insertEntrySQL = `
INSERT INTO audit_logs (
    id,
    created_at,
    project_id,
    org_id,
    user_id,
    user_org_role,
    resource_type,
    resource_id,
    action,
    before_state,
    after_state
) VALUES (%s)`

// Insert writes entry through exec, normally the transaction that performed
// the audited mutation.
func Insert(ctx context.Context, exec sqlutil.Execer, dialect sqlutil.Dialect, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	placeholders := make([]string, 11)
	for i := range placeholders {
		placeholders[i] = dialect.Placeholder(i + 1)
	}
	_, err := exec.ExecContext(ctx, fmt.Sprintf(insertEntrySQL, strings.Join(placeholders, ", ")),
		entry.ID,
		dialect.TimeArg(entry.CreatedAt),
		sqlutil.NullIfEmpty(entry.ProjectID),
		entry.OrgID,
		entry.UserID,
		entry.UserOrgRole,
		entry.ResourceType,
		entry.ResourceID,
		string(entry.Action),
		rawArg(entry.Before),
		rawArg(entry.After),
	)
	if err != nil {
		return fmt.Errorf("insert audit log %q: %w", entry.ID, err)
	}
	return nil
}

func rawArg(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}
