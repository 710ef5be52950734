package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/console/internal/filter"
)

func TestPostgresStoreWritesAndListsTraces(t *testing.T) {
	store := newPostgresTestStore(t)

	projectID := fmt.Sprintf("project-pg-%d", time.Now().UnixNano())
	cleanupPostgresTestTraces(t, store, projectID)

	base := time.Date(2026, 2, 12, 1, 0, 0, 0, time.UTC)
	rows := []*Trace{
		{ID: projectID + "-a", ProjectID: projectID, UserID: "bob", Name: "Checkout", Timestamp: base, Input: `{"q":1}`},
		{ID: projectID + "-b", ProjectID: projectID, UserID: "alice", Name: "login", Timestamp: base.Add(time.Second)},
		{ID: projectID + "-c", ProjectID: projectID, UserID: "alice", Name: "login", Timestamp: base.Add(2 * time.Second), Bookmarked: true},
	}
	if err := store.WriteBatch(context.Background(), rows); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	items, err := store.ListTraces(context.Background(), TraceQuery{ProjectID: projectID})
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if got, want := traceIDs(items), strings.Join([]string{projectID + "-c", projectID + "-b", projectID + "-a"}, ","); got != want {
		t.Fatalf("default order=%s, want %s", got, want)
	}
	if items[2].Input != "" {
		t.Fatalf("list item carries input %q", items[2].Input)
	}

	asc, err := store.ListTraces(context.Background(), TraceQuery{ProjectID: projectID, OrderBy: &filter.OrderBy{Column: "userId", Order: "ASC"}})
	if err != nil {
		t.Fatalf("ListTraces(ASC) error: %v", err)
	}
	desc, err := store.ListTraces(context.Background(), TraceQuery{ProjectID: projectID, OrderBy: &filter.OrderBy{Column: "userId", Order: "DESC"}})
	if err != nil {
		t.Fatalf("ListTraces(DESC) error: %v", err)
	}
	for i := range asc {
		if asc[i].ID != desc[len(desc)-1-i].ID {
			t.Fatalf("asc=%s desc=%s, want exact reverse", traceIDs(asc), traceIDs(desc))
		}
	}

	items, err = store.ListTraces(context.Background(), TraceQuery{ProjectID: projectID, SearchQuery: "CHECK"})
	if err != nil || len(items) != 1 {
		t.Fatalf("search len=%d err=%v, want 1", len(items), err)
	}

	got, err := store.GetTrace(context.Background(), projectID, projectID+"-a")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if !strings.Contains(got.Input, `"q"`) {
		t.Fatalf("input=%q, want stored json", got.Input)
	}
	if _, err := store.GetTrace(context.Background(), "other-project", projectID+"-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrace(other project) error=%v, want ErrNotFound", err)
	}
}

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("ONGOINGAI_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("ONGOINGAI_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})
	return store
}

func cleanupPostgresTestTraces(t *testing.T, store *PostgresStore, projectID string) {
	t.Helper()

	t.Cleanup(func() {
		if _, err := store.db.ExecContext(context.Background(), `DELETE FROM traces WHERE project_id = $1`, projectID); err != nil {
			t.Fatalf("cleanup traces: %v", err)
		}
	})
}
