package score

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/console/internal/audit"
)

func TestPostgresStoreAnnotationLifecycle(t *testing.T) {
	store := newPostgresTestStore(t)

	projectID := fmt.Sprintf("project-pg-%d", time.Now().UnixNano())
	cleanupPostgresTestProject(t, store, projectID)

	now := time.Now().UTC()
	if _, err := store.db.ExecContext(context.Background(),
		`INSERT INTO traces (id, project_id, name, timestamp) VALUES ($1, $2, 'chat', $3)`,
		projectID+"-trace", projectID, now); err != nil {
		t.Fatalf("seed trace: %v", err)
	}

	in := CreateAnnotationInput{
		ProjectID: projectID,
		TraceID:   projectID + "-trace",
		Name:      "quality",
		Value:     floatPtr(0.5),
		DataType:  DataTypeNumeric,
		ConfigID:  "cfg-1",
	}

	const callers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		actions = map[audit.Action]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mutation, err := store.CreateAnnotation(context.Background(), in, testActor)
			if err != nil {
				t.Errorf("CreateAnnotation() error: %v", err)
				return
			}
			mu.Lock()
			actions[mutation.Action]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if actions[audit.ActionCreate] != 1 || actions[audit.ActionUpdate] != callers-1 {
		t.Fatalf("actions=%v, want 1 create and %d updates", actions, callers-1)
	}

	total, err := store.TotalScores(context.Background(), projectID)
	if err != nil || total != 1 {
		t.Fatalf("TotalScores()=%d,%v, want 1", total, err)
	}

	list, err := List(context.Background(), store, ListQuery{ProjectID: projectID, OrgID: testActor.OrgID})
	if err != nil || list.TotalCount != 1 || len(list.Scores) != 1 {
		t.Fatalf("List()=%+v,%v, want one score", list, err)
	}
	id := list.Scores[0].ID

	if _, err := store.DeleteAnnotation(context.Background(), projectID, id, testActor); err != nil {
		t.Fatalf("DeleteAnnotation() error: %v", err)
	}
	if _, err := store.DeleteAnnotation(context.Background(), projectID, id, testActor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteAnnotation(again) error=%v, want ErrNotFound", err)
	}

	entries, err := audit.NewReader(store.db, store.dialect).List(context.Background(), audit.Query{ProjectID: projectID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != callers+1 || entries[0].Action != audit.ActionDelete {
		t.Fatalf("audit entries=%d first=%v, want %d ending in delete", len(entries), entries[0].Action, callers+1)
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

func cleanupPostgresTestProject(t *testing.T, store *PostgresStore, projectID string) {
	t.Helper()

	t.Cleanup(func() {
		for _, table := range []string{"audit_logs", "scores", "traces"} {
			if _, err := store.db.ExecContext(context.Background(), `DELETE FROM `+table+` WHERE project_id = $1`, projectID); err != nil {
				t.Fatalf("cleanup %s: %v", table, err)
			}
		}
	})
}
