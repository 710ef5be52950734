package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/console/internal/audit"
	"github.com/ongoingai/console/internal/score"
	"github.com/ongoingai/console/internal/trace"
)

// seedAuditConfig writes a sqlite config whose database holds one created
// and one deleted annotation in project-1. It returns the config path and
// the annotation id.
func seedAuditConfig(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "console.db")
	configPath := filepath.Join(dir, "ongoingai.yaml")
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf("storage:\n  driver: sqlite\n  path: %q\n", dbPath)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx := context.Background()
	traces, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open trace store: %v", err)
	}
	defer traces.Close()
	if err := traces.WriteTrace(ctx, &trace.Trace{ID: "trace-1", ProjectID: "project-1"}); err != nil {
		t.Fatalf("seed trace: %v", err)
	}

	scores, err := score.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open score store: %v", err)
	}
	defer scores.Close()

	actor := audit.Actor{UserID: "user-1", OrgID: "org-1", OrgRole: "MEMBER"}
	value := 1.0
	created, err := scores.CreateAnnotation(ctx, score.CreateAnnotationInput{
		ProjectID: "project-1",
		TraceID:   "trace-1",
		Name:      "correct",
		Value:     &value,
		DataType:  score.DataTypeBoolean,
		ConfigID:  "config-1",
	}, actor)
	if err != nil {
		t.Fatalf("CreateAnnotation() error: %v", err)
	}
	id := created.Result().ID
	if _, err := scores.DeleteAnnotation(ctx, "project-1", id, actor); err != nil {
		t.Fatalf("DeleteAnnotation() error: %v", err)
	}
	return configPath, id
}

func TestRunAuditTextListsNewestFirst(t *testing.T) {
	t.Parallel()

	configPath, id := seedAuditConfig(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runAudit([]string{"--config", configPath, "--project", "project-1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runAudit() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%q, want 2 entries", lines)
	}
	if !strings.Contains(lines[0], "delete score/"+id+" by user-1 (MEMBER)") {
		t.Fatalf("first line=%q, want delete entry", lines[0])
	}
	if !strings.Contains(lines[1], "create score/"+id) {
		t.Fatalf("second line=%q, want create entry", lines[1])
	}
}

func TestRunAuditJSONFiltersByResource(t *testing.T) {
	t.Parallel()

	configPath, id := seedAuditConfig(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runAudit([]string{
		"--config", configPath,
		"--project", "project-1",
		"--resource-type", score.ResourceType,
		"--resource-id", id,
		"--limit", "1",
		"--format", "json",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runAudit() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var out auditOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode json output: %v (%s)", err, stdout.String())
	}
	if len(out.Entries) != 1 {
		t.Fatalf("entries=%d, want 1", len(out.Entries))
	}
	entry := out.Entries[0]
	if entry.Action != audit.ActionDelete || entry.ResourceID != id || len(entry.Before) == 0 || len(entry.After) != 0 {
		t.Fatalf("entry=%+v, want delete with before snapshot only", entry)
	}
}

func TestRunAuditEmptyProject(t *testing.T) {
	t.Parallel()

	configPath, _ := seedAuditConfig(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runAudit([]string{"--config", configPath, "--project", "project-2"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runAudit() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "no audit entries" {
		t.Fatalf("stdout=%q, want empty message", stdout.String())
	}

	stdout.Reset()
	if code := runAudit([]string{"--config", configPath, "--project", "project-2", "--format", "json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runAudit(json) code=%d, want 0", code)
	}
	if !strings.Contains(stdout.String(), `"entries": []`) {
		t.Fatalf("stdout=%q, want empty entries array", stdout.String())
	}
}

func TestRunAuditRejectsBadFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing project", args: nil, wantErr: "audit requires --project"},
		{name: "bad format", args: []string{"--project", "p", "--format", "yaml"}, wantErr: `invalid audit format "yaml"`},
		{name: "bad limit", args: []string{"--project", "p", "--limit", "0"}, wantErr: "invalid --limit 0"},
		{name: "positional", args: []string{"extra"}, wantErr: "does not accept positional arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout bytes.Buffer
			var stderr bytes.Buffer
			if code := runAudit(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("runAudit() code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.wantErr)
			}
		})
	}
}
