package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/console/internal/audit"
	"github.com/ongoingai/console/internal/auth"
	"github.com/ongoingai/console/internal/configstore"
	"github.com/ongoingai/console/internal/score"
	"github.com/ongoingai/console/internal/trace"
)

const (
	memberToken = "member-session-token"
	viewerToken = "viewer-session-token"
)

type recordingMetrics struct {
	mu        sync.Mutex
	rpcs      []string
	mutations []string
}

func (m *recordingMetrics) RecordRPC(_ context.Context, procedure, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpcs = append(m.rpcs, procedure+":"+code)
}

func (m *recordingMetrics) RecordScoreMutation(_ context.Context, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, action)
}

type auditLog struct {
	mu     sync.Mutex
	scores []ScoreAuditEvent
	denies []auth.AuditEvent
}

func (a *auditLog) scoreRecorder() ScoreAuditRecorder {
	return func(_ *http.Request, event ScoreAuditEvent) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.scores = append(a.scores, event)
	}
}

func (a *auditLog) denyRecorder() auth.AuditRecorder {
	return func(_ *http.Request, event auth.AuditEvent) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.denies = append(a.denies, event)
	}
}

type testServer struct {
	handler http.Handler
	path    string
	traces  *trace.SQLiteStore
	scores  *score.SQLiteStore
	metrics *recordingMetrics
	audits  *auditLog
	logs    *bytes.Buffer
}

func testSessions() []auth.SessionConfig {
	return []auth.SessionConfig{
		{
			ID:       "member",
			Token:    memberToken,
			UserID:   "user-1",
			UserName: "Ada",
			OrgID:    "org-1",
			OrgRole:  "MEMBER",
			Projects: []auth.ProjectGrant{{ID: "project-1"}},
		},
		{
			ID:       "viewer",
			Token:    viewerToken,
			UserID:   "user-2",
			UserName: "Grace",
			OrgID:    "org-1",
			OrgRole:  "VIEWER",
			Projects: []auth.ProjectGrant{{ID: "project-1"}},
		},
	}
}

func wrapWithAuth(t *testing.T, router http.Handler, audits *auditLog) http.Handler {
	t.Helper()

	authorizer, err := auth.NewAuthorizer(auth.Options{Enabled: true, Sessions: testSessions()})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}
	return auth.Middleware(authorizer, auth.MiddlewareOptions{AuditRecorder: audits.denyRecorder()}, router)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ongoingai.db")
	traces, err := trace.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("trace.NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = traces.Close() })
	scores, err := score.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("score.NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = scores.Close() })

	directory, err := configstore.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("configstore.NewSQLiteStore() error: %v", err)
	}
	defer directory.Close()
	err = directory.SyncDirectory(context.Background(), configstore.Directory{
		Organizations: []configstore.Organization{{ID: "org-1", Name: "Acme"}},
		Users: []configstore.User{
			{ID: "user-1", Name: "Ada", Image: "https://img/ada.png"},
			{ID: "user-2", Name: "Grace"},
		},
		Memberships: []configstore.Membership{
			{OrgID: "org-1", UserID: "user-1", Role: "MEMBER"},
			{OrgID: "org-1", UserID: "user-2", Role: "VIEWER"},
		},
		Projects: []configstore.Project{{ID: "project-1", OrgID: "org-1", Name: "Console"}},
	})
	if err != nil {
		t.Fatalf("SyncDirectory() error: %v", err)
	}

	server := &testServer{
		path:    path,
		traces:  traces,
		scores:  scores,
		metrics: &recordingMetrics{},
		audits:  &auditLog{},
		logs:    &bytes.Buffer{},
	}
	router := NewRouter(RouterOptions{
		AppVersion:         "test",
		StorageDriver:      "sqlite",
		StoragePath:        path,
		TraceStore:         traces,
		ScoreStore:         scores,
		Logger:             slog.New(slog.NewJSONHandler(server.logs, nil)),
		Metrics:            server.metrics,
		DefaultPageSize:    50,
		MaxPageSize:        100,
		MaxBodyBytes:       4 << 10,
		AuthAuditRecorder:  server.audits.denyRecorder(),
		ScoreAuditRecorder: server.audits.scoreRecorder(),
	})
	server.handler = wrapWithAuth(t, router, server.audits)
	return server
}

func (s *testServer) seedTraces(t *testing.T, traces ...*trace.Trace) {
	t.Helper()

	if err := s.traces.WriteBatch(context.Background(), traces); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
}

func callRPC(t *testing.T, handler http.Handler, token, procedure string, input any) *httptest.ResponseRecorder {
	t.Helper()

	var body []byte
	switch v := input.(type) {
	case string:
		body = []byte(v)
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal input: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/trpc/"+procedure, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBodyAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorResponse {
	t.Helper()

	if rec.Code != status {
		t.Fatalf("status=%d, want %d (body=%s)", rec.Code, status, rec.Body.String())
	}
	payload := decodeBodyAs[errorResponse](t, rec)
	if payload.Code != code {
		t.Fatalf("code=%q, want %q (error=%q)", payload.Code, code, payload.Error)
	}
	return payload
}

func TestTracesAllOmitsPayloadFieldsAndReversesOrder(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server.seedTraces(t,
		&trace.Trace{ID: "trace-a", ProjectID: "project-1", Name: "chat", UserID: "user-2", Input: `{"q":"hi"}`, Output: `{"a":"hello"}`, Metadata: `{"env":"prod"}`, Timestamp: base},
		&trace.Trace{ID: "trace-b", ProjectID: "project-1", Name: "chat", UserID: "user-1", Input: `{"q":"yo"}`, Timestamp: base.Add(time.Minute)},
		&trace.Trace{ID: "trace-other", ProjectID: "project-2", Name: "chat", UserID: "user-1", Timestamp: base},
	)

	order := func(direction string) []string {
		rec := callRPC(t, server.handler, memberToken, "traces.all", map[string]any{
			"projectId":   "project-1",
			"page":        0,
			"limit":       10,
			"filter":      nil,
			"searchQuery": "",
			"orderBy":     map[string]string{"column": "userId", "order": direction},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("traces.all status=%d, body=%s", rec.Code, rec.Body.String())
		}
		payload := decodeBodyAs[map[string][]map[string]any](t, rec)
		ids := make([]string, 0, len(payload["traces"]))
		for _, item := range payload["traces"] {
			for _, key := range []string{"input", "output", "metadata"} {
				if _, ok := item[key]; ok {
					t.Fatalf("trace %v carries %q", item["id"], key)
				}
			}
			ids = append(ids, item["id"].(string))
		}
		return ids
	}

	asc := order("ASC")
	desc := order("DESC")
	if strings.Join(asc, ",") != "trace-b,trace-a" {
		t.Fatalf("ASC ids=%v, want [trace-b trace-a]", asc)
	}
	if strings.Join(desc, ",") != "trace-a,trace-b" {
		t.Fatalf("DESC ids=%v, want [trace-a trace-b]", desc)
	}
}

func TestTracesAllSearchAndDefaultPage(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t,
		&trace.Trace{ID: "trace-1", ProjectID: "project-1", Name: "Checkout Flow"},
		&trace.Trace{ID: "trace-2", ProjectID: "project-1", Name: "login"},
	)

	rec := callRPC(t, server.handler, viewerToken, "traces.all", map[string]any{
		"projectId":   "project-1",
		"searchQuery": "checkout",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	payload := decodeBodyAs[tracesResponse](t, rec)
	if len(payload.Traces) != 1 || payload.Traces[0].ID != "trace-1" {
		t.Fatalf("traces=%+v, want only trace-1", payload.Traces)
	}
	if payload.Traces[0].Tags == nil {
		t.Fatal("tags should render as an empty array")
	}
}

func TestTraceByIDReturnsPayloadAndNotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t, &trace.Trace{ID: "trace-1", ProjectID: "project-1", Input: `{"q":"hi"}`, Metadata: `{"env":"prod"}`})

	rec := callRPC(t, server.handler, memberToken, "traces.byId", map[string]string{"projectId": "project-1", "traceId": "trace-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	payload := decodeBodyAs[map[string]any](t, rec)
	input, ok := payload["input"].(map[string]any)
	if !ok || input["q"] != "hi" {
		t.Fatalf("input=%v, want decoded object", payload["input"])
	}
	if payload["output"] != nil {
		t.Fatalf("output=%v, want null", payload["output"])
	}

	rec = callRPC(t, server.handler, memberToken, "traces.byId", map[string]string{"projectId": "project-1", "traceId": "missing"})
	if got := requireError(t, rec, http.StatusNotFound, codeNotFound); got.Error != msgTraceNotFound {
		t.Fatalf("error=%q, want %q", got.Error, msgTraceNotFound)
	}
}

func TestAnnotationScoreLifecycle(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t, &trace.Trace{ID: "trace-1", ProjectID: "project-1", Name: "chat", UserID: "end-user"})

	create := map[string]any{
		"projectId": "project-1",
		"traceId":   "trace-1",
		"name":      "quality",
		"value":     0.5,
		"dataType":  "NUMERIC",
		"configId":  "config-1",
		"comment":   "first pass",
	}
	rec := callRPC(t, server.handler, memberToken, "scores.createAnnotationScore", create)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status=%d, body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBodyAs[scoreResponse](t, rec)
	if created.Source != score.SourceAnnotation || created.AuthorUserID == nil || *created.AuthorUserID != "user-1" {
		t.Fatalf("created=%+v, want ANNOTATION by user-1", created)
	}

	create["value"] = 0.9
	create["comment"] = "second pass"
	rec = callRPC(t, server.handler, memberToken, "scores.createAnnotationScore", create)
	if rec.Code != http.StatusOK {
		t.Fatalf("second create status=%d, body=%s", rec.Code, rec.Body.String())
	}
	upserted := decodeBodyAs[scoreResponse](t, rec)
	if upserted.ID != created.ID {
		t.Fatalf("upsert id=%q, want %q", upserted.ID, created.ID)
	}
	if upserted.Value == nil || *upserted.Value != 0.9 {
		t.Fatalf("upsert value=%v, want 0.9", upserted.Value)
	}

	rec = callRPC(t, server.handler, viewerToken, "scores.all", map[string]any{"projectId": "project-1", "filter": []any{}, "orderBy": nil, "page": 0, "limit": 50})
	if rec.Code != http.StatusOK {
		t.Fatalf("scores.all status=%d, body=%s", rec.Code, rec.Body.String())
	}
	listed := decodeBodyAs[scoresResponse](t, rec)
	if listed.TotalCount != 1 || len(listed.Scores) != 1 {
		t.Fatalf("scores.all total=%d rows=%d, want 1/1", listed.TotalCount, len(listed.Scores))
	}
	row := listed.Scores[0]
	if row.AuthorUserName == nil || *row.AuthorUserName != "Ada" || row.TraceUserID == nil || *row.TraceUserID != "end-user" {
		t.Fatalf("joined row=%+v, want author Ada and trace user end-user", row)
	}

	rec = callRPC(t, server.handler, memberToken, "scores.updateAnnotationScore", map[string]any{
		"projectId": "project-1",
		"id":        created.ID,
		"value":     0.1,
		"comment":   "edited",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status=%d, body=%s", rec.Code, rec.Body.String())
	}
	if updated := decodeBodyAs[scoreResponse](t, rec); updated.Comment == nil || *updated.Comment != "edited" {
		t.Fatalf("updated comment=%v, want edited", updated.Comment)
	}

	rec = callRPC(t, server.handler, memberToken, "scores.deleteAnnotationScore", map[string]string{"projectId": "project-1", "id": created.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d, body=%s", rec.Code, rec.Body.String())
	}
	if deleted := decodeBodyAs[scoreResponse](t, rec); deleted.ID != created.ID {
		t.Fatalf("deleted id=%q, want %q", deleted.ID, created.ID)
	}

	rec = callRPC(t, server.handler, memberToken, "scores.deleteAnnotationScore", map[string]string{"projectId": "project-1", "id": created.ID})
	if got := requireError(t, rec, http.StatusNotFound, codeNotFound); got.Error != msgScoreNotFound {
		t.Fatalf("error=%q, want %q", got.Error, msgScoreNotFound)
	}

	server.audits.mu.Lock()
	var actions []string
	for _, event := range server.audits.scores {
		actions = append(actions, event.Action+":"+event.Outcome)
	}
	last := server.audits.scores[len(server.audits.scores)-1]
	server.audits.mu.Unlock()
	if got := strings.Join(actions, ","); got != "create:success,update:success,update:success,delete:success,delete:error" {
		t.Fatalf("audit events=%s", got)
	}
	if last.Reason != "not_found" || last.StatusCode != http.StatusNotFound || last.ScoreID != created.ID {
		t.Fatalf("failed delete audit=%+v", last)
	}

	server.metrics.mu.Lock()
	mutations := strings.Join(server.metrics.mutations, ",")
	server.metrics.mu.Unlock()
	if mutations != "create,update,update,delete" {
		t.Fatalf("mutation metrics=%s, want create,update,update,delete", mutations)
	}

	reader, err := audit.OpenReader("sqlite", server.path, "")
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer reader.Close()
	entries, err := reader.List(context.Background(), audit.Query{ResourceType: score.ResourceType, ResourceID: created.ID})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("durable audit rows=%d, want 4", len(entries))
	}
}

func TestCreateAnnotationScoreRequiresTraceInProject(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t, &trace.Trace{ID: "trace-elsewhere", ProjectID: "project-2"})

	rec := callRPC(t, server.handler, memberToken, "scores.createAnnotationScore", map[string]any{
		"projectId": "project-1",
		"traceId":   "trace-elsewhere",
		"name":      "quality",
		"value":     1,
		"dataType":  "BOOLEAN",
		"configId":  "config-1",
	})
	if got := requireError(t, rec, http.StatusNotFound, codeNotFound); got.Error != msgTraceNotFound {
		t.Fatalf("error=%q, want %q", got.Error, msgTraceNotFound)
	}
}

func TestCreateAnnotationScoreRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t, &trace.Trace{ID: "trace-1", ProjectID: "project-1"})

	tests := []map[string]any{
		{"projectId": "project-1", "traceId": "trace-1", "name": "ok", "value": 2, "dataType": "BOOLEAN", "configId": "c"},
		{"projectId": "project-1", "traceId": "trace-1", "name": "ok", "dataType": "CATEGORICAL", "configId": "c"},
		{"projectId": "project-1", "traceId": "trace-1", "name": "ok", "dataType": "NUMERIC", "configId": "c"},
		{"projectId": "project-1", "traceId": "trace-1", "name": "", "value": 1, "dataType": "NUMERIC", "configId": "c"},
		{"projectId": "project-1", "traceId": "trace-1", "name": "ok", "value": 1, "dataType": "PERCENT", "configId": "c"},
	}
	for _, input := range tests {
		rec := callRPC(t, server.handler, memberToken, "scores.createAnnotationScore", input)
		requireError(t, rec, http.StatusBadRequest, codeBadRequest)
	}

	total, err := server.scores.TotalScores(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("TotalScores() error: %v", err)
	}
	if total != 0 {
		t.Fatalf("total scores=%d, want 0", total)
	}
}

func TestCreateAnnotationScoreRejectsDataTypeChange(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t, &trace.Trace{ID: "trace-1", ProjectID: "project-1"})

	rec := callRPC(t, server.handler, memberToken, "scores.createAnnotationScore", map[string]any{
		"projectId": "project-1", "traceId": "trace-1", "name": "tone", "stringValue": "calm", "dataType": "CATEGORICAL", "configId": "c",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status=%d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = callRPC(t, server.handler, memberToken, "scores.createAnnotationScore", map[string]any{
		"projectId": "project-1", "traceId": "trace-1", "name": "tone", "value": 1, "dataType": "NUMERIC", "configId": "c",
	})
	requireError(t, rec, http.StatusBadRequest, codeBadRequest)
}

func TestScoreKeysAndFilterOptions(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	rec := callRPC(t, server.handler, viewerToken, "scores.getScoreKeysAndProps", map[string]string{"projectId": "project-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("empty keys body=%q, want []", got)
	}

	rec = callRPC(t, server.handler, viewerToken, "scores.filterOptions", map[string]string{"projectId": "project-1"})
	if got := strings.TrimSpace(rec.Body.String()); got != `{"name":[]}` {
		t.Fatalf("empty filter options body=%q, want {\"name\":[]}", got)
	}

	now := time.Now().UTC()
	for i, s := range []*score.Score{
		{ProjectID: "project-1", Name: "quality", Value: floatPtr(1), DataType: score.DataTypeNumeric, Source: score.SourceAPI, Timestamp: now},
		{ProjectID: "project-1", Name: "quality", Value: floatPtr(2), DataType: score.DataTypeNumeric, Source: score.SourceAPI, Timestamp: now},
		{ProjectID: "project-1", Name: "tone", StringValue: "calm", DataType: score.DataTypeCategorical, Source: score.SourceEval, Timestamp: now.Add(-48 * time.Hour)},
	} {
		if err := server.scores.WriteScore(context.Background(), s); err != nil {
			t.Fatalf("WriteScore(%d) error: %v", i, err)
		}
	}

	rec = callRPC(t, server.handler, viewerToken, "scores.getScoreKeysAndProps", map[string]any{
		"projectId":          "project-1",
		"selectedTimeOption": map[string]string{"filterSource": "TABLE", "option": "24 hours"},
	})
	keys := decodeBodyAs[[]score.KeyAndProps](t, rec)
	if len(keys) != 1 || keys[0].Name != "quality" || keys[0].Key != score.ComposeAggregateScoreKey("quality", score.SourceAPI, score.DataTypeNumeric) {
		t.Fatalf("keys=%+v, want only quality within 24 hours", keys)
	}

	rec = callRPC(t, server.handler, viewerToken, "scores.filterOptions", map[string]string{"projectId": "project-1"})
	options := decodeBodyAs[score.FilterOptions](t, rec)
	if len(options.Name) != 2 || options.Name[0].Value != "quality" || options.Name[0].Count != 2 {
		t.Fatalf("filter options=%+v, want quality(2) first", options.Name)
	}

	rec = callRPC(t, server.handler, viewerToken, "scores.getScoreKeysAndProps", map[string]any{
		"projectId":          "project-1",
		"selectedTimeOption": map[string]string{"filterSource": "TABLE", "option": "1 year"},
	})
	requireError(t, rec, http.StatusBadRequest, codeBadRequest)
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestRPCRejectsMalformedRequests(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	tests := []struct {
		name      string
		token     string
		procedure string
		body      string
		status    int
		code      string
	}{
		{name: "unknown field", token: memberToken, procedure: "traces.all", body: `{"projectId":"project-1","bogus":1}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "trailing data", token: memberToken, procedure: "traces.all", body: `{"projectId":"project-1"}{}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "missing project", token: memberToken, procedure: "scores.all", body: `{}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "negative page", token: memberToken, procedure: "scores.all", body: `{"projectId":"project-1","page":-1}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "zero limit", token: memberToken, procedure: "traces.all", body: `{"projectId":"project-1","limit":0}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "limit above max", token: memberToken, procedure: "traces.all", body: `{"projectId":"project-1","limit":101}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "unknown filter column", token: memberToken, procedure: "scores.all", body: `{"projectId":"project-1","filter":[{"column":"secret","type":"string","operator":"=","value":"x"}]}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "bad order direction", token: memberToken, procedure: "traces.all", body: `{"projectId":"project-1","orderBy":{"column":"name","order":"SIDEWAYS"}}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "missing id", token: memberToken, procedure: "scores.deleteAnnotationScore", body: `{"projectId":"project-1"}`, status: http.StatusBadRequest, code: codeBadRequest},
		{name: "unknown procedure", token: memberToken, procedure: "scores.drop", body: `{}`, status: http.StatusNotFound, code: codeNotFound},
		{name: "oversized body", token: memberToken, procedure: "traces.all", body: `{"projectId":"project-1","searchQuery":"` + strings.Repeat("x", 8<<10) + `"}`, status: http.StatusRequestEntityTooLarge, code: codePayloadTooLarge},
		{name: "missing token", procedure: "traces.all", body: `{"projectId":"project-1"}`, status: http.StatusUnauthorized, code: codeUnauthorized},
		{name: "unknown token", token: "nope", procedure: "traces.all", body: `{"projectId":"project-1"}`, status: http.StatusUnauthorized, code: codeUnauthorized},
	}
	for _, tt := range tests {
		rec := callRPC(t, server.handler, tt.token, tt.procedure, tt.body)
		if rec.Code != tt.status {
			t.Fatalf("%s: status=%d, want %d (body=%s)", tt.name, rec.Code, tt.status, rec.Body.String())
		}
		if payload := decodeBodyAs[errorResponse](t, rec); payload.Code != tt.code {
			t.Fatalf("%s: code=%q, want %q", tt.name, payload.Code, tt.code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trpc/traces.all", nil)
	req.Header.Set("Authorization", "Bearer "+memberToken)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	requireError(t, rec, http.StatusMethodNotAllowed, codeMethodNotAllowed)
	if got := rec.Header().Get("Allow"); got != "POST, OPTIONS" {
		t.Fatalf("Allow=%q, want POST, OPTIONS", got)
	}
}

// countingScoreStore counts calls and fails each one with err.
type countingScoreStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingScoreStore) touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *countingScoreStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingScoreStore) ListScores(context.Context, score.ListQuery) ([]*score.ListedScore, error) {
	return nil, s.touch()
}

func (s *countingScoreStore) CountScores(context.Context, score.ListQuery) (int64, error) {
	return 0, s.touch()
}

func (s *countingScoreStore) FilterOptions(context.Context, string) (*score.FilterOptions, error) {
	return &score.FilterOptions{}, s.touch()
}

func (s *countingScoreStore) ScoreKeys(context.Context, string, time.Time) ([]score.KeyAndProps, error) {
	return nil, s.touch()
}

func (s *countingScoreStore) GetAnnotation(context.Context, string, string) (*score.Score, error) {
	return nil, s.touch()
}

func (s *countingScoreStore) CreateAnnotation(context.Context, score.CreateAnnotationInput, audit.Actor) (*score.Mutation, error) {
	return nil, s.touch()
}

func (s *countingScoreStore) UpdateAnnotation(context.Context, score.UpdateAnnotationInput, audit.Actor) (*score.Mutation, error) {
	return nil, s.touch()
}

func (s *countingScoreStore) DeleteAnnotation(context.Context, string, string, audit.Actor) (*score.Mutation, error) {
	return nil, s.touch()
}

func (s *countingScoreStore) WriteScore(context.Context, *score.Score) error { return s.touch() }

func (s *countingScoreStore) TotalScores(context.Context, string) (int64, error) {
	return 0, s.touch()
}

func (s *countingScoreStore) Close() error { return nil }

func TestMutationsWithoutScopeAreForbiddenBeforeStoreAccess(t *testing.T) {
	t.Parallel()

	store := &countingScoreStore{}
	audits := &auditLog{}
	router := NewRouter(RouterOptions{
		ScoreStore:        store,
		AuthAuditRecorder: audits.denyRecorder(),
	})
	handler := wrapWithAuth(t, router, audits)

	procedures := map[string]map[string]any{
		"scores.createAnnotationScore": {"projectId": "project-1", "traceId": "trace-1", "name": "q", "value": 1, "dataType": "NUMERIC", "configId": "c"},
		"scores.updateAnnotationScore": {"projectId": "project-1", "id": "score-1", "value": 1},
		"scores.deleteAnnotationScore": {"projectId": "project-1", "id": "score-1"},
	}
	for procedure, input := range procedures {
		rec := callRPC(t, handler, viewerToken, procedure, input)
		requireError(t, rec, http.StatusForbidden, codeForbidden)
	}

	rec := callRPC(t, handler, memberToken, "scores.all", map[string]string{"projectId": "project-2"})
	requireError(t, rec, http.StatusForbidden, codeForbidden)

	if calls := store.Calls(); calls != 0 {
		t.Fatalf("store calls=%d, want 0", calls)
	}

	audits.mu.Lock()
	defer audits.mu.Unlock()
	if len(audits.denies) != 4 {
		t.Fatalf("deny events=%d, want 4", len(audits.denies))
	}
	for _, event := range audits.denies[:3] {
		if event.Reason != "missing_scope" || event.Scope != auth.ScopeScoresCUD || event.UserID != "user-2" {
			t.Fatalf("deny event=%+v, want missing scores:CUD scope for user-2", event)
		}
	}
	if last := audits.denies[3]; last.Reason != "not_project_member" || last.ProjectID != "project-2" {
		t.Fatalf("deny event=%+v, want not_project_member on project-2", last)
	}
}

func TestStorageErrorsAreOpaqueAndLogged(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	store := &countingScoreStore{err: errors.New("dial postgres://console:hunter22@db:5432/app: connection refused")}
	router := NewRouter(RouterOptions{
		ScoreStore: store,
		Logger:     slog.New(slog.NewJSONHandler(&logs, nil)),
	})
	handler := wrapWithAuth(t, router, &auditLog{})

	rec := callRPC(t, handler, memberToken, "scores.filterOptions", map[string]string{"projectId": "project-1"})
	payload := requireError(t, rec, http.StatusInternalServerError, codeInternalServerError)
	if payload.Error != "internal server error" {
		t.Fatalf("error=%q, want opaque message", payload.Error)
	}

	output := logs.String()
	if !strings.Contains(output, `"error_class":"connection"`) {
		t.Fatalf("log %q missing error_class connection", output)
	}
	if strings.Contains(output, "hunter22") {
		t.Fatalf("log %q leaks the dsn password", output)
	}
}

func TestInvalidStoredScoreIsInternalError(t *testing.T) {
	t.Parallel()

	store := &countingScoreStore{err: score.ErrInvalidScore}
	handler := wrapWithAuth(t, NewRouter(RouterOptions{ScoreStore: store}), &auditLog{})

	rec := callRPC(t, handler, memberToken, "scores.updateAnnotationScore", map[string]any{"projectId": "project-1", "id": "score-1", "value": 1})
	requireError(t, rec, http.StatusInternalServerError, codeInternalServerError)
}

func TestHealthReportsCounts(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	server.seedTraces(t, &trace.Trace{ID: "trace-1", ProjectID: "project-1"}, &trace.Trace{ID: "trace-2", ProjectID: "project-1"})

	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	payload := decodeBodyAs[healthResponse](t, rec)
	if payload.Status != "ok" || payload.Version != "test" || payload.TraceCount != 2 || payload.ScoreCount != 0 {
		t.Fatalf("health=%+v", payload)
	}
	if payload.DBSizeBytes <= 0 {
		t.Fatalf("db_size_bytes=%d, want > 0", payload.DBSizeBytes)
	}
}

func TestCORSPreflightSkipsAuth(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/trpc/scores.all", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Fatalf("allow methods=%q", got)
	}
}

func TestRPCMetricsRecordCodes(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	callRPC(t, server.handler, memberToken, "traces.all", map[string]string{"projectId": "project-1"})
	callRPC(t, server.handler, memberToken, "traces.byId", map[string]string{"projectId": "project-1", "traceId": "missing"})

	server.metrics.mu.Lock()
	defer server.metrics.mu.Unlock()
	if got := strings.Join(server.metrics.rpcs, ","); got != "traces.all:OK,traces.byId:NOT_FOUND" {
		t.Fatalf("rpc metrics=%s", got)
	}
}
