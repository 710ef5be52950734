package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/console/internal/filter"
	"github.com/ongoingai/console/internal/trace"
)

type tracesAllInput struct {
	projectInput
	Page        *int               `json:"page"`
	Limit       *int               `json:"limit"`
	Filter      []filter.Condition `json:"filter"`
	SearchQuery string             `json:"searchQuery"`
	OrderBy     *filter.OrderBy    `json:"orderBy"`

	page  int
	limit int
}

func (in *tracesAllInput) validate(limits pageLimits) error {
	page, limit, err := resolvePage(in.Page, in.Limit, limits)
	if err != nil {
		return err
	}
	in.page, in.limit = page, limit
	return nil
}

type traceByIDInput struct {
	projectInput
	TraceID string `json:"traceId"`
}

func (in *traceByIDInput) validate(pageLimits) error {
	in.TraceID = strings.TrimSpace(in.TraceID)
	if in.TraceID == "" {
		return fmt.Errorf("%w: traceId is required", ErrInvalidInput)
	}
	return nil
}

type tracesResponse struct {
	Traces []traceSummary `json:"traces"`
}

// traceSummary is the list shape. It has no input, output or metadata
// fields.
type traceSummary struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Name       string    `json:"name"`
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId"`
	Release    string    `json:"release"`
	Version    string    `json:"version"`
	Tags       []string  `json:"tags"`
	Bookmarked bool      `json:"bookmarked"`
	Public     bool      `json:"public"`
	Timestamp  time.Time `json:"timestamp"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type traceDetail struct {
	traceSummary
	Input    any `json:"input"`
	Output   any `json:"output"`
	Metadata any `json:"metadata"`
}

func handleTracesAll(ctx context.Context, h *rpcHandler, call *rpcCall, in *tracesAllInput) (any, error) {
	if h.traces == nil {
		return nil, errStoreUnavailable
	}
	items, err := h.traces.ListTraces(ctx, trace.TraceQuery{
		ProjectID:   call.projectID,
		Page:        in.page,
		Limit:       in.limit,
		Filter:      in.Filter,
		SearchQuery: in.SearchQuery,
		OrderBy:     in.OrderBy,
	})
	if err != nil {
		return nil, err
	}

	out := make([]traceSummary, 0, len(items))
	for _, item := range items {
		out = append(out, summarizeTrace(item))
	}
	return tracesResponse{Traces: out}, nil
}

func handleTraceByID(ctx context.Context, h *rpcHandler, call *rpcCall, in *traceByIDInput) (any, error) {
	if h.traces == nil {
		return nil, errStoreUnavailable
	}
	item, err := h.traces.GetTrace(ctx, call.projectID, in.TraceID)
	if err != nil {
		return nil, err
	}
	return detailTrace(item), nil
}

func summarizeTrace(item *trace.Trace) traceSummary {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return traceSummary{
		ID:         item.ID,
		ProjectID:  item.ProjectID,
		Name:       item.Name,
		UserID:     item.UserID,
		SessionID:  item.SessionID,
		Release:    item.Release,
		Version:    item.Version,
		Tags:       tags,
		Bookmarked: item.Bookmarked,
		Public:     item.Public,
		Timestamp:  item.Timestamp,
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
	}
}

func detailTrace(item *trace.Trace) traceDetail {
	return traceDetail{
		traceSummary: summarizeTrace(item),
		Input:        decodeJSONField(item.Input),
		Output:       decodeJSONField(item.Output),
		Metadata:     decodeJSONField(item.Metadata),
	}
}

func decodeJSONField(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}
