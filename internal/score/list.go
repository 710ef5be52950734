package score

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ListResult is one page of scores plus the count over the whole filter.
type ListResult struct {
	Scores     []*ListedScore
	TotalCount int64
}

// List runs the rows and count queries concurrently and waits for both.
func List(ctx context.Context, store Store, query ListQuery) (*ListResult, error) {
	var (
		rows  []*ListedScore
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = store.ListScores(gctx, query)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = store.CountScores(gctx, query)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*ListedScore{}
	}
	return &ListResult{Scores: rows, TotalCount: total}, nil
}
