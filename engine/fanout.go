package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RunSummary aggregates one scheduler pass.
type RunSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// FanOut runs fn for every item with at most limit goroutines in flight.
// A failing or panicking item is counted and logged but never cancels its
// siblings.
func FanOut[T any](ctx context.Context, limit int, items []T, logger logrus.FieldLogger, fn func(context.Context, T) error) RunSummary {
	var failed atomic.Int64

	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, item := range items {
		item := item
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				if err != nil {
					failed.Add(1)
					logger.WithError(err).Warn("work item failed")
				}
			}()
			return fn(ctx, item)
		})
	}
	// Per-item errors are already accounted for.
	_ = g.Wait()

	f := int(failed.Load())
	return RunSummary{Total: len(items), Successful: len(items) - f, Failed: f}
}
