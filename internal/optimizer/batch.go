package optimizer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchItem is one handle's step within StepBatch.
type BatchItem struct {
	Handle int32
	Args   StepArgs
}

// StepBatch steps several distinct handles concurrently, at most limit at a
// time (limit <= 0 means unbounded). Every item runs to completion; the
// errors of failed items are joined.
func (r *Registry) StepBatch(ctx context.Context, items []BatchItem, limit int) error {
	seen := make(map[int32]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.Handle]; dup {
			return fmt.Errorf("step batch: handle %d: %w", it.Handle, ErrDuplicateHandle)
		}
		seen[it.Handle] = struct{}{}
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	errs := make([]error, len(items))
	for i := range items {
		g.Go(func() error {
			errs[i] = r.Step(ctx, items[i].Handle, items[i].Args)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
