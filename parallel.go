package cryptovault

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// minJobsForParallel is the job count below which work runs sequentially
const minJobsForParallel = 4

// runParallel calls fn for every index in [0, n) on at most workers
// goroutines. The first failure cancels the jobs that have not started yet.
// When several jobs fail the error of the lowest index is returned.
func runParallel(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	if err := ctx.Err(); err != nil || n == 0 {
		return err
	}
	if workers > n {
		workers = n
	}

	if n < minJobsForParallel || workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := safeCall(ctx, i, fn); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			errs[i] = safeCall(gctx, i, fn)
			return errs[i]
		})
	}
	werr := g.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if werr == nil {
		werr = ctx.Err()
	}
	return werr
}

// safeCall converts a panic in fn into an error
func safeCall(ctx context.Context, i int, fn func(ctx context.Context, i int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker %d: %v", i, r)
		}
	}()
	return fn(ctx, i)
}
