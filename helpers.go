package unirun

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MapOn runs fn for every item on ex and returns the results in input
// order. The first error cancels the context seen by tasks that have not
// started yet; MapOn still waits for every submitted task before
// returning.
//
//	squares, err := unirun.MapOn(ctx, sc, nums, func(ctx context.Context, n int) (int, error) {
//	    return n * n, nil
//	})
func MapOn[T, R any](ctx context.Context, ex Executor, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]R, len(items))

	for i, item := range items {
		fut, err := ex.Submit(gctx, func(ctx context.Context) (any, error) {
			return fn(ctx, item)
		})
		if err != nil {
			g.Go(func() error { return fmt.Errorf("submit item %d: %w", i, err) })
			break
		}
		g.Go(func() error {
			v, err := fut.Wait()
			if err != nil {
				return err
			}
			if v != nil {
				results[i] = v.(R) // each goroutine writes a unique index
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ForEachOn runs fn for every item on ex and waits for all of them.
func ForEachOn[T any](ctx context.Context, ex Executor, items []T, fn func(ctx context.Context, item T) error) error {
	_, err := MapOn(ctx, ex, items, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	return err
}

// Map acquires a scope on the default runtime with opts and maps items
// through it.
//
//	prices, err := unirun.Map(ctx, products, fetchPrice, unirun.WithIOBound())
func Map[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error), opts ...Option) ([]R, error) {
	var out []R
	err := Run(ctx, func(ctx context.Context, sc *Scope) error {
		var err error
		out, err = MapOn(ctx, sc, items, fn)
		return err
	}, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach is Map without results.
func ForEach[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error, opts ...Option) error {
	return Run(ctx, func(ctx context.Context, sc *Scope) error {
		return ForEachOn(ctx, sc, items, fn)
	}, opts...)
}

// SubmitValue submits a typed task through ex.
func SubmitValue[T any](ctx context.Context, ex Executor, fn func(ctx context.Context) (T, error)) (*Result[T], error) {
	fut, err := ex.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	res := newResult[T]()
	go func() {
		v, err := fut.Wait()
		var out T
		if err == nil && v != nil {
			out = v.(T)
		}
		res.resolve(out, err)
	}()
	return res, nil
}
