package fn

import (
	"context"
	"sync"
)

// ParMapCtx applies f to each item with bounded concurrency, preserving order.
// Items not yet started when ctx is done get ctx.Err() instead of running.
func ParMapCtx[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}
	if workers == 0 {
		return out
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(items); j++ {
				out[j] = Err[U](ctx.Err())
			}
			wg.Wait()
			return out
		}
		wg.Add(1)
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			if err := ctx.Err(); err != nil {
				out[i] = Err[U](err)
				return
			}
			out[i] = f(ctx, v)
		}(i, v)
	}
	wg.Wait()
	return out
}
