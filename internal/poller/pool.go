package poller

import (
	"context"
	"sync"
)

// result carries one item's outcome out of the pool, in input order.
type result[T, R any] struct {
	input T
	value R
	err   error
}

// forEach runs work over items with at most parallelism goroutines,
// stopping early when ctx is cancelled. Results come back in input order;
// cancelled items carry ctx.Err().
func forEach[T, R any](ctx context.Context, items []T, parallelism int, work func(context.Context, T) (R, error)) []result[T, R] {
	if len(items) == 0 {
		return nil
	}
	if parallelism < 1 {
		parallelism = 1
	}

	results := make([]result[T, R], len(items))
	jobs := make(chan int, len(items))

	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := ctx.Err(); err != nil {
					results[idx] = result[T, R]{input: items[idx], err: err}
					continue
				}
				v, err := work(ctx, items[idx])
				results[idx] = result[T, R]{input: items[idx], value: v, err: err}
			}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
