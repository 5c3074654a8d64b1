package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func TestForEachKeepsInputOrder(t *testing.T) {
	items := []int{5, 3, 8, 1, 9, 2}
	got := forEach(context.Background(), items, 3, func(_ context.Context, n int) (string, error) {
		return strconv.Itoa(n * 10), nil
	})
	if len(got) != len(items) {
		t.Fatalf("results = %d", len(got))
	}
	for i, res := range got {
		if res.input != items[i] {
			t.Errorf("result %d input = %d, want %d", i, res.input, items[i])
		}
		if res.err != nil || res.value != strconv.Itoa(items[i]*10) {
			t.Errorf("result %d = %+v", i, res)
		}
	}
}

func TestForEachBoundsParallelism(t *testing.T) {
	var active, peak atomic.Int32
	var mu sync.Mutex
	gate := make(chan struct{})

	done := make(chan struct{})
	go func() {
		forEach(context.Background(), make([]int, 10), 3, func(_ context.Context, n int) (int, error) {
			cur := active.Add(1)
			mu.Lock()
			if cur > peak.Load() {
				peak.Store(cur)
			}
			mu.Unlock()
			<-gate
			active.Add(-1)
			return n, nil
		})
		close(done)
	}()

	// Release the workers one step at a time.
	for i := 0; i < 10; i++ {
		gate <- struct{}{}
	}
	<-done
	if p := peak.Load(); p > 3 {
		t.Errorf("peak parallelism = %d, want <= 3", p)
	}
}

func TestForEachPerItemErrors(t *testing.T) {
	boom := errors.New("boom")
	got := forEach(context.Background(), []int{1, 2, 3}, 2, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	})
	if got[0].err != nil || got[2].err != nil {
		t.Error("healthy items carried errors")
	}
	if !errors.Is(got[1].err, boom) {
		t.Errorf("failed item err = %v", got[1].err)
	}
}

func TestForEachCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := forEach(ctx, []int{1, 2, 3}, 2, func(context.Context, int) (int, error) {
		t.Error("work ran under a cancelled context")
		return 0, nil
	})
	for _, res := range got {
		if !errors.Is(res.err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", res.err)
		}
	}
}

func TestForEachEmpty(t *testing.T) {
	if got := forEach(context.Background(), nil, 4, func(context.Context, int) (int, error) {
		return 0, nil
	}); got != nil {
		t.Errorf("empty input returned %v", got)
	}
}
