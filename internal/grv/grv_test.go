package grv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

func TestSubmitDispatchesAndBroadcasts(t *testing.T) {
	var calls int
	var mu sync.Mutex
	dispatcher := func(ctx context.Context, class option.Class, count int, tags []string) (kv.Version, kv.Version, map[string]float64, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return kv.Version(42), kv.Version(1), nil, nil
	}
	b := NewBatcher(dispatcher)
	b.maxTimeout = time.Millisecond

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := b.Submit(context.Background(), Request{Priority: option.PriorityDefault})
			results[i] = <-ch
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r.Version != 42 {
			t.Errorf("result %d: expected version 42, got %d", i, r.Version)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatalf("expected at least one dispatch call")
	}
}

func TestThrottleTableApplyAndRemoval(t *testing.T) {
	tt := NewThrottleTable()
	tt.Apply(option.PriorityDefault, map[string]float64{"tagA": 1000})
	if !tt.Allow(option.PriorityDefault, "tagA") {
		t.Fatalf("expected first request under high rate to be allowed")
	}
	if !tt.Allow(option.PriorityDefault, "tagB") {
		t.Fatalf("expected untracked tag to be allowed")
	}

	// Missing tags cause entry removal: tagA should disappear once Apply is
	// called again without it.
	tt.Apply(option.PriorityDefault, map[string]float64{"tagC": 1000})
	if !tt.Allow(option.PriorityDefault, "tagA") {
		t.Fatalf("expected removed tag to fall back to always-allow")
	}
}
