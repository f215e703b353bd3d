package rangestream

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/pkg/kv"
)

// storeFetch returns a FetchFunc reading the keys of a plain in-memory map
// that fall inside the requested fragment's range.
func storeFetch(store map[string]string) FetchFunc {
	return func(ctx context.Context, r kv.KeyRange) ([]kv.KeyValue, error) {
		var keys []string
		for k := range store {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []kv.KeyValue
		for _, k := range keys {
			key := kv.Key(k)
			if key.Compare(r.Begin) < 0 {
				continue
			}
			if r.End != nil && key.Compare(r.End) >= 0 {
				continue
			}
			out = append(out, kv.KeyValue{Key: key, Value: kv.Value(store[k])})
		}
		return out, nil
	}
}

func fixedSplit(splitKeys ...string) SplitFunc {
	return func(ctx context.Context, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error) {
		points := make([]kv.Key, len(splitKeys))
		for i, k := range splitKeys {
			points[i] = kv.Key(k)
		}
		return points, nil
	}
}

func collect(t *testing.T, ch <-chan Result) []Result {
	t.Helper()
	var results []Result
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return results
			}
			results = append(results, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for scan results")
		}
	}
}

func TestScanDeliversFragmentsInOrder(t *testing.T) {
	store := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}
	ctx := context.Background()

	results := collect(t, Scan(ctx, kv.AllKeys, storeFetch(store), fixedSplit("b", "d"), nil, Options{}))

	if len(results) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Fatalf("fragment %d arrived with Index %d", i, r.Index)
		}
		if r.Err != nil {
			t.Fatalf("fragment %d: unexpected error %v", i, r.Err)
		}
	}
	var all []string
	for _, r := range results {
		for _, kvp := range r.Pairs {
			all = append(all, string(kvp.Key))
		}
	}
	want := []string{"a", "b", "c", "d"}
	if len(all) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("expected keys %v, got %v", want, all)
		}
	}
}

func TestScanTerminatesOnFatalFragmentError(t *testing.T) {
	ctx := context.Background()
	boom := fmt.Errorf("boom")

	fetch := func(ctx context.Context, r kv.KeyRange) ([]kv.KeyValue, error) {
		if r.Begin.Compare(kv.Key("m")) >= 0 {
			return nil, &retry.Error{Code: retry.CodeKeyTooLarge, Cause: boom}
		}
		return []kv.KeyValue{{Key: r.Begin, Value: kv.Value("ok")}}, nil
	}

	results := collect(t, Scan(ctx, kv.AllKeys, fetch, fixedSplit("m"), nil, Options{}))

	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	last := results[len(results)-1]
	if last.Err == nil {
		t.Fatalf("expected the scan to terminate with an error, got %+v", last)
	}
}

func TestScanInvalidatesOnShardCacheInvalidationClass(t *testing.T) {
	ctx := context.Background()
	var attempts int32
	var invalidated int32

	fetch := func(ctx context.Context, r kv.KeyRange) ([]kv.KeyValue, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, &retry.Error{Code: retry.CodeWrongShardServer}
		}
		return []kv.KeyValue{{Key: r.Begin, Value: kv.Value("ok")}}, nil
	}
	invalidate := func(r kv.KeyRange) {
		atomic.AddInt32(&invalidated, 1)
	}

	results := collect(t, Scan(ctx, kv.AllKeys, fetch, fixedSplit(), invalidate, Options{
		RetryPolicy: retry.Policy{
			InitialBackoff:        time.Millisecond,
			MaxBackoff:            time.Millisecond,
			WrongShardServerDelay: time.Millisecond,
			GrowthRate:            1,
		},
	}))

	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("expected one successful result, got %+v", results)
	}
	if atomic.LoadInt32(&invalidated) != 1 {
		t.Fatalf("expected exactly one invalidation, got %d", invalidated)
	}
}

func TestScanRespectsBufferedFragmentsLimit(t *testing.T) {
	ctx := context.Background()
	var inFlight, maxInFlight int32

	fetch := func(ctx context.Context, r kv.KeyRange) ([]kv.KeyValue, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return []kv.KeyValue{{Key: r.Begin, Value: kv.Value("ok")}}, nil
	}

	splitKeys := make([]string, 20)
	for i := range splitKeys {
		splitKeys[i] = fmt.Sprintf("k%03d", i)
	}

	results := collect(t, Scan(ctx, kv.AllKeys, fetch, fixedSplit(splitKeys...), nil, Options{
		BufferedFragmentsLimit: 3,
	}))

	if len(results) != 21 {
		t.Fatalf("expected 21 fragments, got %d", len(results))
	}
	if atomic.LoadInt32(&maxInFlight) > 3 {
		t.Fatalf("expected at most 3 fragments in flight, saw %d", maxInFlight)
	}
}
