// Package rangestream implements the Range Stream of spec.md §4.5: a range
// scan too large for a single getKeyValues call is fragmented at ~1 MB split
// points, the fragments are fetched with bounded parallelism, and results are
// delivered on a single channel in key order even though fragments complete
// out of order.
//
// Grounded on torua's handleBroadcast (cmd/coordinator/main.go), which
// snapshots a target list, fans a request out to each target on its own
// goroutine, and collects results on a shared channel; generalized here from
// "fan out, collect in any order" to "fan out, collect, and reorder back into
// the index the fragments were produced in" and bounded to a caller-set
// concurrency limit instead of torua's unbounded one-goroutine-per-node.
package rangestream

import (
	"context"
	"sync"

	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
)

// DefaultBufferedFragmentsLimit bounds how many fragments may be in flight or
// buffered awaiting delivery at once (spec.md §5's
// RANGESTREAM_BUFFERED_FRAGMENTS_LIMIT), absent an explicit Options value.
const DefaultBufferedFragmentsLimit = 8

// defaultChunkBytes is the split granularity spec.md §4.5 names ("~1 MB").
const defaultChunkBytes = 1 << 20

// FetchFunc fetches every key-value pair in r, the unit of work a single
// fragment represents. Implementations are expected to page internally (via
// getKeyValues' More flag) until r is exhausted, the way
// internal/transaction.GetRange already does for a single shard.
type FetchFunc func(ctx context.Context, r kv.KeyRange) ([]kv.KeyValue, error)

// SplitFunc returns the interior split points partitioning r into
// chunkBytes-sized fragments (spec.md §4.5's GetRangeSplitPoints call).
type SplitFunc func(ctx context.Context, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error)

// InvalidateFunc evicts r from whatever location cache produced the
// collaborator that failed, so the retried fetch re-resolves it.
type InvalidateFunc func(r kv.KeyRange)

// Options tunes a Scan call.
type Options struct {
	// BufferedFragmentsLimit bounds in-flight-or-buffered fragments.
	// Zero uses DefaultBufferedFragmentsLimit.
	BufferedFragmentsLimit int
	// ChunkBytes is the split granularity passed to SplitFunc. Zero uses
	// defaultChunkBytes.
	ChunkBytes int64
	// RetryPolicy governs the per-fragment retry loop. The zero value uses
	// retry.DefaultPolicy.
	RetryPolicy retry.Policy
}

// Result is one fragment's outcome, delivered on Scan's output channel in
// Index order. Err is set, and Pairs nil, at most once per Scan call: the
// channel is closed immediately after an error result, per spec.md §4.5
// ("a fragment's terminal error ... is delivered on the stream and ends the
// scan").
type Result struct {
	Index int
	Pairs []kv.KeyValue
	Err   error
}

// Scan fragments r via split, fetches each fragment via fetch with bounded
// parallelism, and returns a channel delivering Results in fragment (i.e. key)
// order. The channel is closed once every fragment has been delivered, or
// immediately after the first fragment error.
func Scan(ctx context.Context, r kv.KeyRange, fetch FetchFunc, split SplitFunc, invalidate InvalidateFunc, opts Options) <-chan Result {
	out := make(chan Result)
	go run(ctx, r, fetch, split, invalidate, opts, out)
	return out
}

func run(ctx context.Context, r kv.KeyRange, fetch FetchFunc, split SplitFunc, invalidate InvalidateFunc, opts Options, out chan<- Result) {
	defer close(out)

	limit := opts.BufferedFragmentsLimit
	if limit <= 0 {
		limit = DefaultBufferedFragmentsLimit
	}
	chunkBytes := opts.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = defaultChunkBytes
	}

	points, err := split(ctx, r, chunkBytes)
	if err != nil {
		out <- Result{Err: err}
		return
	}
	fragments := buildFragments(r, points)

	type indexed struct {
		idx   int
		pairs []kv.KeyValue
		err   error
	}
	results := make(chan indexed, limit)
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	go func() {
		for i, fr := range fragments {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				close(results)
				return
			}
			wg.Add(1)
			go func(idx int, fr kv.KeyRange) {
				defer wg.Done()
				defer func() { <-sem }()
				pairs, err := fetchWithRetry(ctx, fr, fetch, invalidate, opts.RetryPolicy)
				results <- indexed{idx: idx, pairs: pairs, err: err}
			}(i, fr)
		}
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]indexed)
	next := 0
	for res := range results {
		pending[res.idx] = res
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if ready.err != nil {
				out <- Result{Index: ready.idx, Err: ready.err}
				return
			}
			select {
			case out <- Result{Index: ready.idx, Pairs: ready.pairs}:
			case <-ctx.Done():
				return
			}
			next++
		}
	}
}

// fetchWithRetry drives a single fragment through the spec.md §4.7 retry
// classes fragments are restartable on: wrong_shard_server and
// all_alternatives_failed invalidate the fragment's cached location before
// retrying; transient-retry and version-drift classes back off and retry in
// place; every other class is terminal.
func fetchWithRetry(ctx context.Context, fr kv.KeyRange, fetch FetchFunc, invalidate InvalidateFunc, policy retry.Policy) ([]kv.KeyValue, error) {
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	loop := retry.NewLoop(policy)
	for {
		pairs, err := fetch(ctx, fr)
		if err == nil {
			return pairs, nil
		}
		rerr, ok := err.(*retry.Error)
		if !ok {
			rerr = rpcif.ClassifyStatus(err)
		}
		shouldRetry, retErr := loop.OnError(ctx, rerr, func() {
			if invalidate != nil {
				invalidate(fr)
			}
		})
		if !shouldRetry {
			return nil, retErr
		}
	}
}

func buildFragments(r kv.KeyRange, points []kv.Key) []kv.KeyRange {
	bounds := make([]kv.Key, 0, len(points)+2)
	bounds = append(bounds, r.Begin)
	bounds = append(bounds, points...)
	bounds = append(bounds, r.End)

	fragments := make([]kv.KeyRange, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		fragments = append(fragments, kv.KeyRange{Begin: bounds[i], End: bounds[i+1]})
	}
	return fragments
}
