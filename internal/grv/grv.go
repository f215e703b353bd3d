// Package grv implements the read-version batcher of spec.md §4.3: one
// batcher per (priority, flags) class, coalescing GetReadVersion requests
// under an adaptive timeout, broadcasting replies with bounded fan-out, and
// maintaining the tag-throttle table piggybacked on every reply.
//
// Grounded on torua's internal/coordinator/health_monitor.go Start
// loop (a ticker/select-driven background goroutine owned and cancelled by
// its parent) for the batching goroutine's shape; the throttle table itself
// is backed by golang.org/x/time/rate, since spec.md's {rate, expiration}
// throttle entries are exactly token buckets.
package grv

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// MaxBatchSize bounds how many requests one batch accepts before closing
// regardless of the adaptive timeout (spec.md §4.3 "MAX_BATCH_SIZE").
const MaxBatchSize = 1000

// BroadcastBatchSize is the fan-out chunk size used to wake waiters after a
// batch's reply arrives, avoiding a thundering herd (spec.md §4.3
// "BROADCAST_BATCH_SIZE").
const BroadcastBatchSize = 64

// DefaultBatchTimeout is the clamp ceiling for the adaptive batch timeout
// (spec.md §4.3 "GRV_BATCH_TIMEOUT").
const DefaultBatchTimeout = 5 * time.Millisecond

// Request is a single caller's read-version ask (spec.md §4.3
// "VersionRequest").
type Request struct {
	Span     string
	Tags     []string
	DebugID  string
	Flags    option.Flags
	Priority option.Priority
}

// Result is delivered to every waiter in a dispatched batch.
type Result struct {
	Version        kv.Version
	MetadataVersion kv.Version
	Err            error
}

// Dispatcher issues the actual GetReadVersion RPC for a closed batch. count
// is the number of requests folded into the batch (collaborator contract,
// spec.md §6 — implemented by internal/rpcif/internal/httprpc).
type Dispatcher func(ctx context.Context, class option.Class, count int, tags []string) (version, metadataVersion kv.Version, tagRates map[string]float64, err error)

type pendingRequest struct {
	req   Request
	reply chan Result
}

// classBatcher owns one (priority, flags) class's pending queue and adaptive
// timeout state.
type classBatcher struct {
	mu         sync.Mutex
	class      option.Class
	pending    []pendingRequest
	batchTime  time.Duration
	timer      *time.Timer
	dispatcher Dispatcher
	throttle   *ThrottleTable
}

// Batcher owns one classBatcher per (priority, flags) class encountered.
type Batcher struct {
	mu         sync.Mutex
	classes    map[option.Class]*classBatcher
	dispatcher Dispatcher
	throttle   *ThrottleTable
	maxTimeout time.Duration
}

// NewBatcher returns a Batcher dispatching closed batches through d.
func NewBatcher(d Dispatcher) *Batcher {
	return &Batcher{
		classes:    make(map[option.Class]*classBatcher),
		dispatcher: d,
		throttle:   NewThrottleTable(),
		maxTimeout: DefaultBatchTimeout,
	}
}

// Throttle returns the shared tag-throttle table this batcher maintains.
func (b *Batcher) Throttle() *ThrottleTable { return b.throttle }

// Submit enqueues req on its (priority, flags) class's batcher, creating the
// class's queue on first use, and returns a channel receiving exactly one
// Result.
func (b *Batcher) Submit(ctx context.Context, req Request) <-chan Result {
	class := option.Class{Priority: req.Priority, Flags: req.Flags}

	b.mu.Lock()
	cb, ok := b.classes[class]
	if !ok {
		cb = &classBatcher{
			class:      class,
			batchTime:  b.maxTimeout,
			dispatcher: b.dispatcher,
			throttle:   b.throttle,
		}
		b.classes[class] = cb
	}
	b.mu.Unlock()

	reply := make(chan Result, 1)
	cb.enqueue(ctx, pendingRequest{req: req, reply: reply}, b.maxTimeout)
	return reply
}

func (cb *classBatcher) enqueue(ctx context.Context, pr pendingRequest, maxTimeout time.Duration) {
	cb.mu.Lock()
	cb.pending = append(cb.pending, pr)
	first := len(cb.pending) == 1
	full := len(cb.pending) >= MaxBatchSize
	if full {
		batch := cb.closeLocked()
		cb.mu.Unlock()
		go cb.dispatch(ctx, batch)
		return
	}
	if first {
		timeout := cb.batchTime
		if timeout <= 0 || timeout > maxTimeout {
			timeout = maxTimeout
		}
		cb.timer = time.AfterFunc(timeout, func() {
			cb.mu.Lock()
			batch := cb.closeLocked()
			cb.mu.Unlock()
			if len(batch) > 0 {
				go cb.dispatch(ctx, batch)
			}
		})
	}
	cb.mu.Unlock()
}

// closeLocked must be called with cb.mu held; it snapshots and clears the
// pending queue.
func (cb *classBatcher) closeLocked() []pendingRequest {
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
	batch := cb.pending
	cb.pending = nil
	return batch
}

func (cb *classBatcher) dispatch(ctx context.Context, batch []pendingRequest) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	tagSet := make(map[string]struct{})
	for _, pr := range batch {
		for _, t := range pr.req.Tags {
			tagSet[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}

	version, metaVersion, tagRates, err := cb.dispatcher(ctx, cb.class, len(batch), tags)
	latency := time.Since(start)

	cb.mu.Lock()
	// Low-pass filter per spec.md §4.3: batch_time <- 0.1*(0.5*latency) + 0.9*batch_time.
	cb.batchTime = time.Duration(0.1*float64(latency)/2 + 0.9*float64(cb.batchTime))
	if cb.batchTime < 0 {
		cb.batchTime = 0
	}
	cb.mu.Unlock()

	cb.throttle.Apply(cb.class.Priority, tagRates)

	broadcast(batch, Result{Version: version, MetadataVersion: metaVersion, Err: err})
}

// broadcast delivers result to every waiter in incremental chunks of
// BroadcastBatchSize, spreading wakeups rather than releasing the whole
// batch in one scheduling burst (spec.md §4.3 "Dispatch").
func broadcast(batch []pendingRequest, result Result) {
	for i := 0; i < len(batch); i += BroadcastBatchSize {
		end := i + BroadcastBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		for _, pr := range batch[i:end] {
			pr.reply <- result
		}
	}
}

// ThrottleTable is the per-priority Tag -> token-bucket map of spec.md §3
// ("Throttle Table") and §4.3 ("Tag throttling piggyback").
type ThrottleTable struct {
	mu      sync.RWMutex
	buckets map[option.Priority]map[string]*rate.Limiter
}

// NewThrottleTable returns an empty throttle table.
func NewThrottleTable() *ThrottleTable {
	return &ThrottleTable{buckets: make(map[option.Priority]map[string]*rate.Limiter)}
}

// Apply overwrites priority's throttle entries with rates, removing any tag
// not present in rates (spec.md §4.3: "these overwrite the throttle table
// entry for that priority. Missing tags cause entry removal").
func (t *ThrottleTable) Apply(priority option.Priority, rates map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fresh := make(map[string]*rate.Limiter, len(rates))
	for tag, r := range rates {
		fresh[tag] = rate.NewLimiter(rate.Limit(r), 1)
	}
	t.buckets[priority] = fresh
}

// Allow reports whether a request tagged with tag under priority may proceed
// now, consuming one token if so. Untracked (tag, priority) pairs are always
// allowed.
func (t *ThrottleTable) Allow(priority option.Priority, tag string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byTag, ok := t.buckets[priority]
	if !ok {
		return true
	}
	lim, ok := byTag[tag]
	if !ok {
		return true
	}
	return lim.Allow()
}
